// Package config loads node configuration from YAML or CUE files.
//
// CUE files are unified with an embedded #Config schema before decoding, so
// type and range errors carry a source position. YAML files are decoded
// strictly: unknown fields are errors. Both produce the same Config, which
// is then defaulted and validated.
package config
