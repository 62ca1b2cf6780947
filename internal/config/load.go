package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// LoadError reports a configuration file that could not be read, parsed or
// checked against the schema.
type LoadError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Load reads a config file, applies defaults and validates it. The format
// follows the extension: .cue, or .yaml/.yml.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, &LoadError{Path: path, Message: err.Error()}
	}
	return cfg, nil
}

// Read parses a config file without applying defaults or validating, so
// callers can layer flag overrides on top first.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &LoadError{Path: path, Message: err.Error()}
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		return ParseCUE(path, data)
	case ".yaml", ".yml":
		return ParseYAML(path, data)
	default:
		return Config{}, &LoadError{Path: path, Message: fmt.Sprintf("unsupported config format %q", ext)}
	}
}

// ParseYAML decodes a YAML config. Unknown fields are errors. Defaults are
// not applied.
func ParseYAML(name string, data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &LoadError{Path: name, Message: err.Error()}
	}
	return cfg, nil
}

// ParseCUE unifies a CUE config with the #Config schema and decodes it.
// Defaults are not applied.
func ParseCUE(name string, data []byte) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return Config{}, cueLoadError(name, err)
	}

	v = schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, cueLoadError(name, err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return Config{}, cueLoadError(name, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, &LoadError{Path: name, Message: err.Error()}
	}
	return cfg, nil
}

// cueLoadError keeps the first CUE error and its position.
func cueLoadError(name string, err error) *LoadError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Path: name, Message: err.Error()}
	}
	first := errs[0]
	msg := first.Error()
	if p := first.Path(); len(p) > 0 {
		msg = strings.Join(p, ".") + ": " + msg
	}
	return &LoadError{Path: name, Message: msg, Pos: first.Position()}
}
