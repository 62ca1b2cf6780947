// Package ir provides the wire-level types shared by every other package:
// the sealed value types, the Operation record and its RFC 8785 canonical
// encoding.
//
// ir imports nothing internal. Keeping it at the bottom of the import graph
// means the document engine, the store and the transports all agree on one
// definition of an operation.
//
// Key constraints:
//   - no float values; integers are int64
//   - JSON tags use snake_case
//   - operation ids are SHA-256 over the canonical record (domain separated)
package ir
