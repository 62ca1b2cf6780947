package ir

// Version constants for the wire protocol and engine.
const (
	// WireVersion is the delta protocol version carried in every sync message.
	WireVersion = "1"

	// EngineVersion is the convergent engine version.
	EngineVersion = "0.1.0"
)
