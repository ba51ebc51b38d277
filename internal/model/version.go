package model

// Version constants for persisted documents and the engine.
const (
	// FormatVersion is the persisted document schema version.
	FormatVersion = 1

	// EngineVersion is the eldertree engine version.
	EngineVersion = "0.1.0"
)
