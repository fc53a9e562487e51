package ir

// Version constants for the engine and its persisted formats.
const (
	// EngineVersion is the crmsync engine version.
	EngineVersion = "0.3.0"

	// ConfigVersion is the mapping configuration format version.
	ConfigVersion = "1"
)
