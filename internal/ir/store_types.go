package ir

// NOTE: These types only describe writes and reads against the store. They
// are not part of the mapping configuration.

// Outcome is the bookkeeping for one processed record. The store applies the
// correlation change and appends the log entry in one transaction.
type Outcome struct {
	Entry SyncLogEntry

	// Correlation is upserted when non-nil, keyed by (connection, local type, local id).
	Correlation *ExternalID

	// Unlink removes the correlation row when non-nil.
	Unlink *ExternalID
}

// Cursor is the per remote entity incremental pull state.
type Cursor struct {
	ConnectionID string `json:"connection_id"`
	RemoteEntity string `json:"remote_entity"`
	Value        string `json:"value,omitempty"`
	// Fingerprint of the mapping unit that produced Value. A mismatch means the
	// mapping changed and the next run scans in full.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Stats aggregates a connection's sync log for the administrative surface.
type Stats struct {
	ConnectionID string            `json:"connection_id"`
	Total        int               `json:"total"`
	ByAction     map[Action]int    `json:"by_action"`
	ByStatus     map[Status]int    `json:"by_status"`
	Runs         map[RunStatus]int `json:"runs"`
	LastRun      *RunReport        `json:"last_run,omitempty"`
}
