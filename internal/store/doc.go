// Package store provides SQLite-backed durable storage for sync state.
//
// The store holds:
//   - Connections: provider, direction policy, sealed credentials, health
//   - Mappings: entity, field and relationship mappings per connection
//   - External ids: the one-to-one correlation of local and remote records
//   - Sync log: one append-only row per action taken on a record
//   - Runs and cursors: run summaries and incremental pull positions
//
// # Invariants
//
// Correlation uniqueness is enforced by two unique indexes on external_ids,
// one per side. A write that would break either surfaces as
// ErrDuplicateCorrelation.
//
// RecordOutcome writes the correlation row and its log entry in the same
// transaction, so a log entry never describes a correlation that was not
// stored (or the reverse).
//
// The sync_log table rejects UPDATE through a trigger. Rows disappear only
// when their connection is deleted.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Connection deletes cascade
//
// The schema is versioned with goose migrations embedded in the binary.
package store
