// Package engine implements the crmsync executor: one run synchronizes one
// connection between the local entity store and a remote CRM.
//
// RUN LIFECYCLE:
//
// A run compiles the connection's plan, opens its adapter behind a
// connector.Guard, and walks the plan's units in dependency order:
//
//  1. Fetching: the local records changed since the last successful run are
//     selected for every outbound unit up front, so that deferred
//     relationships know which records this run will push later.
//  2. Per unit, the outbound records are processed on a bounded worker pool,
//     then the unit's remote changes are pulled page by page from its cursor.
//  3. A second pass processes the records whose relationships could not be
//     resolved in the first one: records waiting for a related record that
//     had to be created, and records written without a cycle-breaking
//     reference. There is no third pass.
//
// Each record moves through Mapping, Resolving, Writing and Logging (see
// State). Every outcome, skips included, becomes a sync log entry written
// in the same transaction as its correlation change.
//
// CHANGE DETECTION:
//
// The content hash of a record covers its mapped values in remote
// representation together with the unit fingerprint. A record whose hash
// matches the one stored with its correlation is skipped, which makes a
// repeated run with no data change write nothing. A mapping change alters
// the fingerprint, so every record of the unit resyncs.
//
// FAILURES:
//
// Record-level failures are logged and the run continues. Later runs pick
// the failed records up again: outbound through their failed log entries,
// inbound because the cursor stops before the page that failed. Rejected
// credentials and unreachable endpoints abort the run; the remaining
// records are logged as skipped and the connection's failure count grows
// until it is disabled.
//
// CONCURRENCY:
//
// Runs of different connections are independent. A connection has at most
// one active run; further triggers are dropped. Workers of one unit share
// the guard, the correlation store and the per-run bookkeeping.
package engine
