// Package ir holds the data model shared by every crmsync package: field
// values, mapping configuration, correlation rows, log entries and run
// reports, plus the canonical JSON and hashing used for change detection.
//
// ir imports nothing internal.
//
// Key constraints:
//   - No float values. Non-integral remote numbers travel as decimal text.
//   - All JSON tags use snake_case.
//   - Content hashes are domain separated and versioned.
package ir
