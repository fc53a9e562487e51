// Package harness runs sync scenarios end to end against the real engine.
//
// A scenario names a directory of CUE connection mappings, seeds the local
// store and an in-memory CRM, then executes steps: sync runs and edits made
// on either side between runs. Every run goes through engine.Run with a
// step clock, fixed run ids and a single worker, so the sync log it leaves
// is reproducible and can be compared against a golden file.
//
// # Scenario Format
//
//	name: company_roundtrip
//	description: "Push a company, then pull a remote rename"
//	config: ../config           # relative to the scenario file
//	connection: crm             # optional when the config holds one connection
//	local:
//	  - type: Company
//	    id: c1
//	    fields: { name: Acme }
//	remote:
//	  - entity: Account
//	    id: A-9
//	    fields: { Name: Globex }
//	steps:
//	  - run: { full: false }
//	    expect: { status: completed, created: 1 }
//	  - put_remote: { entity: Account, id: A-1, fields: { Name: Acme Inc } }
//	  - put_local: { type: Company, id: c2, fields: { name: Initech } }
//	  - delete_local: { type: Company, id: c2 }
//	  - remove_remote: { entity: Account, id: A-9 }
//	assertions:
//	  - type: remote_record
//	    entity: Account
//	    id: A-1
//	    fields: { Name: Acme Inc }
//	  - type: log_count
//	    status: failed
//	    count: 0
//
// Local records without updated_at are stamped with the scenario clock.
//
// # Assertion Types
//
//   - remote_record: the CRM holds a live record with the given fields
//   - remote_absent: the CRM holds no live record with that id
//   - local_record: the local store holds a live record with the given fields
//   - local_absent: the local record is missing or tombstoned
//   - correlated: a local record is correlated, optionally to remote_id
//   - log_count: the number of sync log entries matching the filters
//
// # Golden Traces
//
// RunWithGolden compares the sync log of every run, reduced to its
// deterministic columns, against testdata/golden/<name>.golden. Regenerate
// with:
//
//	go test ./internal/harness -update
package harness
