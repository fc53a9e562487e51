package engine

import (
	"sync"

	"github.com/roach88/crmsync/internal/ir"
)

// recordKey identifies a local record within a connection.
type recordKey struct {
	Type ir.EntityType
	ID   string
}

func (k recordKey) String() string { return string(k.Type) + "/" + k.ID }

// onceSet tracks local records a run has already handled. A run keeps two:
// the records it attempted outbound, and the records it wrote on either
// side, so that each record is written at most once per run.
//
// A record can come up more than once in a run: as a candidate of its own
// unit and as the auto-created target of another record's relationship, or
// outbound and then again as the echo of that write in the inbound pass.
// The first claim wins; later ones are logged as skips.
//
// CRITICAL DISTINCTION from change detection:
//   - Change detection: "Does this record differ from what was last synced?" (persistent)
//   - onceSet: "Has this run already touched this record?" (in-memory, per run)
type onceSet struct {
	mu   sync.Mutex
	seen map[recordKey]ir.Direction
}

func newOnceSet() *onceSet {
	return &onceSet{seen: make(map[recordKey]ir.Direction)}
}

// Claim marks key as handled in direction dir. Returns false, and the
// direction of the earlier attempt, if the key was already claimed.
//
// Thread-safe: Can be called concurrently.
func (s *onceSet) Claim(key recordKey, dir ir.Direction) (bool, ir.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.seen[key]; ok {
		return false, prev
	}
	s.seen[key] = dir
	return true, ""
}

// Claimed reports whether key was claimed.
func (s *onceSet) Claimed(key recordKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

// Len returns the number of claimed records.
func (s *onceSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
