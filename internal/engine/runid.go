package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// RunIDGenerator generates unique run ids. Every SyncLogEntry of a run
// carries its id.
type RunIDGenerator interface {
	Generate() string
}

// UUIDRunIDs generates time-sortable UUIDv7 run ids, so listing runs by id
// also lists them by start time.
//
// Thread-safety: UUIDRunIDs is stateless and safe for concurrent use.
type UUIDRunIDs struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDRunIDs) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedRunIDs returns predetermined run ids for tests. Once the list is
// used up it continues with "<last>-<n>".
//
// Thread-safety: FixedRunIDs is safe for concurrent use via internal mutex.
type FixedRunIDs struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedRunIDs creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewFixedRunIDs("run-1", "run-2")
//	gen.Generate() // "run-1"
//	gen.Generate() // "run-2"
//	gen.Generate() // "run-2-3"
func NewFixedRunIDs(ids ...string) *FixedRunIDs {
	if len(ids) == 0 {
		ids = []string{"run"}
	}
	return &FixedRunIDs{ids: ids}
}

// Generate returns the next predetermined id.
func (g *FixedRunIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("%s-%d", g.ids[len(g.ids)-1], g.idx)
}
