package engine

import (
	"fmt"
	"sync"
)

// MaxPasses is the number of passes one run makes over its records. The
// second pass only processes records deferred by the first.
const MaxPasses = 2

// deferralBudget tracks which records of a run were deferred and enforces
// that no record is deferred past the last pass.
//
// Each run has its own deferralBudget. The budget is checked whenever the
// relationship resolver asks to defer a record.
//
// This bounds the work a run does when relationships form cycles: a cycle
// whose edges are all auto-creating is rejected when the plan is compiled,
// and anything that still tries to defer at run time in the last pass is
// reported as a configuration problem instead of looping.
//
// Thread-safety: deferralBudget is safe for concurrent use; record workers
// of one unit share it.
type deferralBudget struct {
	mu       sync.Mutex
	maxPass  int
	deferred map[recordKey]bool
	pending  []recordKey
}

func newDeferralBudget(maxPasses int) *deferralBudget {
	return &deferralBudget{
		maxPass:  maxPasses,
		deferred: make(map[recordKey]bool),
	}
}

// Defer moves key, processed in pass, to the next pass. Returns a
// DEFERRAL_EXCEEDED RuntimeError when no pass is left.
func (b *deferralBudget) Defer(key recordKey, pass int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pass >= b.maxPass {
		return &RuntimeError{
			Code:    ErrCodeDeferralExceeded,
			Message: fmt.Sprintf("%s %s still has an unresolved relationship after %d passes", key.Type, key.ID, b.maxPass),
		}
	}
	if b.deferred[key] {
		return nil
	}
	b.deferred[key] = true
	b.pending = append(b.pending, key)
	return nil
}

// Drain returns the records deferred since the last Drain, in deferral
// order.
func (b *deferralBudget) Drain() []recordKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Count returns how many records were deferred in this run.
func (b *deferralBudget) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deferred)
}

// Deferred reports whether key waits for a later pass.
func (b *deferralBudget) Deferred(key recordKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deferred[key]
}
