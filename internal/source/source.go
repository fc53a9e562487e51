// Package source defines how the engine reads and writes local records, and
// provides an in-memory implementation.
//
// The host application implements Source and Sink over its own repositories.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/ir"
)

// Source reads local records.
type Source interface {
	// GetChangedSince returns records of type t modified at or after since,
	// tombstones included. A zero since returns every record.
	GetChangedSince(ctx context.Context, t ir.EntityType, since time.Time) ([]entity.Entity, error)

	// GetByID returns one record, or nil if it does not exist.
	GetByID(ctx context.Context, t ir.EntityType, id string) (entity.Entity, error)
}

// Sink writes records arriving from the remote side.
type Sink interface {
	// Save creates or replaces e and returns its local id. An empty
	// LocalID asks the sink to assign one.
	Save(ctx context.Context, e entity.Entity) (string, error)

	// Delete removes a record. Deleting a missing record succeeds.
	Delete(ctx context.Context, t ir.EntityType, id string) error
}

// Store is both sides together.
type Store interface {
	Source
	Sink
}

// Memory is an in-process Store. Deletes leave tombstones so that outbound
// passes observe them.
//
// Thread-safety: Memory is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records map[ir.EntityType]map[string]entity.Entity
	now     func() time.Time
	newID   func() string
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithClock sets the modification time stamped by Save and Delete.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithIDGenerator sets how Save assigns ids to new records.
func WithIDGenerator(f func() string) MemoryOption {
	return func(m *Memory) { m.newID = f }
}

// NewMemory returns an empty store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[ir.EntityType]map[string]entity.Entity),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Put stores e as is, keeping its modification time. It is how tests and
// fixtures seed local changes.
func (m *Memory) Put(e entity.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(entity.Clone(e))
}

func (m *Memory) put(e entity.Entity) {
	recs, ok := m.records[e.Type()]
	if !ok {
		recs = make(map[string]entity.Entity)
		m.records[e.Type()] = recs
	}
	recs[e.LocalID()] = e
}

// Get returns a copy of a record, tombstones included.
func (m *Memory) Get(t ir.EntityType, id string) (entity.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.records[t][id]
	if !ok {
		return nil, false
	}
	return entity.Clone(e), true
}

// Len counts the live records of a type.
func (m *Memory) Len(t ir.EntityType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.records[t] {
		if !e.Tombstoned() {
			n++
		}
	}
	return n
}

// GetChangedSince implements Source. Records are ordered by modification
// time, then id.
func (m *Memory) GetChangedSince(ctx context.Context, t ir.EntityType, since time.Time) ([]entity.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []entity.Entity
	for _, e := range m.records[t] {
		if since.IsZero() || !e.ModifiedAt().Before(since) {
			out = append(out, entity.Clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ModifiedAt().Equal(b.ModifiedAt()) {
			return a.ModifiedAt().Before(b.ModifiedAt())
		}
		return a.LocalID() < b.LocalID()
	})
	return out, nil
}

// GetByID implements Source. Tombstoned records are reported as missing.
func (m *Memory) GetByID(ctx context.Context, t ir.EntityType, id string) (entity.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := m.Get(t, id)
	if !ok || e.Tombstoned() {
		return nil, nil
	}
	return e, nil
}

// Save implements Sink.
func (m *Memory) Save(ctx context.Context, e entity.Entity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := entity.Clone(e)
	if c.LocalID() == "" {
		entity.Identify(c, m.newID())
	}
	entity.Touch(c, m.now(), false)
	m.put(c)
	return c.LocalID(), nil
}

// Delete implements Sink.
func (m *Memory) Delete(ctx context.Context, t ir.EntityType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.records[t][id]; ok && !e.Tombstoned() {
		entity.Touch(e, m.now(), true)
	}
	return nil
}

var _ Store = (*Memory)(nil)

// String renders a short description, used in CLI output.
func (m *Memory) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, recs := range m.records {
		total += len(recs)
	}
	return fmt.Sprintf("memory source (%d records)", total)
}
