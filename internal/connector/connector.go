// Package connector defines the uniform contract every CRM provider adapter
// implements and the shared error taxonomy adapters translate provider
// failures into.
//
// The executor only ever sees an Adapter wrapped in a Guard, which owns the
// rate limit, per-call timeout, retry and credential refresh policy. Adapters
// therefore make exactly one attempt per call.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/crmsync/internal/ir"
)

// EntityRef names a remote entity together with the fields the adapter needs
// to address its records.
type EntityRef struct {
	Name string

	// KeyField holds the remote record id.
	KeyField string

	// ModifiedField holds the remote modification time and drives
	// incremental fetches. Empty means every fetch is a full scan.
	ModifiedField string
}

// RemoteRecord is one record read from the remote system.
type RemoteRecord struct {
	ID         string
	Fields     ir.Object
	ModifiedAt time.Time
	Deleted    bool
}

// Page is one batch of changed records.
type Page struct {
	Records []RemoteRecord

	// Cursor resumes the fetch after this page. Once More is false it is the
	// watermark to persist for the next run.
	Cursor string
	More   bool
}

// Adapter is the provider-specific implementation of fetch, upsert and
// delete against one external CRM.
type Adapter interface {
	// FetchChanged returns records changed after cursor. The empty cursor
	// fetches everything.
	FetchChanged(ctx context.Context, entity EntityRef, cursor string) (*Page, error)

	// Upsert creates a record when remoteID is empty and updates it
	// otherwise. It returns the remote id. Updating by id must be idempotent.
	Upsert(ctx context.Context, entity EntityRef, remoteID string, fields ir.Object) (string, error)

	// Delete removes a remote record. Deleting a missing record succeeds.
	Delete(ctx context.Context, entity EntityRef, remoteID string) error
}

// Authenticator is implemented by adapters that can swap credentials in
// place after a refresh.
type Authenticator interface {
	SetCredentials(c ir.Credentials)
}

// Closer is implemented by adapters that hold resources such as a database
// pool.
type Closer interface {
	Close() error
}

// Opener builds an adapter for a connection.
type Opener func(conn ir.Connection) (Adapter, error)

// Factory opens adapters by provider name.
//
// Thread-safety: Factory is safe for concurrent use.
type Factory struct {
	mu        sync.RWMutex
	providers map[string]Opener
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{providers: make(map[string]Opener)}
}

// Register binds a provider name to an opener, replacing any previous one.
func (f *Factory) Register(provider string, open Opener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[provider] = open
}

// Providers lists the registered provider names in sorted order.
func (f *Factory) Providers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.providers))
	for p := range f.providers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Open builds the adapter for conn's provider.
func (f *Factory) Open(conn ir.Connection) (Adapter, error) {
	f.mu.RLock()
	open, ok := f.providers[conn.Provider]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connection %s: unknown provider %q", conn.ID, conn.Provider)
	}
	a, err := open(conn)
	if err != nil {
		return nil, fmt.Errorf("connection %s: open %s adapter: %w", conn.ID, conn.Provider, err)
	}
	return a, nil
}
