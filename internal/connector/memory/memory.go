// Package memory provides an in-process connector used for dry runs and
// tests. It behaves like a small CRM: records get ids on create, every write
// bumps a change sequence, and deletes leave tombstones that incremental
// fetches report.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/ir"
)

// DefaultPageSize is the number of records FetchChanged returns per page.
const DefaultPageSize = 100

// Op identifies an adapter operation in the call log.
type Op string

const (
	OpFetch  Op = "fetch"
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Call records one adapter invocation.
type Call struct {
	Op       Op
	Entity   string
	RemoteID string
	Fields   ir.Object
	Err      error
}

// FailFunc decides whether a call fails. A nil return lets the call proceed.
type FailFunc func(c Call) error

type record struct {
	fields   ir.Object
	seq      int64
	modified time.Time
	deleted  bool
}

// Adapter is an in-memory remote system.
//
// Thread-safety: Adapter is safe for concurrent use.
type Adapter struct {
	mu       sync.Mutex
	entities map[string]map[string]*record
	counters map[string]int
	seq      int64
	calls    []Call
	fail     FailFunc
	creds    ir.Credentials
	token    string
	now      func() time.Time

	// PageSize bounds FetchChanged pages. Zero means DefaultPageSize.
	PageSize int
}

// New returns an empty remote system.
func New() *Adapter {
	return &Adapter{
		entities: make(map[string]map[string]*record),
		counters: make(map[string]int),
		now:      time.Now,
	}
}

// SetClock overrides the time stamped on written records.
func (a *Adapter) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// FailWith installs a failure injector. Pass nil to remove it.
func (a *Adapter) FailWith(f FailFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = f
}

// RequireToken makes every call fail with an AuthExpiredError unless the
// current credentials carry this access token.
func (a *Adapter) RequireToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

// SetCredentials implements connector.Authenticator.
func (a *Adapter) SetCredentials(c ir.Credentials) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = c
}

// Put writes a record directly, as a change made on the remote side would.
func (a *Adapter) Put(entity, id string, fields ir.Object) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.write(entity, id, fields.Clone())
}

// Remove tombstones a record directly, as a remote-side delete would.
func (a *Adapter) Remove(entity, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.entities[entity][id]; ok && !r.deleted {
		a.seq++
		r.deleted = true
		r.seq = a.seq
		r.modified = a.now()
	}
}

// Get returns a live record's fields.
func (a *Adapter) Get(entity, id string) (ir.Object, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.entities[entity][id]
	if !ok || r.deleted {
		return nil, false
	}
	return r.fields.Clone(), true
}

// Len counts the live records of an entity.
func (a *Adapter) Len(entity string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.entities[entity] {
		if !r.deleted {
			n++
		}
	}
	return n
}

// Calls returns every call made so far, in order.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// Writes returns the successful upsert and delete calls, in order.
func (a *Adapter) Writes() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Call
	for _, c := range a.calls {
		if c.Op != OpFetch && c.Err == nil {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (a *Adapter) ResetCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = nil
}

// check logs c and applies the auth and failure injectors. Callers hold mu.
func (a *Adapter) check(c Call) error {
	var err error
	if a.token != "" && a.creds.AccessToken != a.token {
		err = &connector.AuthExpiredError{Op: string(c.Op) + " " + c.Entity, Err: fmt.Errorf("invalid access token")}
	} else if a.fail != nil {
		err = a.fail(c)
	}
	c.Err = err
	a.calls = append(a.calls, c)
	return err
}

// FetchChanged implements connector.Adapter. The cursor is the change
// sequence of the last record seen.
func (a *Adapter) FetchChanged(ctx context.Context, entity connector.EntityRef, cursor string) (*connector.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var after int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, &connector.ValidationError{Op: "fetch " + entity.Name, Field: "cursor", Message: err.Error()}
		}
		after = n
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(Call{Op: OpFetch, Entity: entity.Name}); err != nil {
		return nil, err
	}

	var changed []view
	for id, r := range a.entities[entity.Name] {
		if r.seq > after {
			changed = append(changed, view{id: id, r: r})
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].r.seq < changed[j].r.seq })

	size := a.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	page := &connector.Page{Cursor: cursor}
	if len(changed) > size {
		changed = changed[:size]
		page.More = true
	}
	for _, v := range changed {
		fields := v.r.fields.Clone()
		if entity.KeyField != "" {
			fields[entity.KeyField] = ir.String(v.id)
		}
		if entity.ModifiedField != "" {
			fields[entity.ModifiedField] = ir.String(v.r.modified.UTC().Format(time.RFC3339Nano))
		}
		page.Records = append(page.Records, connector.RemoteRecord{
			ID:         v.id,
			Fields:     fields,
			ModifiedAt: v.r.modified,
			Deleted:    v.r.deleted,
		})
		page.Cursor = strconv.FormatInt(v.r.seq, 10)
	}
	return page, nil
}

type view struct {
	id string
	r  *record
}

// Upsert implements connector.Adapter. Fields are merged into an existing
// record.
func (a *Adapter) Upsert(ctx context.Context, entity connector.EntityRef, remoteID string, fields ir.Object) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(Call{Op: OpUpsert, Entity: entity.Name, RemoteID: remoteID, Fields: fields.Clone()}); err != nil {
		return "", err
	}

	if remoteID == "" {
		a.counters[entity.Name]++
		remoteID = fmt.Sprintf("%s-%d", prefix(entity.Name), a.counters[entity.Name])
		a.write(entity.Name, remoteID, fields.Clone())
		return remoteID, nil
	}
	r, ok := a.entities[entity.Name][remoteID]
	if !ok || r.deleted {
		return "", &connector.ValidationError{Op: "upsert " + entity.Name, Field: entity.KeyField, Message: fmt.Sprintf("record %s not found", remoteID)}
	}
	merged := r.fields.Clone()
	for k, v := range fields {
		merged[k] = v
	}
	a.write(entity.Name, remoteID, merged)
	return remoteID, nil
}

// Delete implements connector.Adapter.
func (a *Adapter) Delete(ctx context.Context, entity connector.EntityRef, remoteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(Call{Op: OpDelete, Entity: entity.Name, RemoteID: remoteID}); err != nil {
		return err
	}
	if r, ok := a.entities[entity.Name][remoteID]; ok && !r.deleted {
		a.seq++
		r.deleted = true
		r.seq = a.seq
		r.modified = a.now()
	}
	return nil
}

// write stores fields under id and bumps the change sequence. Callers hold mu.
func (a *Adapter) write(entity, id string, fields ir.Object) {
	recs, ok := a.entities[entity]
	if !ok {
		recs = make(map[string]*record)
		a.entities[entity] = recs
	}
	a.seq++
	recs[id] = &record{fields: fields, seq: a.seq, modified: a.now()}
}

func prefix(entity string) string {
	if entity == "" {
		return "R"
	}
	return strings.ToUpper(entity[:1])
}

// Hub hands out one Adapter per connection so that state survives across
// runs within a process.
//
// Thread-safety: Hub is safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	adapters map[string]*Adapter
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{adapters: make(map[string]*Adapter)}
}

// Adapter returns the adapter of a connection, creating it on first use.
func (h *Hub) Adapter(connectionID string) *Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.adapters[connectionID]
	if !ok {
		a = New()
		h.adapters[connectionID] = a
	}
	return a
}

// Open implements connector.Opener.
func (h *Hub) Open(conn ir.Connection) (connector.Adapter, error) {
	a := h.Adapter(conn.ID)
	a.SetCredentials(conn.Credentials)
	return a, nil
}

var (
	_ connector.Adapter       = (*Adapter)(nil)
	_ connector.Authenticator = (*Adapter)(nil)
)
