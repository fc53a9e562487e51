package engine

import (
	"context"
	"fmt"

	"github.com/roach88/crmsync/internal/compiler"
	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/ir"
)

// Resolution is the outcome of resolving one relationship of a record.
type Resolution int

const (
	// RemoteReference means the related record is correlated; RemoteID
	// holds its remote id.
	RemoteReference Resolution = iota

	// Pending means the related record has no remote counterpart yet and
	// the relationship asks for it to be created first.
	Pending

	// Skipped means the relationship is left out of this write.
	Skipped
)

func (r Resolution) String() string {
	switch r {
	case RemoteReference:
		return "remote_reference"
	case Pending:
		return "pending"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("resolution(%d)", int(r))
}

// Resolved is the result of Resolve.
type Resolved struct {
	Kind     Resolution
	RemoteID string

	// Related is the local record the relationship points at. Empty when
	// the reference field holds no id.
	Related recordKey
}

// Value is the remote payload value of the resolved relationship. ok is
// false when the relationship must be left out of the payload.
func (r Resolved) Value(step compiler.RelationStep) (v ir.Value, ok bool) {
	switch r.Kind {
	case RemoteReference:
		return ir.String(r.RemoteID), true
	case Skipped:
		if step.SyncNullValues {
			return ir.Null{}, true
		}
	}
	return nil, false
}

// hashValue is the value the relationship contributes to the content hash.
func (r Resolved) hashValue() ir.Value {
	if r.Kind == RemoteReference {
		return ir.String(r.RemoteID)
	}
	return ir.Null{}
}

// correlations is the part of the store the resolver reads.
type correlations interface {
	LookupByLocal(ctx context.Context, connectionID string, localType ir.EntityType, localID string) (*ir.ExternalID, error)
}

// Resolver maps local references to remote ids through the correlation
// table of one connection.
type Resolver struct {
	store        correlations
	connectionID string
}

// NewResolver returns a resolver for one connection.
func NewResolver(store correlations, connectionID string) *Resolver {
	return &Resolver{store: store, connectionID: connectionID}
}

// Resolve looks up the remote id of the record rec references through step.
//
// An empty reference resolves to Skipped. A reference to an uncorrelated
// record resolves to Pending when the relationship auto-creates and the
// edge is not deferred, and to Skipped otherwise. Callers decide what a
// Pending or a deferred Skipped means for the current pass.
func (r *Resolver) Resolve(ctx context.Context, step compiler.RelationStep, rec entity.Entity) (Resolved, error) {
	id := ir.Text(step.Accessor.Get(rec))
	if id == "" {
		return Resolved{Kind: Skipped}, nil
	}
	related := recordKey{Type: step.RelatedType, ID: id}
	x, err := r.store.LookupByLocal(ctx, r.connectionID, step.RelatedType, id)
	if err != nil {
		return Resolved{}, fmt.Errorf("resolve %s -> %s %s: %w", step.LocalField, step.RelatedType, id, err)
	}
	switch {
	case x != nil:
		return Resolved{Kind: RemoteReference, RemoteID: x.RemoteID, Related: related}, nil
	case step.AutoCreate && !step.Deferred:
		return Resolved{Kind: Pending, Related: related}, nil
	default:
		return Resolved{Kind: Skipped, Related: related}, nil
	}
}
