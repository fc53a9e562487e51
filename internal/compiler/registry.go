package compiler

import (
	"context"
	"fmt"

	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/transform"
)

// ConfigSource loads the persisted configuration of one connection.
type ConfigSource interface {
	LoadConnectionConfig(ctx context.Context, connectionID string) (*ir.ConnectionConfig, error)
}

// Registry compiles sync plans from persisted configuration.
//
// Thread-safety: Registry holds no mutable state beyond the transform
// registry, which is itself safe for concurrent use.
type Registry struct {
	source     ConfigSource
	transforms *transform.Registry
}

// NewRegistry creates a Registry. A nil transform registry means the
// built-in transformation kinds only.
func NewRegistry(source ConfigSource, transforms *transform.Registry) *Registry {
	if transforms == nil {
		transforms = transform.NewRegistry()
	}
	return &Registry{source: source, transforms: transforms}
}

// Transforms returns the transformation registry used for compilation.
func (r *Registry) Transforms() *transform.Registry { return r.transforms }

// Compile loads a connection's configuration and compiles it. Invalid or
// cyclic configuration fails with *ConfigurationError.
func (r *Registry) Compile(ctx context.Context, connectionID string) (*Plan, error) {
	cfg, err := r.source.LoadConnectionConfig(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load config for %s: %w", connectionID, err)
	}
	return Compile(cfg, r.transforms)
}
