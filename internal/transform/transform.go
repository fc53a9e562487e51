// Package transform implements the field transformations applied when a
// value moves between its local and remote representation.
//
// Transformation configuration is parsed once, when a Registry compiles it,
// and the resulting Transformer is pure: the same input always produces the
// same output.
package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/crmsync/internal/ir"
)

// Built-in transformation kinds.
const (
	KindIdentity       = "identity"
	KindEnumMap        = "enum_map"
	KindDateFormat     = "date_format"
	KindStringTemplate = "string_template"
)

// Transformer converts a single field value. Apply with
// ir.DirectionLocalToRemote converts local to remote; with
// ir.DirectionRemoteToLocal it converts back.
type Transformer interface {
	Apply(dir ir.Direction, v ir.Value) (ir.Value, error)

	// Spec returns the parsed configuration in canonical form. It feeds the
	// mapping fingerprint, so two transformers with equal specs behave alike.
	Spec() ir.Object
}

// Factory parses raw configuration into a Transformer.
type Factory func(config json.RawMessage) (Transformer, error)

// Registry maps transformation kind names to factories.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Factory
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]Factory)}
	r.kinds[KindIdentity] = newIdentity
	r.kinds[KindEnumMap] = newEnumMap
	r.kinds[KindDateFormat] = newDateFormat
	r.kinds[KindStringTemplate] = newStringTemplate
	return r
}

// Register adds a custom kind. Registering an existing name fails.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind]; exists {
		return fmt.Errorf("transform kind %q already registered", kind)
	}
	r.kinds[kind] = f
	return nil
}

// Has reports whether kind is registered. The empty kind means identity.
func (r *Registry) Has(kind string) bool {
	if kind == "" {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Compile parses config for kind.
func (r *Registry) Compile(kind string, config json.RawMessage) (Transformer, error) {
	if kind == "" {
		kind = KindIdentity
	}
	r.mu.RLock()
	f, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	t, err := f(config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return t, nil
}

// UnknownKindError reports a transformation name with no registered factory.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown transform kind %q", e.Kind)
}

// UnmappedValueError reports an enum lookup miss under the "error" policy.
type UnmappedValueError struct {
	Value     string
	Direction ir.Direction
}

func (e *UnmappedValueError) Error() string {
	return fmt.Sprintf("value %q has no %s mapping", e.Value, e.Direction)
}

// IsUnmapped returns true if err is an UnmappedValueError.
// Uses errors.As to handle wrapped errors.
func IsUnmapped(err error) bool {
	var ue *UnmappedValueError
	return errors.As(err, &ue)
}

// ValueError reports an input a transformer cannot convert, for example a
// date in the wrong layout.
type ValueError struct {
	Kind   string
	Value  string
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("%s: cannot convert %q: %s", e.Kind, e.Value, e.Reason)
}

// decodeConfig strictly decodes config into dst. Empty config leaves dst untouched.
func decodeConfig(config json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(config)) == 0 || bytes.Equal(bytes.TrimSpace(config), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(config))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type identity struct{}

func newIdentity(config json.RawMessage) (Transformer, error) {
	var empty struct{}
	if err := decodeConfig(config, &empty); err != nil {
		return nil, err
	}
	return identity{}, nil
}

func (identity) Apply(_ ir.Direction, v ir.Value) (ir.Value, error) {
	if v == nil {
		return ir.Null{}, nil
	}
	return v, nil
}

func (identity) Spec() ir.Object {
	return ir.Object{"kind": ir.String(KindIdentity)}
}
