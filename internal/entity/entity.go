// Package entity defines the local entity kinds crmsync replicates and the
// statically registered field accessor table for each kind.
//
// The mapping compiler resolves every configured field path against these
// tables once, so the executor never looks fields up by name per record.
package entity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/crmsync/internal/ir"
)

// Entity is one local record. The set of implementations is closed: User,
// Company, Location, Ticket and CustomRecord.
type Entity interface {
	Type() ir.EntityType
	LocalID() string
	ModifiedAt() time.Time
	Tombstoned() bool
}

// Meta holds the identity and change tracking common to every entity.
type Meta struct {
	ID        string
	UpdatedAt time.Time
	Deleted   bool
}

// LocalID returns the local identifier.
func (m *Meta) LocalID() string { return m.ID }

// ModifiedAt returns the last local modification time.
func (m *Meta) ModifiedAt() time.Time { return m.UpdatedAt }

// Tombstoned reports whether the record was deleted locally.
func (m *Meta) Tombstoned() bool { return m.Deleted }

func (m *Meta) meta() *Meta { return m }

// Field is one entry of an accessor table.
type Field struct {
	Path string
	Get  func(Entity) ir.Value
	Set  func(Entity, ir.Value) error

	// References is the entity type a reference field points at. Empty for
	// plain value fields.
	References ir.EntityType
}

// IsReference reports whether the field holds the local id of another entity.
func (f Field) IsReference() bool { return f.References != "" }

type table map[string]Field

// Lookup resolves a field path for an entity type.
func Lookup(t ir.EntityType, path string) (Field, bool) {
	if t == ir.EntityCustomRecord {
		if name, ok := strings.CutPrefix(path, customFieldPrefix); ok && name != "" {
			return customField(path, name), true
		}
	}
	tbl, ok := tables[t]
	if !ok {
		return Field{}, false
	}
	f, ok := tbl[path]
	return f, ok
}

// Paths lists the statically known field paths of an entity type in sorted order.
func Paths(t ir.EntityType) []string {
	tbl := tables[t]
	out := make([]string, 0, len(tbl))
	for p := range tbl {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// New constructs an empty entity of type t.
func New(t ir.EntityType, id string) (Entity, error) {
	var e Entity
	switch t {
	case ir.EntityUser:
		e = &User{}
	case ir.EntityCompany:
		e = &Company{}
	case ir.EntityLocation:
		e = &Location{}
	case ir.EntityTicket:
		e = &Ticket{}
	case ir.EntityCustomRecord:
		e = &CustomRecord{Fields: ir.Object{}}
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	e.(interface{ meta() *Meta }).meta().ID = id
	return e, nil
}

// Build constructs an entity of type t and assigns fields through the
// accessor table.
func Build(t ir.EntityType, id string, updatedAt time.Time, fields ir.Object) (Entity, error) {
	e, err := New(t, id)
	if err != nil {
		return nil, err
	}
	e.(interface{ meta() *Meta }).meta().UpdatedAt = updatedAt
	for _, path := range fields.SortedKeys() {
		f, ok := Lookup(t, path)
		if !ok {
			return nil, fmt.Errorf("%s has no field %q", t, path)
		}
		if err := f.Set(e, fields[path]); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t, path, err)
		}
	}
	return e, nil
}

// Touch stamps an entity's modification time and tombstone flag.
func Touch(e Entity, at time.Time, deleted bool) {
	m := e.(interface{ meta() *Meta }).meta()
	m.UpdatedAt = at
	m.Deleted = deleted
}

// Identify sets the local id of e. Sinks use it when assigning ids to
// records created from remote data.
func Identify(e Entity, id string) {
	e.(interface{ meta() *Meta }).meta().ID = id
}

// Clone returns a deep copy of e.
func Clone(e Entity) Entity {
	switch v := e.(type) {
	case *User:
		c := *v
		return &c
	case *Company:
		c := *v
		return &c
	case *Location:
		c := *v
		return &c
	case *Ticket:
		c := *v
		return &c
	case *CustomRecord:
		c := *v
		c.Fields = v.Fields.Clone()
		return &c
	}
	return e
}

func stringValue(v ir.Value) (string, error) {
	switch val := v.(type) {
	case nil, ir.Null:
		return "", nil
	case ir.String:
		return string(val), nil
	case ir.Int, ir.Bool:
		return ir.Text(val), nil
	}
	return "", fmt.Errorf("cannot assign %T to a text field", v)
}

func intValue(v ir.Value) (int64, error) {
	switch val := v.(type) {
	case nil, ir.Null:
		return 0, nil
	case ir.Int:
		return int64(val), nil
	case ir.String:
		if val == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(string(val)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", val)
		}
		return n, nil
	}
	return 0, fmt.Errorf("cannot assign %T to an integer field", v)
}

func boolValue(v ir.Value) (bool, error) {
	switch val := v.(type) {
	case nil, ir.Null:
		return false, nil
	case ir.Bool:
		return bool(val), nil
	case ir.String:
		b, err := strconv.ParseBool(strings.TrimSpace(string(val)))
		if err != nil {
			return false, fmt.Errorf("not a boolean: %q", val)
		}
		return b, nil
	}
	return false, fmt.Errorf("cannot assign %T to a boolean field", v)
}

func timeValue(v ir.Value) (time.Time, error) {
	s, err := stringValue(v)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("not an RFC 3339 timestamp: %q", s)
	}
	return t, nil
}

func textOf(s string) ir.Value {
	if s == "" {
		return ir.Null{}
	}
	return ir.String(s)
}

func timeOf(t time.Time) ir.Value {
	if t.IsZero() {
		return ir.Null{}
	}
	return ir.String(t.UTC().Format(time.RFC3339))
}

// text builds an accessor pair for a string field.
func text[T Entity](path string, ptr func(T) *string) Field {
	return Field{
		Path: path,
		Get:  func(e Entity) ir.Value { return textOf(*ptr(e.(T))) },
		Set: func(e Entity, v ir.Value) error {
			s, err := stringValue(v)
			if err != nil {
				return err
			}
			*ptr(e.(T)) = s
			return nil
		},
	}
}

func ref[T Entity](path string, target ir.EntityType, ptr func(T) *string) Field {
	f := text(path, ptr)
	f.References = target
	return f
}

func integer[T Entity](path string, ptr func(T) *int64) Field {
	return Field{
		Path: path,
		Get:  func(e Entity) ir.Value { return ir.Int(*ptr(e.(T))) },
		Set: func(e Entity, v ir.Value) error {
			n, err := intValue(v)
			if err != nil {
				return err
			}
			*ptr(e.(T)) = n
			return nil
		},
	}
}

func boolean[T Entity](path string, ptr func(T) *bool) Field {
	return Field{
		Path: path,
		Get:  func(e Entity) ir.Value { return ir.Bool(*ptr(e.(T))) },
		Set: func(e Entity, v ir.Value) error {
			b, err := boolValue(v)
			if err != nil {
				return err
			}
			*ptr(e.(T)) = b
			return nil
		},
	}
}

func timestamp[T Entity](path string, ptr func(T) *time.Time) Field {
	return Field{
		Path: path,
		Get:  func(e Entity) ir.Value { return timeOf(*ptr(e.(T))) },
		Set: func(e Entity, v ir.Value) error {
			t, err := timeValue(v)
			if err != nil {
				return err
			}
			*ptr(e.(T)) = t
			return nil
		},
	}
}

func index(fields ...Field) table {
	t := make(table, len(fields))
	for _, f := range fields {
		t[f.Path] = f
	}
	return t
}
