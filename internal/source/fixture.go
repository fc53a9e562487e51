package source

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/ir"
)

// Fixture is the YAML document LoadYAML reads:
//
//	records:
//	  - type: Company
//	    id: "42"
//	    updated_at: 2026-01-02T15:04:05Z
//	    fields:
//	      name: Acme
type Fixture struct {
	Records []FixtureRecord `yaml:"records"`
}

// FixtureRecord is one local record in a fixture.
type FixtureRecord struct {
	Type      ir.EntityType  `yaml:"type"`
	ID        string         `yaml:"id"`
	UpdatedAt time.Time      `yaml:"updated_at"`
	Deleted   bool           `yaml:"deleted"`
	Fields    map[string]any `yaml:"fields"`
}

// LoadYAML reads a fixture file into a new Memory store.
func LoadYAML(path string, opts ...MemoryOption) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	m, err := ParseYAML(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseYAML decodes fixture data into a new Memory store.
func ParseYAML(data []byte, opts ...MemoryOption) (*Memory, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	m := NewMemory(opts...)
	for i, rec := range fx.Records {
		e, err := rec.Entity()
		if err != nil {
			return nil, fmt.Errorf("records[%d]: %w", i, err)
		}
		m.Put(e)
	}
	return m, nil
}

// Entity builds the local record described by r.
func (r FixtureRecord) Entity() (entity.Entity, error) {
	if !r.Type.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", r.Type)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	fields, err := FixtureFields(r.Fields)
	if err != nil {
		return nil, err
	}
	e, err := entity.Build(r.Type, r.ID, r.UpdatedAt, fields)
	if err != nil {
		return nil, err
	}
	entity.Touch(e, r.UpdatedAt, r.Deleted)
	return e, nil
}

// FixtureFields converts decoded YAML values. YAML timestamps become
// RFC 3339 strings, the form timestamp accessors accept.
func FixtureFields(raw map[string]any) (ir.Object, error) {
	out := make(ir.Object, len(raw))
	for k, v := range raw {
		if t, ok := v.(time.Time); ok {
			out[k] = ir.String(t.UTC().Format(time.RFC3339))
			continue
		}
		conv, err := ir.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = conv
	}
	return out, nil
}
