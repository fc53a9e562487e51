package compiler

import (
	"encoding/json"
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/crmsync/internal/ir"
)

// DecodeConnection parses a CUE connection value into a ConnectionConfig.
// Uses the CUE SDK's Go API directly.
//
// The value should be the connection struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`connection: acme: { ... }`)
//	cfg, err := DecodeConnection(v.LookupPath(cue.ParsePath("connection.acme")))
func DecodeConnection(v cue.Value) (*ir.ConnectionConfig, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	cfg := &ir.ConnectionConfig{}
	conn := &cfg.Connection

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		conn.ID = unquote(labels[len(labels)-1].String())
	}

	var doc struct {
		Name        string         `json:"name"`
		Tenant      string         `json:"tenant"`
		Provider    string         `json:"provider"`
		Endpoint    string         `json:"endpoint"`
		Direction   string         `json:"direction"`
		Interval    string         `json:"interval"`
		Enabled     *bool          `json:"enabled"`
		Credentials ir.Credentials `json:"credentials"`
	}
	if err := v.Decode(&doc); err != nil {
		return nil, formatCUEError(err)
	}
	if doc.Provider == "" {
		return nil, &CompileError{Field: "provider", Message: "provider is required", Pos: v.Pos()}
	}

	conn.Name = doc.Name
	conn.TenantID = doc.Tenant
	conn.Provider = doc.Provider
	conn.Endpoint = doc.Endpoint
	conn.Direction = ir.Direction(doc.Direction)
	if conn.Direction == "" {
		conn.Direction = ir.DirectionBidirectional
	}
	conn.Enabled = doc.Enabled == nil || *doc.Enabled
	conn.Credentials = doc.Credentials
	if doc.Interval != "" {
		d, err := time.ParseDuration(doc.Interval)
		if err != nil {
			return nil, &CompileError{
				Field:   "interval",
				Message: fmt.Sprintf("invalid duration %q", doc.Interval),
				Pos:     v.LookupPath(cue.ParsePath("interval")).Pos(),
			}
		}
		conn.Interval = d
	}

	if md := v.LookupPath(cue.ParsePath("metadata")); md.Exists() {
		obj, err := decodeObject(md)
		if err != nil {
			return nil, err
		}
		conn.Metadata = obj
	}

	entities := v.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return nil, &CompileError{Field: "entity", Message: "at least one entity mapping is required", Pos: v.Pos()}
	}
	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for order := 0; iter.Next(); order++ {
		m, err := decodeEntityMapping(unquote(iter.Label()), iter.Value(), order)
		if err != nil {
			return nil, err
		}
		cfg.Mappings = append(cfg.Mappings, *m)
	}

	return cfg, nil
}

// decodeEntityMapping parses one `entity: <RemoteName>: {...}` block.
func decodeEntityMapping(remote string, v cue.Value, order int) (*ir.EntityMapping, error) {
	var doc struct {
		Local     string `json:"local"`
		Key       string `json:"key"`
		Modified  string `json:"modified"`
		Filter    string `json:"filter"`
		Direction string `json:"direction"`
		Enabled   *bool  `json:"enabled"`
		Order     *int   `json:"order"`
	}
	if err := v.Decode(&doc); err != nil {
		return nil, formatCUEError(err)
	}
	if doc.Local == "" {
		return nil, &CompileError{Field: "entity." + remote + ".local", Message: "local entity type is required", Pos: v.Pos()}
	}

	m := &ir.EntityMapping{
		LocalType:     ir.EntityType(doc.Local),
		RemoteEntity:  remote,
		KeyField:      doc.Key,
		ModifiedField: doc.Modified,
		Filter:        doc.Filter,
		Direction:     ir.Direction(doc.Direction),
		Enabled:       doc.Enabled == nil || *doc.Enabled,
		Order:         order,
	}
	if doc.Order != nil {
		m.Order = *doc.Order
	}
	if m.KeyField == "" {
		m.KeyField = "Id"
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if fieldsVal.Exists() {
		list, err := fieldsVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for i := 0; list.Next(); i++ {
			fm, err := decodeFieldMapping(list.Value(), i)
			if err != nil {
				return nil, err
			}
			m.Fields = append(m.Fields, *fm)
		}
	}

	relsVal := v.LookupPath(cue.ParsePath("relationships"))
	if relsVal.Exists() {
		list, err := relsVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for i := 0; list.Next(); i++ {
			var rd struct {
				Local          string `json:"local"`
				Related        string `json:"related"`
				Remote         string `json:"remote"`
				RemoteRelated  string `json:"remote_related"`
				Direction      string `json:"direction"`
				AutoCreate     bool   `json:"auto_create"`
				SyncNullValues bool   `json:"sync_null_values"`
				Order          *int   `json:"order"`
			}
			if err := list.Value().Decode(&rd); err != nil {
				return nil, formatCUEError(err)
			}
			rm := ir.RelationshipMapping{
				LocalField:          rd.Local,
				RelatedType:         ir.EntityType(rd.Related),
				RemoteField:         rd.Remote,
				RemoteRelatedEntity: rd.RemoteRelated,
				Direction:           ir.Direction(rd.Direction),
				AutoCreate:          rd.AutoCreate,
				SyncNullValues:      rd.SyncNullValues,
				Order:               i,
			}
			if rd.Order != nil {
				rm.Order = *rd.Order
			}
			m.Relationships = append(m.Relationships, rm)
		}
	}

	return m, nil
}

func decodeFieldMapping(v cue.Value, order int) (*ir.FieldMapping, error) {
	var doc struct {
		Local     string `json:"local"`
		Remote    string `json:"remote"`
		Direction string `json:"direction"`
		Required  bool   `json:"required"`
		Transform string `json:"transform"`
		Order     *int   `json:"order"`
	}
	if err := v.Decode(&doc); err != nil {
		return nil, formatCUEError(err)
	}

	fm := &ir.FieldMapping{
		LocalField:  doc.Local,
		RemoteField: doc.Remote,
		Direction:   ir.Direction(doc.Direction),
		Required:    doc.Required,
		Transform:   doc.Transform,
		Order:       order,
	}
	if doc.Order != nil {
		fm.Order = *doc.Order
	}

	// Transformation config stays opaque here; the compiler parses it.
	if cfgVal := v.LookupPath(cue.ParsePath("config")); cfgVal.Exists() {
		raw, err := cfgVal.MarshalJSON()
		if err != nil {
			return nil, formatCUEError(err)
		}
		fm.TransformConfig = json.RawMessage(raw)
	}
	return fm, nil
}

func decodeObject(v cue.Value) (ir.Object, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var obj ir.Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return obj, nil
}

// unquote strips the quotes CUE keeps on labels that are not identifiers,
// e.g. "acme-crm".
func unquote(label string) string {
	if len(label) >= 2 && label[0] == '"' && label[len(label)-1] == '"' {
		var s string
		if err := json.Unmarshal([]byte(label), &s); err == nil {
			return s
		}
	}
	return label
}

// CompileError is a configuration decoding error with its CUE position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
