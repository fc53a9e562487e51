package compiler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/transform"
)

// Plan is the compiled, dependency-ordered sync plan of one connection.
// Plans are immutable once built and may be shared between goroutines.
type Plan struct {
	Connection ir.Connection

	// Units are ordered so that every entity type referenced through a
	// non-deferred relationship comes before the type that references it.
	Units []*Unit

	// Deferred lists relationship edges excluded from the ordering to break
	// tolerated cycles. They resolve in the run's second pass.
	Deferred []Edge

	Fingerprint string
}

// Unit returns the unit syncing local type t, or nil.
func (p *Plan) Unit(t ir.EntityType) *Unit {
	for _, u := range p.Units {
		if u.LocalType == t {
			return u
		}
	}
	return nil
}

// Order lists the local types in sync order.
func (p *Plan) Order() []ir.EntityType {
	out := make([]ir.EntityType, len(p.Units))
	for i, u := range p.Units {
		out[i] = u.LocalType
	}
	return out
}

// Unit is the compiled form of one EntityMapping.
type Unit struct {
	LocalType     ir.EntityType
	RemoteEntity  string
	KeyField      string
	ModifiedField string

	// Direction is the effective policy after narrowing the connection policy
	// with the mapping override.
	Direction ir.Direction

	Fields        []FieldStep
	Relationships []RelationStep

	// Filter restricts which remote records are eligible. Nil accepts all.
	Filter     *vm.Program
	FilterText string

	// DependsOn lists the types that must be synced first.
	DependsOn []ir.EntityType

	// Fingerprint changes whenever anything affecting the remote payload
	// changes, including transformation configuration.
	Fingerprint string

	order int
}

// FieldStep is one compiled field mapping.
type FieldStep struct {
	LocalField  string
	RemoteField string
	Direction   ir.Direction
	Required    bool
	Accessor    entity.Field
	Transform   transform.Transformer
}

// RelationStep is one compiled relationship mapping.
type RelationStep struct {
	LocalField          string
	RelatedType         ir.EntityType
	RemoteField         string
	RemoteRelatedEntity string
	Direction           ir.Direction
	AutoCreate          bool
	SyncNullValues      bool

	// Deferred relationships break a tolerated cycle; the related unit may
	// run after this one.
	Deferred bool

	Accessor entity.Field
}

// Outbound reports whether local changes flow to the remote side.
func (u *Unit) Outbound() bool { return u.Direction.Allows(ir.DirectionLocalToRemote) }

// Inbound reports whether remote changes flow to the local side.
func (u *Unit) Inbound() bool { return u.Direction.Allows(ir.DirectionRemoteToLocal) }

// Eligible evaluates the filter expression against a remote record.
func (u *Unit) Eligible(remote ir.Object) (bool, error) {
	if u.Filter == nil {
		return true, nil
	}
	env, _ := ir.ToAny(remote).(map[string]any)
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(u.Filter, env)
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", u.FilterText, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// filterOptions are the expr options every mapping filter compiles with.
func filterOptions() []expr.Option {
	return []expr.Option{
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
		expr.Function("LOWER", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("LOWER requires 1 argument")
			}
			s, _ := params[0].(string)
			return strings.ToLower(s), nil
		}),
		expr.Function("UPPER", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("UPPER requires 1 argument")
			}
			s, _ := params[0].(string)
			return strings.ToUpper(s), nil
		}),
	}
}

// Compile turns a connection's mapping configuration into a Plan. All
// problems are collected and returned together as a *ConfigurationError.
// Disabled mappings are left out of the plan.
func Compile(cfg *ir.ConnectionConfig, transforms *transform.Registry) (*Plan, error) {
	if transforms == nil {
		transforms = transform.NewRegistry()
	}
	conn := cfg.Connection
	problems := Validate(cfg)

	var mappings []ir.EntityMapping
	byType := make(map[ir.EntityType]ir.EntityMapping)
	for _, m := range cfg.Mappings {
		if m.Enabled && m.LocalType.Valid() {
			mappings = append(mappings, m)
			if _, dup := byType[m.LocalType]; !dup {
				byType[m.LocalType] = m
			}
		}
	}

	var (
		units []*Unit
		edges []Edge
		steps []*RelationStep
	)
	for _, m := range mappings {
		u, unitErrs := compileUnit(conn, m, byType, transforms)
		problems = append(problems, unitErrs...)
		u.order = m.Order
		units = append(units, u)
		for j := range u.Relationships {
			r := &u.Relationships[j]
			edges = append(edges, Edge{From: u.LocalType, To: r.RelatedType, Field: r.LocalField, AutoCreate: r.AutoCreate})
			steps = append(steps, r)
		}
	}

	if len(problems) > 0 {
		return nil, &ConfigurationError{ConnectionID: conn.ID, Problems: problems}
	}

	nodes := make([]ir.EntityType, len(units))
	rank := make(map[ir.EntityType]int, len(units))
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.order != b.order {
			return a.order < b.order
		}
		return a.RemoteEntity < b.RemoteEntity
	})
	for i, u := range units {
		nodes[i] = u.LocalType
		rank[u.LocalType] = i
	}

	deferred, cycleErrs := breakCycles(nodes, edges)
	if len(cycleErrs) > 0 {
		return nil, &ConfigurationError{ConnectionID: conn.ID, Problems: cycleErrs}
	}

	plan := &Plan{Connection: conn}
	var required []Edge
	for i, e := range edges {
		steps[i].Deferred = deferred[i]
		if deferred[i] {
			plan.Deferred = append(plan.Deferred, e)
			continue
		}
		required = append(required, e)
	}

	byLocal := make(map[ir.EntityType]*Unit, len(units))
	for _, u := range units {
		byLocal[u.LocalType] = u
	}
	for _, t := range topoOrder(nodes, required, func(t ir.EntityType) int { return rank[t] }) {
		plan.Units = append(plan.Units, byLocal[t])
	}
	for _, e := range required {
		u := byLocal[e.From]
		if e.From != e.To && !containsType(u.DependsOn, e.To) {
			u.DependsOn = append(u.DependsOn, e.To)
		}
	}

	var prints ir.List
	for _, u := range plan.Units {
		fp, err := unitFingerprint(u)
		if err != nil {
			return nil, err
		}
		u.Fingerprint = fp
		prints = append(prints, ir.String(fp))
	}
	fp, err := ir.Fingerprint(ir.Object{
		"connection": ir.String(conn.ID),
		"direction":  ir.String(string(conn.Direction)),
		"units":      prints,
	})
	if err != nil {
		return nil, err
	}
	plan.Fingerprint = fp
	return plan, nil
}

func containsType(list []ir.EntityType, t ir.EntityType) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

// compileUnit resolves field paths, transformations, relationships and the
// filter of one mapping.
func compileUnit(conn ir.Connection, m ir.EntityMapping, byType map[ir.EntityType]ir.EntityMapping, transforms *transform.Registry) (*Unit, []ValidationError) {
	var errs []ValidationError
	prefix := "entity." + m.RemoteEntity

	u := &Unit{
		LocalType:     m.LocalType,
		RemoteEntity:  m.RemoteEntity,
		KeyField:      m.KeyField,
		ModifiedField: m.ModifiedField,
		Direction:     conn.Direction.Narrow(m.Direction),
		FilterText:    m.Filter,
	}
	if u.Direction == ir.DirectionNone && conn.Direction.Valid() && m.Direction.Valid() {
		errs = append(errs, directionConflict(prefix+".direction", conn.Direction, m.Direction))
	}

	if strings.TrimSpace(m.Filter) != "" {
		program, err := expr.Compile(m.Filter, filterOptions()...)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   prefix + ".filter",
				Message: fmt.Sprintf("invalid filter expression: %v", err),
				Code:    ErrInvalidFilter,
			})
		}
		u.Filter = program
	}

	fields := append([]ir.FieldMapping(nil), m.Fields...)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Order < fields[j].Order })
	for i, f := range fields {
		field := fmt.Sprintf("%s.fields[%d]", prefix, i)
		if f.LocalField == "" || f.RemoteField == "" {
			continue
		}
		acc, ok := entity.Lookup(m.LocalType, f.LocalField)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   field + ".local",
				Message: fmt.Sprintf("%s has no field %q", m.LocalType, f.LocalField),
				Code:    ErrUnknownField,
			})
			continue
		}
		tr, err := compileTransform(transforms, f)
		if err != nil {
			errs = append(errs, transformError(field+".transform", err))
			continue
		}
		dir := u.Direction.Narrow(f.Direction)
		if dir == ir.DirectionNone && u.Direction != ir.DirectionNone && f.Direction.Valid() {
			errs = append(errs, directionConflict(field+".direction", u.Direction, f.Direction))
		}
		u.Fields = append(u.Fields, FieldStep{
			LocalField:  f.LocalField,
			RemoteField: f.RemoteField,
			Direction:   dir,
			Required:    f.Required,
			Accessor:    acc,
			Transform:   tr,
		})
	}

	rels := append([]ir.RelationshipMapping(nil), m.Relationships...)
	sort.SliceStable(rels, func(i, j int) bool { return rels[i].Order < rels[j].Order })
	for i, r := range rels {
		field := fmt.Sprintf("%s.relationships[%d]", prefix, i)
		if r.LocalField == "" || r.RemoteField == "" || !r.RelatedType.Valid() {
			continue
		}
		acc, ok := entity.Lookup(m.LocalType, r.LocalField)
		switch {
		case !ok:
			errs = append(errs, ValidationError{
				Field:   field + ".local",
				Message: fmt.Sprintf("%s has no field %q", m.LocalType, r.LocalField),
				Code:    ErrUnknownField,
			})
			continue
		case !acc.IsReference():
			errs = append(errs, ValidationError{
				Field:   field + ".local",
				Message: fmt.Sprintf("%s.%s is not a reference field", m.LocalType, r.LocalField),
				Code:    ErrNotReference,
			})
			continue
		case acc.References != r.RelatedType:
			errs = append(errs, ValidationError{
				Field:   field + ".related",
				Message: fmt.Sprintf("%s.%s references %s, not %s", m.LocalType, r.LocalField, acc.References, r.RelatedType),
				Code:    ErrReferenceMismatch,
			})
			continue
		}

		related, mapped := byType[r.RelatedType]
		if !mapped {
			errs = append(errs, ValidationError{
				Field:   field + ".related",
				Message: fmt.Sprintf("related type %s has no enabled entity mapping on connection %s", r.RelatedType, conn.ID),
				Code:    ErrUnmappedRelated,
			})
			continue
		}
		remoteRelated := r.RemoteRelatedEntity
		if remoteRelated == "" {
			remoteRelated = related.RemoteEntity
		} else if remoteRelated != related.RemoteEntity {
			errs = append(errs, ValidationError{
				Field:   field + ".remote_related",
				Message: fmt.Sprintf("%s is mapped to %q, not %q", r.RelatedType, related.RemoteEntity, remoteRelated),
				Code:    ErrRemoteRelated,
			})
			continue
		}

		dir := u.Direction.Narrow(r.Direction)
		if dir == ir.DirectionNone && u.Direction != ir.DirectionNone && r.Direction.Valid() {
			errs = append(errs, directionConflict(field+".direction", u.Direction, r.Direction))
		}
		u.Relationships = append(u.Relationships, RelationStep{
			LocalField:          r.LocalField,
			RelatedType:         r.RelatedType,
			RemoteField:         r.RemoteField,
			RemoteRelatedEntity: remoteRelated,
			Direction:           dir,
			AutoCreate:          r.AutoCreate,
			SyncNullValues:      r.SyncNullValues,
			Accessor:            acc,
		})
	}

	return u, errs
}

func compileTransform(transforms *transform.Registry, f ir.FieldMapping) (transform.Transformer, error) {
	if !transforms.Has(f.Transform) {
		return nil, &transform.UnknownKindError{Kind: f.Transform}
	}
	return transforms.Compile(f.Transform, f.TransformConfig)
}

func transformError(field string, err error) ValidationError {
	var uk *transform.UnknownKindError
	if errors.As(err, &uk) {
		return ValidationError{Field: field, Message: uk.Error(), Code: ErrUnknownTransform}
	}
	return ValidationError{Field: field, Message: err.Error(), Code: ErrTransformConfig}
}

func directionConflict(field string, parent, override ir.Direction) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("override %s conflicts with %s", override, parent),
		Code:    ErrDirectionConflict,
	}
}

// unitFingerprint digests everything that shapes a unit's payloads.
func unitFingerprint(u *Unit) (string, error) {
	fields := make(ir.List, len(u.Fields))
	for i, f := range u.Fields {
		fields[i] = ir.Object{
			"local":     ir.String(f.LocalField),
			"remote":    ir.String(f.RemoteField),
			"direction": ir.String(string(f.Direction)),
			"required":  ir.Bool(f.Required),
			"transform": f.Transform.Spec(),
		}
	}
	rels := make(ir.List, len(u.Relationships))
	for i, r := range u.Relationships {
		rels[i] = ir.Object{
			"local":            ir.String(r.LocalField),
			"related":          ir.String(string(r.RelatedType)),
			"remote":           ir.String(r.RemoteField),
			"remote_related":   ir.String(r.RemoteRelatedEntity),
			"direction":        ir.String(string(r.Direction)),
			"auto_create":      ir.Bool(r.AutoCreate),
			"sync_null_values": ir.Bool(r.SyncNullValues),
		}
	}
	return ir.Fingerprint(ir.Object{
		"local":         ir.String(string(u.LocalType)),
		"remote":        ir.String(u.RemoteEntity),
		"key":           ir.String(u.KeyField),
		"modified":      ir.String(u.ModifiedField),
		"direction":     ir.String(string(u.Direction)),
		"filter":        ir.String(u.FilterText),
		"fields":        fields,
		"relationships": rels,
	})
}
