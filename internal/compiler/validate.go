package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/crmsync/internal/ir"
)

// Validation error codes (E200-E299)
const (
	// Connection errors (E200-E202)
	ErrConnectionID     = "E200" // connection id is required
	ErrProviderMissing  = "E201" // provider is required
	ErrInvalidDirection = "E202" // direction is not a known policy

	// EntityMapping errors (E203-E209)
	ErrUnknownEntityType  = "E203" // local entity type is not in the catalogue
	ErrDuplicateRemote    = "E204" // remote entity mapped twice on a connection
	ErrDuplicateLocalType = "E205" // local entity type mapped twice on a connection
	ErrMissingKeyField    = "E206" // remote key field is required
	ErrInvalidFilter      = "E207" // filter expression does not compile
	ErrNoFields           = "E208" // mapping has neither fields nor relationships
	ErrDirectionConflict  = "E209" // one-way override contradicts the parent policy

	// FieldMapping errors (E210-E219)
	ErrEmptyField           = "E210" // local or remote field name empty
	ErrDuplicateField       = "E211" // (local, remote) pair mapped twice
	ErrUnknownField         = "E212" // local field path not in the accessor table
	ErrUnknownTransform     = "E213" // transformation kind not registered
	ErrTransformConfig      = "E214" // transformation config malformed
	ErrDuplicateRemoteField = "E215" // two fields write the same remote field

	// RelationshipMapping errors (E220-E229)
	ErrNotReference      = "E220" // local field is not a reference field
	ErrReferenceMismatch = "E221" // reference field points at another type
	ErrUnmappedRelated   = "E222" // related entity type has no mapping
	ErrRemoteRelated     = "E223" // remote related entity disagrees with its mapping

	// Plan errors (E230-E239)
	ErrRequiredCycle = "E230" // cycle made only of auto-creating relationships
)

// ValidationError is one problem found in a connection's mapping configuration.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ConfigurationError reports invalid or cyclic mapping configuration. No
// plan is produced and no run starts for the connection.
type ConfigurationError struct {
	ConnectionID string
	Problems     []ValidationError
}

func (e *ConfigurationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("connection %s: invalid configuration: %s", e.ConnectionID, strings.Join(msgs, "; "))
}

// HasCode reports whether any problem carries the given code.
func (e *ConfigurationError) HasCode(code string) bool {
	for _, p := range e.Problems {
		if p.Code == code {
			return true
		}
	}
	return false
}

// IsConfigurationError returns true if err is a ConfigurationError.
// Uses errors.As to handle wrapped errors.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Validate checks structural rules that need no registry: required values,
// known directions and entity types, and uniqueness. Returns all errors found.
func Validate(cfg *ir.ConnectionConfig) []ValidationError {
	var errs []ValidationError
	conn := cfg.Connection

	if strings.TrimSpace(conn.ID) == "" {
		errs = append(errs, ValidationError{Field: "connection.id", Message: "connection id is required", Code: ErrConnectionID})
	}
	if strings.TrimSpace(conn.Provider) == "" {
		errs = append(errs, ValidationError{Field: "connection.provider", Message: "provider is required", Code: ErrProviderMissing})
	}
	if !conn.Direction.Valid() {
		errs = append(errs, invalidDirection("connection.direction", conn.Direction))
	}

	remotes := make(map[string]bool)
	locals := make(map[ir.EntityType]string)
	for _, m := range cfg.Mappings {
		prefix := "entity." + m.RemoteEntity

		if m.RemoteEntity == "" {
			errs = append(errs, ValidationError{Field: "entity", Message: "remote entity name is required", Code: ErrEmptyField})
		} else if remotes[m.RemoteEntity] {
			errs = append(errs, ValidationError{
				Field:   prefix,
				Message: fmt.Sprintf("remote entity %q is mapped more than once", m.RemoteEntity),
				Code:    ErrDuplicateRemote,
			})
		}
		remotes[m.RemoteEntity] = true

		if !m.LocalType.Valid() {
			errs = append(errs, ValidationError{
				Field:   prefix + ".local",
				Message: fmt.Sprintf("unknown local entity type %q", m.LocalType),
				Code:    ErrUnknownEntityType,
			})
		} else if other, dup := locals[m.LocalType]; dup && m.Enabled {
			errs = append(errs, ValidationError{
				Field:   prefix + ".local",
				Message: fmt.Sprintf("%s is already mapped to %q", m.LocalType, other),
				Code:    ErrDuplicateLocalType,
			})
		}
		if m.Enabled {
			locals[m.LocalType] = m.RemoteEntity
		}

		if strings.TrimSpace(m.KeyField) == "" {
			errs = append(errs, ValidationError{Field: prefix + ".key", Message: "remote key field is required", Code: ErrMissingKeyField})
		}
		if m.Direction != "" && !m.Direction.Valid() {
			errs = append(errs, invalidDirection(prefix+".direction", m.Direction))
		}
		if len(m.Fields) == 0 && len(m.Relationships) == 0 {
			errs = append(errs, ValidationError{Field: prefix, Message: "mapping has no fields", Code: ErrNoFields})
		}

		errs = append(errs, validateFields(prefix, m.Fields)...)

		for i, r := range m.Relationships {
			field := fmt.Sprintf("%s.relationships[%d]", prefix, i)
			if r.LocalField == "" || r.RemoteField == "" {
				errs = append(errs, ValidationError{Field: field, Message: "local and remote field are required", Code: ErrEmptyField})
			}
			if !r.RelatedType.Valid() {
				errs = append(errs, ValidationError{
					Field:   field + ".related",
					Message: fmt.Sprintf("unknown related entity type %q", r.RelatedType),
					Code:    ErrUnknownEntityType,
				})
			}
			if r.Direction != "" && !r.Direction.Valid() {
				errs = append(errs, invalidDirection(field+".direction", r.Direction))
			}
		}
	}

	return errs
}

func validateFields(prefix string, fields []ir.FieldMapping) []ValidationError {
	var errs []ValidationError
	pairs := make(map[[2]string]bool)
	writers := make(map[string]string)
	for i, f := range fields {
		field := fmt.Sprintf("%s.fields[%d]", prefix, i)
		if f.LocalField == "" || f.RemoteField == "" {
			errs = append(errs, ValidationError{Field: field, Message: "local and remote field are required", Code: ErrEmptyField})
			continue
		}
		key := [2]string{f.LocalField, f.RemoteField}
		if pairs[key] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("%s -> %s is mapped more than once", f.LocalField, f.RemoteField),
				Code:    ErrDuplicateField,
			})
		}
		pairs[key] = true

		if f.Direction != "" && !f.Direction.Valid() {
			errs = append(errs, invalidDirection(field+".direction", f.Direction))
		}
		if f.Direction == ir.DirectionRemoteToLocal {
			continue
		}
		if prev, dup := writers[f.RemoteField]; dup {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("remote field %q is written by both %s and %s", f.RemoteField, prev, f.LocalField),
				Code:    ErrDuplicateRemoteField,
			})
		}
		writers[f.RemoteField] = f.LocalField
	}
	return errs
}

func invalidDirection(field string, d ir.Direction) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("invalid direction %q: must be local_to_remote, remote_to_local or bidirectional", d),
		Code:    ErrInvalidDirection,
	}
}
