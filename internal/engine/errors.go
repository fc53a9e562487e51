package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/crmsync/internal/compiler"
	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/transform"
)

// RuntimeError represents an error detected by the engine itself, as opposed
// to one reported by a remote system or the local store.
//
// RuntimeError includes structured fields for diagnostics and for the
// administrative surface.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// ConnectionID identifies the affected connection.
	ConnectionID string

	// RunID identifies the affected run, when one was started.
	RunID string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeRunInProgress indicates a trigger was dropped because the
	// connection already has an active run.
	ErrCodeRunInProgress RuntimeErrorCode = "RUN_IN_PROGRESS"

	// ErrCodeConnectionDisabled indicates a run was requested for a disabled
	// connection.
	ErrCodeConnectionDisabled RuntimeErrorCode = "CONNECTION_DISABLED"

	// ErrCodeDeferralExceeded indicates a record would be deferred past the
	// single second pass a run allows. It points at a relationship cycle
	// that is not declared as tolerated.
	ErrCodeDeferralExceeded RuntimeErrorCode = "DEFERRAL_EXCEEDED"

	// ErrCodeNoActiveRun indicates Cancel found nothing to cancel.
	ErrCodeNoActiveRun RuntimeErrorCode = "NO_ACTIVE_RUN"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s: %s (connection=%s, run=%s)", e.Code, e.Message, e.ConnectionID, e.RunID)
	}
	if e.ConnectionID != "" {
		return fmt.Sprintf("%s: %s (connection=%s)", e.Code, e.Message, e.ConnectionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsRunInProgress returns true if a trigger was dropped because a run was active.
// Uses errors.As to handle wrapped errors.
func IsRunInProgress(err error) bool { return hasCode(err, ErrCodeRunInProgress) }

// IsConnectionDisabled returns true if the connection was disabled.
func IsConnectionDisabled(err error) bool { return hasCode(err, ErrCodeConnectionDisabled) }

// IsDeferralExceeded returns true if a record exceeded its deferral budget.
func IsDeferralExceeded(err error) bool { return hasCode(err, ErrCodeDeferralExceeded) }

// IsNoActiveRun returns true if Cancel found no run to stop.
func IsNoActiveRun(err error) bool { return hasCode(err, ErrCodeNoActiveRun) }

// ErrorKind classifies an error for the error_kind column of the sync log.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsDeferralExceeded(err), compiler.IsConfigurationError(err):
		return "configuration"
	case transform.IsUnmapped(err):
		return "unmapped_value"
	}
	var re *recordError
	if errors.As(err, &re) {
		return "validation"
	}
	return connector.Kind(err)
}

// recordError is a record-level problem found locally, before any remote
// call: a required field without a value, or a value a transformer or
// accessor cannot convert.
type recordError struct {
	Field   string
	Message string
	Err     error
}

func (e *recordError) Error() string {
	msg := e.Message
	switch {
	case e.Err != nil && msg != "":
		msg += ": " + e.Err.Error()
	case e.Err != nil:
		msg = e.Err.Error()
	}
	if e.Field == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Field, msg)
}

func (e *recordError) Unwrap() error { return e.Err }
