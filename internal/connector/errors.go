package connector

import (
	"errors"
	"fmt"
	"time"
)

// TransientRemoteError covers network timeouts, throttling and 5xx-class
// responses. The Guard retries it with backoff.
type TransientRemoteError struct {
	Op  string
	Err error

	// Unreachable is set when the endpoint could not be reached at all. Once
	// retries are exhausted it aborts the run instead of failing one record.
	Unreachable bool

	// RetryAfter is the provider's requested delay, if it sent one.
	RetryAfter time.Duration
}

func (e *TransientRemoteError) Error() string {
	if e.Unreachable {
		return fmt.Sprintf("%s: endpoint unreachable: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: transient remote failure: %v", e.Op, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// AuthExpiredError reports that the remote system rejected the credentials.
type AuthExpiredError struct {
	Op  string
	Err error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("%s: credentials rejected: %v", e.Op, e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// ValidationError reports that the remote system rejected a payload. It is
// never retried.
type ValidationError struct {
	Op      string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: rejected %s: %s", e.Op, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: rejected: %s", e.Op, e.Message)
}

// IsTransient returns true if err is a TransientRemoteError.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	var te *TransientRemoteError
	return errors.As(err, &te)
}

// IsUnreachable returns true if err is a TransientRemoteError for an
// endpoint that could not be reached.
func IsUnreachable(err error) bool {
	var te *TransientRemoteError
	return errors.As(err, &te) && te.Unreachable
}

// IsAuthExpired returns true if err is an AuthExpiredError.
func IsAuthExpired(err error) bool {
	var ae *AuthExpiredError
	return errors.As(err, &ae)
}

// IsValidation returns true if err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConnectionLevel reports whether err should abort the whole run rather
// than fail a single record: rejected credentials, or an endpoint that stayed
// unreachable through every retry.
func IsConnectionLevel(err error) bool {
	return IsAuthExpired(err) || IsUnreachable(err)
}

// Kind names the taxonomy class of err for log entries.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuthExpired(err):
		return "auth_expired"
	case IsTransient(err):
		return "transient"
	case IsValidation(err):
		return "validation"
	}
	return "internal"
}
