package domain

import (
	"errors"
	"fmt"
	"time"
)

// ConfigError reports a malformed server definition. It is returned at load
// or registration time and never produced at runtime.
type ConfigError struct {
	Server string
	Field  string
	Err    error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Server != "" && e.Field != "":
		return fmt.Sprintf("config: server %q: %s: %v", e.Server, e.Field, e.Err)
	case e.Server != "":
		return fmt.Sprintf("config: server %q: %v", e.Server, e.Err)
	case e.Field != "":
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("config: %v", e.Err)
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError is a shorthand for a ConfigError with a formatted cause.
func NewConfigError(server, field, format string, args ...any) *ConfigError {
	return &ConfigError{Server: server, Field: field, Err: fmt.Errorf(format, args...)}
}

// ErrorKind classifies control API failures.
type ErrorKind string

const (
	ErrUnreachable    ErrorKind = "unreachable"
	ErrUnauthorized   ErrorKind = "unauthorized"
	ErrRateLimited    ErrorKind = "rate_limited"
	ErrServerNotFound ErrorKind = "server_not_found"
	ErrTimeout        ErrorKind = "timeout"
	ErrUnknown        ErrorKind = "unknown"
)

// ControlError is the only error type adapters return.
type ControlError struct {
	Kind ErrorKind
	// RetryAfter is the server provided hint for RateLimited, zero if absent.
	RetryAfter time.Duration
	Err        error
}

func (e *ControlError) Error() string {
	if e.Err == nil {
		return "control: " + string(e.Kind)
	}
	return fmt.Sprintf("control: %s: %v", e.Kind, e.Err)
}

func (e *ControlError) Unwrap() error { return e.Err }

// NewControlError wraps err with a kind.
func NewControlError(kind ErrorKind, err error) *ControlError {
	return &ControlError{Kind: kind, Err: err}
}

// ControlErrorKind extracts the kind of a control error. Anything that is not
// a ControlError is Unknown.
func ControlErrorKind(err error) ErrorKind {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrUnknown
}

// InvariantViolation is a condition that should never happen. It is logged and
// corrected in place, never propagated.
type InvariantViolation struct {
	Server string
	What   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on %q: %s", e.Server, e.What)
}
