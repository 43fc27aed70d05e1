// Package taskerr defines the error taxonomy surfaced by step handlers and
// the core engine (§7). Handlers return RetryableError or PermanentError;
// anything else is treated as a RetryableError bearing the concrete type's
// name as its error class.
package taskerr

import (
	"errors"
	"fmt"
	"regexp"
)

// RetryableError means the step should be retried under the backoff rules
// of §4.1. RetryAfter, when non-nil, populates backoff_request_seconds and
// takes precedence over exponential backoff.
type RetryableError struct {
	Message    string
	ErrorClass string
	RetryAfter *int
	Context    map[string]interface{}
	Backtrace  string
}

func (e *RetryableError) Error() string {
	if e.ErrorClass != "" {
		return fmt.Sprintf("%s: %s", e.ErrorClass, e.Message)
	}
	return e.Message
}

// NewRetryable builds a RetryableError, defaulting ErrorClass to "RetryableError".
func NewRetryable(message string) *RetryableError {
	return &RetryableError{Message: message, ErrorClass: "RetryableError"}
}

// WithRetryAfter returns a copy requesting an explicit backoff window.
func (e *RetryableError) WithRetryAfter(seconds int) *RetryableError {
	c := *e
	c.RetryAfter = &seconds
	return &c
}

// PermanentError means the step is terminal-failed and must not be retried
// in this task.
type PermanentError struct {
	Message   string
	ErrorCode string
	Context   map[string]interface{}
}

func (e *PermanentError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("[%s] %s", e.ErrorCode, e.Message)
	}
	return e.Message
}

// NewPermanent builds a PermanentError.
func NewPermanent(message string) *PermanentError {
	return &PermanentError{Message: message}
}

// ValidationError is rejected at the boundary (HTTP or edge insert) and
// never reaches the durable store (§7).
type ValidationError struct {
	Message string
	Field   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ConfigurationError fails fast at startup: a missing event constant,
// missing handler class, or missing DB configuration.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Message }

// InfrastructureError wraps a durable-store or broker failure (§7): the
// engine neither retries nor classifies it — it bubbles to the worker
// boundary, where supervisory policy re-enqueues the task.
type InfrastructureError struct {
	Message string
	Err     error
}

func (e *InfrastructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

var timeoutClassPattern = regexp.MustCompile(`(?i)timeout`)

// Classify normalizes an arbitrary handler error into the taxonomy of §4.5:
// RetryableError and PermanentError pass through unchanged; anything else
// becomes a RetryableError carrying the original type's name as its error
// class, so "any other exception is treated as a RetryableError".
func Classify(err error) (*RetryableError, *PermanentError) {
	if err == nil {
		return nil, nil
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return re, nil
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return nil, pe
	}
	return &RetryableError{
		Message:    err.Error(),
		ErrorClass: fmt.Sprintf("%T", err),
	}, nil
}

// IsTimeoutClass matches the "/Timeout/i" convention handlers use to
// surface their own timeouts as a RetryableError (§4.5 cancellation notes).
func IsTimeoutClass(errorClass string) bool {
	return timeoutClassPattern.MatchString(errorClass)
}
