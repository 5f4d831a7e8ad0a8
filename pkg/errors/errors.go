// Package errors provides the structured error taxonomy surfaced by the
// MEF3 chunk cache and prefetch engine: not_found, corrupt, not_open,
// out_of_range, invalid_channel, invalid_argument, io, and invalidated.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Code identifies one of the eight error kinds this package renders.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeCorrupt         Code = "CORRUPT"
	CodeNotOpen         Code = "NOT_OPEN"
	CodeOutOfRange      Code = "OUT_OF_RANGE"
	CodeInvalidChannel  Code = "INVALID_CHANNEL"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeIO              Code = "IO"
	CodeInvalidated     Code = "INVALIDATED"
)

// Category groups related codes for coarse-grained handling (metrics
// labels, logging) without callers needing to enumerate all eight codes.
type Category string

const (
	CategoryFile       Category = "file"
	CategoryView       Category = "view"
	CategoryIO         Category = "io"
	CategoryCache      Category = "cache"
	CategoryValidation Category = "validation"
)

// Error is the structured error type returned by every core package. It
// carries enough context for the RPC layer to map a failure onto a
// protocol-level status without re-deriving the reason from a string.
type Error struct {
	Code      Code                   `json:"code"`
	Category  Category               `json:"category"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Retryable bool                   `json:"retryable"`
}

// New creates an Error with the default category and retryability for code.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByDefault(code),
	}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e.Component != "" && e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
	}
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// String is a verbose, log-friendly rendering.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("code=%s", e.Code),
		fmt.Sprintf("category=%s", e.Category),
		fmt.Sprintf("message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("operation=%s", e.Operation))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%q", e.Cause.Error()))
	}
	return "Error{" + strings.Join(parts, ", ") + "}"
}

// JSON renders the error for structured log sinks.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err)
	}
	return string(data)
}

// WithComponent annotates which component raised the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation annotates which operation raised the error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause attaches an underlying cause (e.g. the decoder's raw error).
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail attaches a single key/value of diagnostic context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func categoryOf(code Code) Category {
	switch code {
	case CodeNotFound, CodeCorrupt, CodeNotOpen:
		return CategoryFile
	case CodeOutOfRange:
		return CategoryView
	case CodeIO:
		return CategoryIO
	case CodeInvalidated:
		return CategoryCache
	case CodeInvalidChannel, CodeInvalidArgument:
		return CategoryValidation
	default:
		return CategoryValidation
	}
}

// isRetryableByDefault reflects this package's propagation rules: io is
// transient and retryable, invalidated is retryable for a foreground waiter
// (it should simply retry the read under the new version); everything else
// reflects a fact that won't change on retry.
func isRetryableByDefault(code Code) bool {
	switch code {
	case CodeIO, CodeInvalidated:
		return true
	default:
		return false
	}
}

// Is reports whether err is, or wraps, a *Error carrying the given code. It
// unwraps through fmt.Errorf("...: %w", ...) chains (e.g. pkg/retry's
// exhausted-attempts wrapper) so callers don't need to import the standard
// errors package just to check a code.
func Is(err error, code Code) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Code == code
}
