package errors

import (
	"fmt"
)

// KestrelError is the structured error type for Kestrel.
// It provides rich context for error handling, logging, and user presentation.
type KestrelError struct {
	// Code is the unique error code (e.g., "ERR_205_CORRUPT_INDEX").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *KestrelError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *KestrelError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with KestrelError.
func (e *KestrelError) Is(target error) bool {
	if t, ok := target.(*KestrelError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *KestrelError) WithDetail(key, value string) *KestrelError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *KestrelError) WithSuggestion(suggestion string) *KestrelError {
	e.Suggestion = suggestion
	return e
}

// New creates a new KestrelError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *KestrelError {
	return &KestrelError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a KestrelError from an existing error.
// The error's message becomes the KestrelError message.
func Wrap(code string, err error) *KestrelError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// CorruptIndex creates the "index unavailable, rebuild required" error.
// Retrieval-facing callers must handle it by triggering a rebuild.
func CorruptIndex(message string, cause error) *KestrelError {
	return New(ErrCodeCorruptIndex, message, cause).
		WithSuggestion("run 'kestrel build' to rebuild the index")
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *KestrelError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IsCode reports whether err (or any error in its chain) carries the
// given Kestrel error code.
func IsCode(err error, code string) bool {
	for err != nil {
		if ke, ok := err.(*KestrelError); ok && ke.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
