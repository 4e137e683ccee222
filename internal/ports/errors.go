package ports

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common infrastructure errors that can occur during external service
// interactions.
var (
	// ErrRateLimited indicates that the service has rate limited the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable indicates that the external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidResponse indicates that the service returned an invalid
	// response.
	ErrInvalidResponse = errors.New("invalid response")
)

// LLMError represents an error from an LLM provider.
// It includes details about the model, operation, and any rate limit
// information.
type LLMError struct {
	// Model is the identifier of the LLM model that generated the error.
	Model string

	// Operation is the name of the operation that failed.
	Operation string

	// Err is the underlying error that occurred.
	Err error

	// Elapsed is how long the call ran before failing.
	Elapsed time.Duration

	// RetryAfter indicates how long to wait before retrying, if applicable.
	RetryAfter *time.Duration
}

// Error implements the error interface for LLMError.
func (e *LLMError) Error() string {
	msg := fmt.Sprintf("LLM error: model=%s, operation=%s, err=%v", e.Model, e.Operation, e.Err)
	if e.Elapsed > 0 {
		msg += fmt.Sprintf(", elapsed=%v", e.Elapsed.Round(time.Millisecond))
	}
	if e.RetryAfter != nil {
		msg += fmt.Sprintf(", retry_after=%v", *e.RetryAfter)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *LLMError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is temporary and the operation
// can be retried.
func (e *LLMError) IsRetryable() bool {
	return errors.Is(e.Err, ErrRateLimited) ||
		errors.Is(e.Err, ErrServiceUnavailable) ||
		errors.Is(e.Err, ErrTimeout)
}

// NewLLMError creates a new LLMError with the given details. A context
// deadline is normalized to ErrTimeout so callers can test for it without
// depending on the context package.
func NewLLMError(model, operation string, err error) *LLMError {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return &LLMError{
		Model:     model,
		Operation: operation,
		Err:       err,
	}
}

// SinkError represents a failure writing a per-request stage log.
// Sinks log and swallow these; they are never surfaced to clients.
type SinkError struct {
	// RequestID identifies the log that failed.
	RequestID string

	// Operation is the sink operation that failed.
	Operation string

	// Err is the underlying I/O or encoding error.
	Err error
}

// Error implements the error interface for SinkError.
func (e *SinkError) Error() string {
	return fmt.Sprintf("stage sink error: operation=%s, request_id=%s, err=%v", e.Operation, e.RequestID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SinkError) Unwrap() error { return e.Err }

// NewSinkError creates a new SinkError with the given details.
func NewSinkError(requestID, operation string, err error) *SinkError {
	return &SinkError{RequestID: requestID, Operation: operation, Err: err}
}
