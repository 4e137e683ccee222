package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ahrav/go-guardrail/internal/ports"
)

// Errors returned by the client and providers.
var (
	// ErrEmptyAPIKey indicates that an API key was required but not provided.
	ErrEmptyAPIKey = errors.New("API key cannot be empty")
	// ErrEmptyResponse indicates that the provider returned no text.
	ErrEmptyResponse = errors.New("empty response from API")
	// ErrNoResponseChoice indicates that a chat completion had no choices.
	ErrNoResponseChoice = errors.New("no response choices returned")
	// ErrUnknownProvider indicates that no factory is registered under
	// the requested provider name.
	ErrUnknownProvider = errors.New("unknown LLM provider")
	// ErrMissingEndpoint indicates that a provider needs a base URL that
	// was not configured.
	ErrMissingEndpoint = errors.New("endpoint is required")
	// ErrMissingModel indicates that a provider has no default model and
	// none was configured.
	ErrMissingModel = errors.New("model is required")
)

// ErrorType is the category of a provider failure.
type ErrorType int

const (
	// ErrorTypeUnknown is an error that could not be classified.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeAuthentication is a rejected or missing credential.
	ErrorTypeAuthentication
	// ErrorTypeRateLimit is a 429 from the provider.
	ErrorTypeRateLimit
	// ErrorTypeBadRequest is a malformed request or invalid parameters.
	ErrorTypeBadRequest
	// ErrorTypeNotFound is an unknown model or deployment.
	ErrorTypeNotFound
	// ErrorTypeServerError is a 5xx from the provider.
	ErrorTypeServerError
	// ErrorTypeContentPolicy is a request blocked by provider safety
	// filters.
	ErrorTypeContentPolicy
	// ErrorTypeNetwork is a connection-level failure.
	ErrorTypeNetwork
	// ErrorTypeTimeout is a request that exceeded its deadline.
	ErrorTypeTimeout
	// ErrorTypeCanceled is a request whose context was canceled.
	ErrorTypeCanceled
)

// String returns the lower-case name used in error messages and metric
// labels.
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeAuthentication:
		return "authentication"
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeBadRequest:
		return "bad_request"
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeServerError:
		return "server_error"
	case ErrorTypeContentPolicy:
		return "content_policy"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ProviderError normalizes a provider SDK error.
//
// It matches the ports sentinels through errors.Is, so application code
// can test ports.ErrRateLimited, ports.ErrServiceUnavailable and
// ports.ErrTimeout without knowing which SDK produced the failure.
type ProviderError struct {
	Type       ErrorType
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Provider, e.Type)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the SDK error.
func (e *ProviderError) Unwrap() error { return e.Err }

// Is maps the error type onto the ports sentinels.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ports.ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ports.ErrServiceUnavailable:
		return e.Type == ErrorTypeServerError || e.Type == ErrorTypeNetwork
	case ports.ErrTimeout:
		return e.Type == ErrorTypeTimeout
	}
	return false
}

// IsRetryable reports whether another attempt could succeed.
func (e *ProviderError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	}
	return false
}

// NewProviderError creates a ProviderError.
func NewProviderError(provider string, errType ErrorType, statusCode int, message string, err error) *ProviderError {
	return &ProviderError{
		Type:       errType,
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// IsRetryable reports whether err is worth retrying. Provider errors
// decide for themselves; anything else is retried only when it matches a
// transient ports sentinel.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.IsRetryable()
	}
	return errors.Is(err, ports.ErrRateLimited) ||
		errors.Is(err, ports.ErrServiceUnavailable) ||
		errors.Is(err, ports.ErrTimeout)
}

// ErrorClassifier turns SDK failures into ProviderErrors for one provider.
type ErrorClassifier struct {
	Provider string
}

// ClassifyHTTPError classifies by HTTP status code.
func (ec *ErrorClassifier) ClassifyHTTPError(statusCode int, message string, err error) *ProviderError {
	var errType ErrorType
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		errType = ErrorTypeAuthentication
		message = "authentication failed"
	case statusCode == http.StatusTooManyRequests:
		errType = ErrorTypeRateLimit
		message = "rate limit exceeded"
	case statusCode == http.StatusNotFound:
		errType = ErrorTypeNotFound
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		errType = ErrorTypeTimeout
	case statusCode >= 500:
		errType = ErrorTypeServerError
	case statusCode >= 400:
		errType = ErrorTypeBadRequest
	default:
		errType = ErrorTypeUnknown
	}
	return NewProviderError(ec.Provider, errType, statusCode, message, err)
}

// ClassifyTransportError handles failures that never produced an HTTP
// status: context errors and network errors.
func (ec *ErrorClassifier) ClassifyTransportError(err error) *ProviderError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewProviderError(ec.Provider, ErrorTypeTimeout, 0, "deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return NewProviderError(ec.Provider, ErrorTypeCanceled, 0, "request canceled", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return NewProviderError(ec.Provider, ErrorTypeTimeout, 0, "network timeout", err)
	case errors.As(err, &netErr):
		return NewProviderError(ec.Provider, ErrorTypeNetwork, 0, "network error", err)
	}
	return NewProviderError(ec.Provider, ErrorTypeUnknown, 0, "request failed", err)
}
