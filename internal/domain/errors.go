package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the guardrail domain. Callers classify failures with
// errors.Is against these values; the typed errors below carry the detail.
var (
	// ErrRuleSetNotFound indicates that a rule set source does not exist.
	ErrRuleSetNotFound = errors.New("rule set not found")

	// ErrMalformedSource indicates that a rule set source could not be
	// parsed as YAML at all.
	ErrMalformedSource = errors.New("malformed rule set source")

	// ErrInvalidSchema indicates that a rule set parsed but violates the
	// rule schema (shape or field constraints).
	ErrInvalidSchema = errors.New("invalid rule set schema")

	// ErrLoadFailed wraps unexpected failures while loading a rule set.
	ErrLoadFailed = errors.New("rule set load failed")

	// ErrTemplateNotFound indicates a prompt template that could not be
	// located on disk or among the embedded defaults.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrMalformedTemplate indicates a template missing a placeholder it
	// must carry.
	ErrMalformedTemplate = errors.New("malformed template")

	// ErrUnknownUseCase indicates a use case id with no catalog entry.
	ErrUnknownUseCase = errors.New("unknown use case")

	// ErrEmptyPrompt indicates a scan prompt that is empty or whitespace.
	ErrEmptyPrompt = errors.New("prompt cannot be empty or contain only whitespace")

	// ErrTooManyDocuments indicates a scan request over the document limit.
	ErrTooManyDocuments = errors.New("too many documents")

	// ErrDocumentTooLarge indicates a single document over the size limit.
	ErrDocumentTooLarge = errors.New("document too large")

	// ErrUnknownRuleIDs indicates aggregation input naming rules that are
	// not part of the use case's rule set.
	ErrUnknownRuleIDs = errors.New("unknown compliance ids")

	// ErrInvalidUpstreamOutput indicates the LLM replied with output that
	// could not be interpreted.
	ErrInvalidUpstreamOutput = errors.New("upstream returned invalid output")

	// ErrUpstreamUnavailable indicates the LLM call itself failed or timed out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ConfigurationError reports a bad or missing rule set, use case, or
// template. It is fatal to the request and never retried.
type ConfigurationError struct {
	// Source names the rule file, template, or use case involved.
	Source string

	// Reason is a human-readable explanation of the problem.
	Reason string

	// Err is the sentinel or underlying cause.
	Err error
}

// Error implements the error interface for ConfigurationError.
func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration error: source=%s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("configuration error: source=%s: %v: %s", e.Source, e.Err, e.Reason)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError creates a ConfigurationError for the given source.
func NewConfigurationError(source string, err error, reason string) *ConfigurationError {
	return &ConfigurationError{Source: source, Reason: reason, Err: err}
}

// ValidationError represents an error that occurred during validation.
// It can contain multiple validation failures.
type ValidationError struct {
	// Entity is the name of the entity that failed validation.
	Entity string

	// Errors contains the list of validation error messages.
	Errors []string

	// Err is the sentinel classifying the failure, if any.
	Err error
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	switch len(e.Errors) {
	case 0:
		return fmt.Sprintf("validation error for %s: %v", e.Entity, e.Err)
	case 1:
		return fmt.Sprintf("validation error for %s: %s", e.Entity, e.Errors[0])
	default:
		return fmt.Sprintf("validation errors for %s: %s", e.Entity, strings.Join(e.Errors, "; "))
	}
}

// Unwrap returns the classifying sentinel.
func (e *ValidationError) Unwrap() error { return e.Err }

// AddError adds a new error message to the validation error.
func (e *ValidationError) AddError(msg string) { e.Errors = append(e.Errors, msg) }

// HasErrors returns true if there are any validation errors.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// NewValidationError creates a new ValidationError for the given entity
// classified by sentinel.
func NewValidationError(entity string, sentinel error) *ValidationError {
	return &ValidationError{
		Entity: entity,
		Errors: make([]string, 0),
		Err:    sentinel,
	}
}

// UpstreamError reports a failure of the external LLM collaborator,
// either in transport or in the shape of its reply.
type UpstreamError struct {
	// Operation names the call that failed, e.g. "aggregate".
	Operation string

	// Kind is ErrUpstreamUnavailable or ErrInvalidUpstreamOutput.
	Kind error

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface for UpstreamError.
func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream error: operation=%s: %v", e.Operation, e.Kind)
	}
	return fmt.Sprintf("upstream error: operation=%s: %v: %v", e.Operation, e.Kind, e.Err)
}

// Unwrap exposes both the classification and the cause to errors.Is.
func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewUpstreamError creates an UpstreamError of the given kind.
func NewUpstreamError(operation string, kind, err error) *UpstreamError {
	return &UpstreamError{Operation: operation, Kind: kind, Err: err}
}
