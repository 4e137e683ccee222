package ports

import (
	"context"
	"time"

	"github.com/ahrav/go-guardrail/internal/domain"
)

// LLMClient defines the interface for interacting with Large Language
// Model providers.
// Implementations should handle provider-specific details like authentication,
// request formatting, and response parsing.
type LLMClient interface {
	// Complete sends a completion request to the LLM provider.
	// It returns the generated text and any error encountered.
	//
	// The options map allows flexibility for different providers without
	// changing the interface. Common options include:
	//   - "temperature": float64 (0.0-1.0)
	//   - "max_tokens": int
	//   - "model": string (specific model version)
	Complete(ctx context.Context, prompt string, options map[string]any) (string, error)

	// EstimateTokens calculates the approximate token count for a given text.
	EstimateTokens(text string) (int, error)

	// GetModel returns the model identifier being used by this client.
	GetModel() string
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations should integrate with observability platforms like
// Prometheus or OpenTelemetry.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	// The labels map provides additional context for the metric.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	RecordHistogram(metric string, value float64, labels map[string]string)
}

// StageSink opens per-request stage logs. A stage log records the
// intermediate artifacts of one scan or aggregation so that a request can
// be reconstructed after the fact.
type StageSink interface {
	// Begin opens the log for requestID. It must not fail the request;
	// implementations that cannot open storage return a no-op log.
	Begin(requestID string) StageLog
}

// StageLog receives the stages of a single request.
//
// Log must never block the request path and must be safe for concurrent
// use, since per-rule results are logged from parallel goroutines.
type StageLog interface {
	Log(stage string, data any)

	// Close flushes the log. Stages logged after Close are dropped.
	Close() error
}

// RuleSource resolves a use case to its rule set and task header.
type RuleSource interface {
	Resolve(ctx context.Context, useCaseID string) (RuleBundle, error)
}

// RuleBundle is a resolved use case: its rules and the task header
// injected into every evaluation prompt.
type RuleBundle struct {
	UseCaseID  string
	TaskHeader string
	Rules      *domain.RuleSet
}

// Nop implementations for optional collaborators.
type (
	NopStageSink struct{}
	nopStageLog  struct{}
)

// Begin implements StageSink.
func (NopStageSink) Begin(string) StageLog { return nopStageLog{} }

func (nopStageLog) Log(string, any) {}
func (nopStageLog) Close() error    { return nil }
