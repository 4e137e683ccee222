package llm

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/go-guardrail/internal/ports"
)

// metricsLLM reports call counts, latency and token usage for every
// provider call.
type metricsLLM struct {
	next     CoreLLM
	metrics  ports.MetricsCollector
	provider string
}

// MetricsMiddleware records ports.MetricLLMCalls, ports.MetricLLMLatency
// and ports.MetricLLMTokens, labelled with provider and model. A nil
// collector disables recording.
func MetricsMiddleware(metrics ports.MetricsCollector, provider string) Middleware {
	return func(next CoreLLM) CoreLLM {
		if metrics == nil {
			return next
		}
		return &metricsLLM{
			next:     next,
			metrics:  metrics,
			provider: provider,
		}
	}
}

// DoRequest times the call and records its outcome.
func (m *metricsLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	start := time.Now()
	response, tokensIn, tokensOut, err := m.next.DoRequest(ctx, prompt, opts)
	elapsed := time.Since(start)

	model := m.next.GetModel()
	m.metrics.RecordLatency(ports.MetricLLMLatency, elapsed, map[string]string{
		"provider": m.provider,
		"model":    model,
	})
	m.metrics.RecordCounter(ports.MetricLLMCalls, 1, map[string]string{
		"provider": m.provider,
		"model":    model,
		"status":   callStatus(err),
	})

	if err == nil {
		m.metrics.RecordCounter(ports.MetricLLMTokens, float64(tokensIn), map[string]string{
			"provider":  m.provider,
			"model":     model,
			"direction": "input",
		})
		m.metrics.RecordCounter(ports.MetricLLMTokens, float64(tokensOut), map[string]string{
			"provider":  m.provider,
			"model":     model,
			"direction": "output",
		})
	}

	return response, tokensIn, tokensOut, err
}

// GetModel returns the model from the wrapped implementation.
func (m *metricsLLM) GetModel() string { return m.next.GetModel() }

// callStatus maps an error to the status label.
func callStatus(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_open"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ports.ErrTimeout) {
		return "timeout"
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Type.String()
	}
	return "error"
}
