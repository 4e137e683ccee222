package llm

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-guardrail/internal/ports"
)

// Resilience defaults applied by New.
const (
	DefaultRetryBaseDelay  = 500 * time.Millisecond
	DefaultRetryMaxDelay   = 10 * time.Second
	DefaultBreakerCooldown = 30 * time.Second
)

// Settings is the transport configuration New turns into a Client.
type Settings struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	APIVersion string

	// Timeout bounds each attempt. Zero disables the per-attempt
	// timeout.
	Timeout time.Duration

	// MaxRetries is the retry budget for retryable failures.
	MaxRetries int

	// RequestsPerSecond paces calls. Zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures opens the circuit after this many consecutive
	// failures. Zero disables the breaker.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Observability carries the optional collaborators New wires into the
// middleware chain. Nil fields are skipped.
type Observability struct {
	Metrics ports.MetricsCollector
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// New builds a Client for s. From the outside in, the chain is tracing,
// retry, metrics, circuit breaker, rate limiter and per-attempt timeout,
// so metrics count attempts and an open circuit ends the retry loop.
func New(s Settings, obs Observability) (*Client, error) {
	logger := obs.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("llm").With(zap.String("provider", s.Provider))

	chain := []Middleware{TracingMiddleware(obs.Tracer, s.Provider)}
	if s.MaxRetries > 0 {
		chain = append(chain, RetryMiddleware(s.MaxRetries, DefaultRetryBaseDelay, DefaultRetryMaxDelay))
	}
	chain = append(chain, MetricsMiddleware(obs.Metrics, s.Provider))
	if s.BreakerFailures > 0 {
		cooldown := s.BreakerCooldown
		if cooldown <= 0 {
			cooldown = DefaultBreakerCooldown
		}
		cb := NewCircuitBreaker(s.BreakerFailures, cooldown)
		cb.OnStateChange(func(from, to CircuitBreakerState) {
			logger.Warn("circuit breaker state changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		})
		chain = append(chain, CircuitBreakerMiddlewareWith(cb))
	}
	if s.RequestsPerSecond > 0 {
		chain = append(chain, RateLimitMiddleware(rate.Limit(s.RequestsPerSecond), s.Burst))
	}
	chain = append(chain, TimeoutMiddleware(s.Timeout))

	client, err := NewClient(ClientConfig{
		Provider:   s.Provider,
		APIKey:     s.APIKey,
		Model:      s.Model,
		BaseURL:    s.BaseURL,
		APIVersion: s.APIVersion,
		Middleware: chain,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("LLM client ready",
		zap.String("model", client.GetModel()),
		zap.Int("max_retries", s.MaxRetries),
		zap.Int("breaker_failures", s.BreakerFailures),
		zap.Float64("requests_per_second", s.RequestsPerSecond))
	return client, nil
}
