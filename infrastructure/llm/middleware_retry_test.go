package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-guardrail/internal/ports"
)

// TestRetryMiddleware tests which failures are retried and how often.
func TestRetryMiddleware(t *testing.T) {
	serverErr := NewProviderError("openai", ErrorTypeServerError, 503, "", errors.New("overloaded"))
	authErr := NewProviderError("openai", ErrorTypeAuthentication, 401, "", errors.New("bad key"))

	tests := []struct {
		name      string
		err       error
		failUntil int
		retries   int
		wantErr   bool
		wantCalls int
	}{
		{name: "success on first attempt", retries: 3, wantCalls: 1},
		{name: "recovers from transient failure", err: serverErr, failUntil: 2, retries: 3, wantCalls: 3},
		{name: "exhausts the budget", err: serverErr, failUntil: 10, retries: 2, wantErr: true, wantCalls: 3},
		{name: "rate limit sentinel is retried", err: ports.ErrRateLimited, failUntil: 1, retries: 1, wantCalls: 2},
		{name: "authentication is not retried", err: authErr, failUntil: 10, retries: 3, wantErr: true, wantCalls: 1},
		{name: "open circuit is not retried", err: ErrCircuitOpen, failUntil: 10, retries: 3, wantErr: true, wantCalls: 1},
		{name: "plain error is not retried", err: errors.New("bad"), failUntil: 10, retries: 3, wantErr: true, wantCalls: 1},
		{name: "zero retries", err: serverErr, failUntil: 10, retries: 0, wantErr: true, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockCoreLLM()
			mock.Error = tt.err
			mock.FailUntilAttempt = tt.failUntil
			wrapped := RetryMiddleware(tt.retries, time.Millisecond, 5*time.Millisecond)(mock)

			response, _, _, err := wrapped.DoRequest(context.Background(), "p", nil)
			if tt.wantErr {
				require.Error(t, err)
				if tt.err != nil {
					assert.ErrorIs(t, err, tt.err)
				}
			} else {
				require.NoError(t, err)
				assert.Equal(t, "test response", response)
			}
			assert.Equal(t, tt.wantCalls, mock.GetCallCount())
		})
	}
}

// TestRetryMiddleware_RespectsContextCancellation verifies the backoff
// wait ends when the context does.
func TestRetryMiddleware_RespectsContextCancellation(t *testing.T) {
	mock := NewMockCoreLLM()
	mock.Error = ports.ErrServiceUnavailable
	wrapped := RetryMiddleware(5, time.Second, time.Second)(mock)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, _, err := wrapped.DoRequest(ctx, "p", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrServiceUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, mock.GetCallCount())
}

// TestRetryMiddleware_CalculateDelay tests the backoff bounds.
func TestRetryMiddleware_CalculateDelay(t *testing.T) {
	r := &retryLLM{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}

	for attempt := range 4 {
		base := r.baseDelay << attempt
		d := r.calculateDelay(attempt)
		assert.GreaterOrEqual(t, d, min(base-base/4, r.maxDelay), "attempt %d", attempt)
		assert.LessOrEqual(t, d, r.maxDelay, "attempt %d", attempt)
	}

	assert.LessOrEqual(t, r.calculateDelay(-1), r.maxDelay)
	assert.LessOrEqual(t, r.calculateDelay(100), r.maxDelay)
	assert.Positive(t, r.calculateDelay(100))
}
