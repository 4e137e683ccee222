package llm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// retryLLM retries retryable failures with exponential backoff and
// jitter.
type retryLLM struct {
	next       CoreLLM
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// RetryMiddleware retries up to maxRetries times. Only errors for which
// IsRetryable is true are retried; authentication, bad request and
// content policy failures return immediately.
func RetryMiddleware(maxRetries int, baseDelay, maxDelay time.Duration) Middleware {
	return func(next CoreLLM) CoreLLM {
		return &retryLLM{
			next:       next,
			maxRetries: max(maxRetries, 0),
			baseDelay:  baseDelay,
			maxDelay:   maxDelay,
		}
	}
}

// DoRequest runs the request, retrying while the error is retryable and
// ctx is live.
func (r *retryLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		response, tokensIn, tokensOut, err := r.next.DoRequest(ctx, prompt, opts)
		if err == nil {
			return response, tokensIn, tokensOut, nil
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil || attempt == r.maxRetries {
			break
		}

		timer := time.NewTimer(r.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", 0, 0, fmt.Errorf("retry aborted: %w", lastErr)
		case <-timer.C:
		}
	}

	if r.maxRetries == 0 {
		return "", 0, 0, lastErr
	}
	return "", 0, 0, fmt.Errorf("request failed after retries: %w", lastErr)
}

// calculateDelay returns baseDelay * 2^attempt with -25%..+25% jitter,
// capped at maxDelay.
func (r *retryLLM) calculateDelay(attempt int) time.Duration {
	attempt = min(max(attempt, 0), 30)
	delay := r.baseDelay << attempt
	if delay <= 0 || delay > r.maxDelay {
		delay = r.maxDelay
	}

	// #nosec G404 - jitter does not need a cryptographic source.
	jitter := time.Duration(rand.Float64() * float64(delay) / 2)
	delay = delay - delay/4 + jitter

	return min(delay, r.maxDelay)
}

// GetModel returns the model from the wrapped implementation.
func (r *retryLLM) GetModel() string { return r.next.GetModel() }
