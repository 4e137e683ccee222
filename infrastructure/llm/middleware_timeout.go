package llm

import (
	"context"
	"time"
)

// timeoutLLM bounds each attempt. Placed inside RetryMiddleware, every
// retry gets a fresh deadline.
type timeoutLLM struct {
	next    CoreLLM
	timeout time.Duration
}

// TimeoutMiddleware derives a context with the given timeout for each
// call. A non-positive timeout disables it.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next CoreLLM) CoreLLM {
		if timeout <= 0 {
			return next
		}
		return &timeoutLLM{
			next:    next,
			timeout: timeout,
		}
	}
}

// DoRequest runs the call under the timeout.
func (t *timeoutLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.DoRequest(ctx, prompt, opts)
}

// GetModel returns the model from the wrapped implementation.
func (t *timeoutLLM) GetModel() string { return t.next.GetModel() }
