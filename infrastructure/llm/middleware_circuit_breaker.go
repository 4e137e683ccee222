package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen indicates that the circuit breaker rejected a request
// without calling the provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState is the state of a CircuitBreaker.
type CircuitBreakerState int

const (
	// StateClosed lets every request through.
	StateClosed CircuitBreakerState = iota

	// StateOpen rejects requests until the cooldown expires.
	StateOpen

	// StateHalfOpen lets one probe request through. Its outcome closes or
	// reopens the circuit.
	StateHalfOpen
)

// String returns the state name used in logs.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker opens after maxFailures consecutive failures and stays
// open for the cooldown. The lock is never held while the guarded call
// runs, so concurrent rule evaluations are not serialized.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitBreakerState
	failureCount     int
	maxFailures      int
	cooldownDuration time.Duration
	openedAt         time.Time
	probing          bool
	onStateChange    func(from, to CircuitBreakerState)

	now func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker. A maxFailures below
// one is treated as one.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		maxFailures:      max(maxFailures, 1),
		cooldownDuration: cooldown,
		now:              time.Now,
	}
}

// OnStateChange registers fn to run after every state transition. It is
// called without the breaker's lock held.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Call runs fn unless the circuit is open. Canceled contexts are not
// counted as failures.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldownDuration {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}

	to, notify := cb.state, cb.onStateChange
	cb.mu.Unlock()

	if notify != nil && from != to {
		notify(from, to)
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	from := cb.state

	switch {
	case err == nil:
		cb.failureCount = 0
		cb.state = StateClosed
	case errors.Is(err, context.Canceled):
		// The caller gave up; this says nothing about provider health.
	default:
		cb.failureCount++
		if cb.state == StateHalfOpen || cb.failureCount >= cb.maxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	}
	if from == StateHalfOpen {
		cb.probing = false
	}

	to, notify := cb.state, cb.onStateChange
	cb.mu.Unlock()

	if notify != nil && from != to {
		notify(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type circuitBreakerLLM struct {
	next CoreLLM
	cb   *CircuitBreaker
}

// CircuitBreakerMiddleware guards the wrapped provider with a new
// CircuitBreaker.
func CircuitBreakerMiddleware(maxFailures int, cooldown time.Duration) Middleware {
	return CircuitBreakerMiddlewareWith(NewCircuitBreaker(maxFailures, cooldown))
}

// CircuitBreakerMiddlewareWith guards the wrapped provider with cb, so the
// caller can observe its state.
func CircuitBreakerMiddlewareWith(cb *CircuitBreaker) Middleware {
	return func(next CoreLLM) CoreLLM {
		return &circuitBreakerLLM{next: next, cb: cb}
	}
}

// DoRequest fails fast with ErrCircuitOpen while the circuit is open.
func (c *circuitBreakerLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	var (
		response            string
		tokensIn, tokensOut int
	)
	err := c.cb.Call(func() error {
		var err error
		response, tokensIn, tokensOut, err = c.next.DoRequest(ctx, prompt, opts)
		return err
	})
	return response, tokensIn, tokensOut, err
}

// GetModel returns the model from the wrapped implementation.
func (c *circuitBreakerLLM) GetModel() string { return c.next.GetModel() }
