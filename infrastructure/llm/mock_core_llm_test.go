package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errSimulated is returned by MockCoreLLM when failing without a
// configured Error.
var errSimulated = errors.New("simulated failure")

// MockCoreLLM is a configurable CoreLLM for middleware tests.
type MockCoreLLM struct {
	mu sync.Mutex

	Response      string
	TokensIn      int
	TokensOut     int
	Error         error
	Model         string
	ResponseDelay time.Duration

	// FailUntilAttempt fails the first N calls, then succeeds.
	FailUntilAttempt int

	CallCount      int
	LastPrompt     string
	LastOpts       map[string]any
	LastContext    context.Context
	CallTimestamps []time.Time
}

// NewMockCoreLLM returns a mock that answers "test response" with 10
// input and 20 output tokens.
func NewMockCoreLLM() *MockCoreLLM {
	return &MockCoreLLM{
		Response:  "test response",
		TokensIn:  10,
		TokensOut: 20,
		Model:     "test-model",
	}
}

// DoRequest implements CoreLLM. The delay is observed without holding the
// lock so concurrent calls overlap.
func (m *MockCoreLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	m.mu.Lock()
	m.CallCount++
	call := m.CallCount
	m.LastPrompt = prompt
	m.LastOpts = opts
	m.LastContext = ctx
	m.CallTimestamps = append(m.CallTimestamps, time.Now())
	delay, failUntil, configured := m.ResponseDelay, m.FailUntilAttempt, m.Error
	response, in, out := m.Response, m.TokensIn, m.TokensOut
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", 0, 0, ctx.Err()
		}
	}

	if failUntil > 0 {
		if call > failUntil {
			return response, in, out, nil
		}
		if configured != nil {
			return "", 0, 0, configured
		}
		return "", 0, 0, errSimulated
	}
	if configured != nil {
		return "", 0, 0, configured
	}
	return response, in, out, nil
}

// GetModel returns the configured model name.
func (m *MockCoreLLM) GetModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Model
}

// GetCallCount returns the number of DoRequest calls.
func (m *MockCoreLLM) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// SetError changes the configured error under the lock.
func (m *MockCoreLLM) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Error = err
}

// GetTimeBetweenCalls returns the gap between two recorded calls, or nil
// if either index is out of range.
func (m *MockCoreLLM) GetTimeBetweenCalls(call1, call2 int) *time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if call1 < 0 || call2 < 0 || call1 >= len(m.CallTimestamps) || call2 >= len(m.CallTimestamps) {
		return nil
	}
	d := m.CallTimestamps[call2].Sub(m.CallTimestamps[call1])
	return &d
}
