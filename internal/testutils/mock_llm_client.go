// Package testutils provides test doubles and fixtures shared across the
// guardrail packages.
package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/go-guardrail/internal/ports"
)

// MockLLMClient implements the LLMClient interface with deterministic
// responses for consistent testing.
// Responses are chosen by case-insensitive substring match against the
// prompt, in the order they were added; the first match wins. A prompt
// matching nothing gets the default passing verdict.
// MockLLMClient is safe for concurrent use and records every call.
type MockLLMClient struct {
	model string

	mu        sync.Mutex
	responses []MockResponse
	fallback  MockResponse
	prompts   []string
	options   []map[string]any
	tokens    int
}

// MockResponse defines a pre-configured response pattern for the mock client.
type MockResponse struct {
	// Pattern is used to match against prompts (substring matching).
	Pattern string
	// Response is the text returned for matching prompts.
	Response string
	// TokensUsed is the estimated token count for this response.
	TokensUsed int
	// Err, when set, is returned instead of Response.
	Err error
	// Delay holds the call for this long, or until the context is done.
	Delay time.Duration
}

// NewMockLLMClient creates a MockLLMClient whose default reply is a
// passing verdict graded 1.00/1.
func NewMockLLMClient(model string) *MockLLMClient {
	return &MockLLMClient{
		model: model,
		fallback: MockResponse{
			Response:   VerdictReply(1, "", ""),
			TokensUsed: 40,
		},
	}
}

// AddResponse adds a new response pattern to the mock client.
// An empty Pattern replaces the default response.
func (m *MockLLMClient) AddResponse(response MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if response.Pattern == "" {
		m.fallback = response
		return
	}
	m.responses = append(m.responses, response)
}

// Complete implements the LLMClient.Complete method.
func (m *MockLLMClient) Complete(ctx context.Context, prompt string, options map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if prompt == "" {
		return "", fmt.Errorf("prompt cannot be empty")
	}

	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.options = append(m.options, options)
	resp := m.match(prompt)
	m.tokens += resp.TokensUsed
	m.mu.Unlock()

	if resp.Delay > 0 {
		t := time.NewTimer(resp.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if resp.Err != nil {
		return "", resp.Err
	}
	return resp.Response, nil
}

func (m *MockLLMClient) match(prompt string) MockResponse {
	lower := strings.ToLower(prompt)
	for _, r := range m.responses {
		if strings.Contains(lower, strings.ToLower(r.Pattern)) {
			return r
		}
	}
	return m.fallback
}

// EstimateTokens implements the LLMClient.EstimateTokens method using
// approximately four characters per token.
func (m *MockLLMClient) EstimateTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return max(len(text)/4, 1), nil
}

// GetModel implements the LLMClient.GetModel method returning the mock model identifier.
func (m *MockLLMClient) GetModel() string {
	return m.model
}

// CallCount returns the number of Complete calls made so far.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// Prompts returns a copy of every prompt received, in call order.
func (m *MockLLMClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// LastOptions returns the options passed with the most recent call.
func (m *MockLLMClient) LastOptions() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.options) == 0 {
		return nil
	}
	return m.options[len(m.options)-1]
}

// TokensUsed returns the sum of TokensUsed over all matched responses.
func (m *MockLLMClient) TokensUsed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens
}

// Reset clears the recorded calls but keeps the configured responses.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = nil
	m.options = nil
	m.tokens = 0
}

// VerdictReply builds a model reply in the evaluation template layout
// with the given grade, rewrite and compliance header.
func VerdictReply(grade float64, rephrase, complianceID string) string {
	var b strings.Builder
	b.WriteString("### Problem\nThe prompt was reviewed against the rule.\n\n")
	b.WriteString("### Why It Failed\n1. Reason one.\n2. Reason two.\n\n")
	b.WriteString("### What To Fix\n1. Fix one.\n\n")
	if rephrase != "" {
		fmt.Fprintf(&b, "### Prompt Rephrase\n%s\n\n", rephrase)
	}
	if complianceID != "" {
		fmt.Fprintf(&b, "### Compliance ID and Name\n%s\n\n", complianceID)
	}
	fmt.Fprintf(&b, "### Grade\n`%.2f/1`\n", grade)
	return b.String()
}

var _ ports.LLMClient = (*MockLLMClient)(nil)
