package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-guardrail/internal/ports"
)

// chatCompletionBody is a minimal chat completion response.
func chatCompletionBody(content string, promptTokens, completionTokens int) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1677652288,
		"model":   "gpt-4",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
	return string(body)
}

// TestOpenAIProvider_DoRequest tests the request sent to OpenAI and the
// decoded response.
func TestOpenAIProvider_DoRequest(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatCompletionBody("**Grade:** 1/1", 12, 7))
	}))
	defer server.Close()

	provider, err := newOpenAIProvider(ClientConfig{
		APIKey:  "test-api-key",
		Model:   "gpt-4",
		BaseURL: server.URL + "/v1/",
	})
	require.NoError(t, err)

	response, in, out, err := provider.DoRequest(context.Background(), "Evaluate this", map[string]any{
		"temperature": 0.7,
		"max_tokens":  256,
		"system":      "You are a compliance evaluator.",
	})
	require.NoError(t, err)
	assert.Equal(t, "**Grade:** 1/1", response)
	assert.Equal(t, 12, in)
	assert.Equal(t, 7, out)

	assert.Equal(t, "gpt-4", got["model"])
	assert.InDelta(t, 0.7, got["temperature"], 1e-6)
	assert.Equal(t, float64(256), got["max_tokens"])
	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "Evaluate this", messages[1].(map[string]any)["content"])
}

// TestOpenAIProvider_EstimatesMissingUsage tests the fallback when the
// response has no usage block.
func TestOpenAIProvider_EstimatesMissingUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatCompletionBody("abcdefgh", 0, 0))
	}))
	defer server.Close()

	provider, err := newOpenAIProvider(ClientConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, in, out, err := provider.DoRequest(context.Background(), "abcd", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, in)
	assert.Equal(t, 2, out)
}

// TestAzureProvider_DoRequest tests deployment routing, the api-key header
// and the api-version query parameter.
func TestAzureProvider_DoRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/compliance-gpt4/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-06-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "azure-key", r.Header.Get("api-key"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatCompletionBody("ok", 3, 1))
	}))
	defer server.Close()

	provider, err := newAzureProvider(ClientConfig{
		APIKey:     "azure-key",
		BaseURL:    server.URL,
		Model:      "compliance-gpt4",
		APIVersion: "2024-06-01",
	})
	require.NoError(t, err)
	assert.Equal(t, "compliance-gpt4", provider.GetModel())

	response, _, _, err := provider.DoRequest(context.Background(), "p", map[string]any{"temperature": 0.7})
	require.NoError(t, err)
	assert.Equal(t, "ok", response)
}

// TestAzureProvider_Config tests the settings an Azure provider requires.
func TestAzureProvider_Config(t *testing.T) {
	tests := []struct {
		name    string
		config  ClientConfig
		wantErr error
	}{
		{name: "missing key", config: ClientConfig{BaseURL: "https://x.openai.azure.com", Model: "d"}, wantErr: ErrEmptyAPIKey},
		{name: "missing endpoint", config: ClientConfig{APIKey: "k", Model: "d"}, wantErr: ErrMissingEndpoint},
		{name: "missing deployment", config: ClientConfig{APIKey: "k", BaseURL: "https://x.openai.azure.com"}, wantErr: ErrMissingModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newAzureProvider(tt.config)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := newAzureProvider(ClientConfig{APIKey: "k", BaseURL: "not a url", Model: "d"})
	assert.Error(t, err)
}

// TestOpenAIProvider_ErrorHandling tests status classification and the
// ports sentinels the resulting errors match.
func TestOpenAIProvider_ErrorHandling(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantType   ErrorType
		sentinel   error
		retryable  bool
	}{
		{
			name:       "authentication",
			statusCode: http.StatusUnauthorized,
			body:       `{"error": {"message": "Invalid API key", "type": "invalid_request_error", "code": "invalid_api_key"}}`,
			wantType:   ErrorTypeAuthentication,
		},
		{
			name:       "rate limit",
			statusCode: http.StatusTooManyRequests,
			body:       `{"error": {"message": "Rate limit exceeded", "type": "requests", "code": "rate_limit_exceeded"}}`,
			wantType:   ErrorTypeRateLimit,
			sentinel:   ports.ErrRateLimited,
			retryable:  true,
		},
		{
			name:       "server error",
			statusCode: http.StatusInternalServerError,
			body:       `{"error": {"message": "Internal server error", "type": "server_error"}}`,
			wantType:   ErrorTypeServerError,
			sentinel:   ports.ErrServiceUnavailable,
			retryable:  true,
		},
		{
			name:       "content filter",
			statusCode: http.StatusBadRequest,
			body:       `{"error": {"message": "filtered", "type": "invalid_request_error", "code": "content_filter"}}`,
			wantType:   ErrorTypeContentPolicy,
		},
		{
			name:       "non JSON gateway error",
			statusCode: http.StatusBadGateway,
			body:       `<html>bad gateway</html>`,
			wantType:   ErrorTypeServerError,
			sentinel:   ports.ErrServiceUnavailable,
			retryable:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			provider, err := newOpenAIProvider(ClientConfig{APIKey: "k", BaseURL: server.URL})
			require.NoError(t, err)

			_, _, _, err = provider.DoRequest(context.Background(), "p", nil)
			require.Error(t, err)

			var perr *ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.wantType, perr.Type)
			assert.Equal(t, tt.statusCode, perr.StatusCode)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}
}

// TestOpenAIProvider_ContextDeadline tests that an expired context is
// reported as a timeout.
func TestOpenAIProvider_ContextDeadline(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	provider, err := newOpenAIProvider(ClientConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, _, err = provider.DoRequest(ctx, "p", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrTimeout)
	assert.True(t, IsRetryable(err))
}
