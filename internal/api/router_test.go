package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ahrav/go-guardrail/infrastructure/middleware"
	"github.com/ahrav/go-guardrail/internal/application"
	"github.com/ahrav/go-guardrail/internal/domain"
	"github.com/ahrav/go-guardrail/internal/testutils"
)

const matchAggregator = "consolidating the results"

type testServer struct {
	handler http.Handler
	llm     *testutils.MockLLMClient
}

// newTestServer wires the real orchestrator and aggregator over the sample
// rules, served as use case "generic", behind a mock LLM.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	testutils.WriteFile(t, dir, "rules.yaml", testutils.SampleRulesYAML)

	conds, err := application.NewConditionEngine()
	require.NoError(t, err)
	loader, err := application.NewRuleSetLoader(conds, nil)
	require.NoError(t, err)
	catalog := application.NewUseCaseCatalog(dir, map[string]application.UseCaseConfig{
		"generic": {File: "rules.yaml", TaskTemplate: "Evaluate the input."},
	}, loader)
	store, err := application.NewTemplateStore(application.TemplateConfig{})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	llm := testutils.NewMockLLMClient("mock-model")
	deps := application.Dependencies{
		Rules:      catalog,
		Renderer:   application.NewPromptRenderer(store),
		Conditions: conds,
		LLM:        llm,
		Metrics:    middleware.NewPrometheusMetrics(reg),
	}
	opts := application.EvaluationOptions{
		LLMTimeout:      time.Second,
		RequestTimeout:  5 * time.Second,
		MaxConcurrency:  4,
		MaxDocuments:    2,
		MaxDocumentSize: 64,
	}

	agg, err := application.NewAggregator(deps, opts)
	require.NoError(t, err)
	orch, err := application.NewOrchestrator(deps, opts, agg)
	require.NoError(t, err)

	return &testServer{
		handler: NewRouter(&Dependencies{
			Scanner:        orch,
			Aggregator:     agg,
			DefaultUseCase: "generic",
			Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Logger:         zaptest.NewLogger(t),
		}),
		llm: llm,
	}
}

func (s *testServer) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

// TestHealth tests the root health endpoint.
func TestHealth(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewRouter(&Dependencies{now: func() time.Time { return fixed }})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","timestamp":"2026-03-01T12:00:00Z"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestScan_Passing tests a clean scan end to end, including request id
// propagation.
func TestScan_Passing(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/scan?use_case_id=generic",
		`{"prompt": "Summarize the quarterly report"}`,
		map[string]string{RequestIDHeader: "req-123"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))

	var resp domain.ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-123", resp.RequestID)
	assert.Equal(t, "generic", resp.UseCaseID)
	assert.Len(t, resp.Detailed, 3)
	assert.Nil(t, resp.RephrasedPrompt)
	assert.Nil(t, resp.FailuresSummary)
	assert.Equal(t, 3, s.llm.CallCount())
}

// TestScan_DefaultUseCase tests that a missing use_case_id falls back to
// the configured default.
func TestScan_DefaultUseCase(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/scan", `{"prompt": "Hello"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "generic", resp.UseCaseID)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), resp.RequestID)
}

// TestScan_Rejected tests the 400 paths; none of them reach the LLM.
func TestScan_Rejected(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		body       string
		wantDetail string
	}{
		{name: "invalid json", target: "/scan", body: `{"prompt":`, wantDetail: "Invalid JSON body"},
		{name: "unknown use case", target: "/scan?use_case_id=nope", body: `{"prompt": "Hi"}`, wantDetail: "Unknown use case: nope"},
		{name: "blank prompt", target: "/scan", body: `{"prompt": "   "}`, wantDetail: "Prompt cannot be empty or contain only whitespace"},
		{name: "too many documents", target: "/scan", body: `{"prompt": "Hi", "documents": ["a", "b", "c"]}`, wantDetail: "Too many documents: 3 > 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, tt.target, tt.body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantDetail, decodeDetail(t, rec))
			assert.Zero(t, s.llm.CallCount())
		})
	}
}

// TestScan_MethodNotAllowed tests that only POST is routed to /scan.
func TestScan_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/scan", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// TestAggregate tests the aggregation endpoint's success and error
// mapping.
func TestAggregate(t *testing.T) {
	const body = `{"failed_json": {"PC1": {"grade": "0.10/1"}}, "original_prompt": "Be rude"}`

	tests := []struct {
		name       string
		body       string
		reply      testutils.MockResponse
		wantStatus int
		wantDetail string
		verify     func(t *testing.T, resp domain.AggregationResponse)
	}{
		{
			name:       "ok",
			body:       body,
			reply:      testutils.MockResponse{Pattern: matchAggregator, Response: `{"Aggregated Summary": "Rude.", "Recommendations": {"PC1": ["Be kind"]}, "Rephrase Prompt": "Be polite"}`},
			wantStatus: http.StatusOK,
			verify: func(t *testing.T, resp domain.AggregationResponse) {
				assert.Equal(t, "Rude.", resp.AggregatedSummary)
				assert.Equal(t, map[string][]string{"PC1": {"Be kind"}}, resp.Recommendations)
				assert.Equal(t, "Be polite", resp.RephrasedPrompt)
			},
		},
		{
			name:       "unknown rule id",
			body:       `{"failed_json": {"PC9": {}}, "original_prompt": "x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "blank original prompt",
			body:       `{"failed_json": {"PC1": {"grade": "0.10/1"}}, "original_prompt": "   "}`,
			wantStatus: http.StatusBadRequest,
			wantDetail: "Original prompt cannot be empty or contain only whitespace",
		},
		{
			name:       "invalid upstream output",
			body:       body,
			reply:      testutils.MockResponse{Pattern: matchAggregator, Response: "I cannot help with that."},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "upstream unavailable",
			body:       body,
			reply:      testutils.MockResponse{Pattern: matchAggregator, Err: errors.New("connection refused")},
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			if tt.reply.Pattern != "" {
				s.llm.AddResponse(tt.reply)
			}

			rec := s.do(t, http.MethodPost, "/aggregate/results?use_case_id=generic", tt.body, nil)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.verify == nil {
				detail := decodeDetail(t, rec)
				assert.NotEmpty(t, detail)
				if tt.wantDetail != "" {
					assert.Equal(t, tt.wantDetail, detail)
				}
				return
			}
			var resp domain.AggregationResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			tt.verify(t, resp)
		})
	}
}

// TestMetricsEndpoint tests that scans are visible on /metrics.
func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/scan", `{"prompt": "Hi"}`, nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `guardrail_scans_total{outcome="ok",use_case="generic"} 1`)
}

// TestStatusFor tests the error to status mapping.
func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: domain.NewValidationError("prompt", domain.ErrEmptyPrompt), want: http.StatusBadRequest},
		{name: "configuration", err: domain.NewConfigurationError("rules.yaml", domain.ErrInvalidSchema, "bad"), want: http.StatusBadRequest},
		{name: "wrapped configuration", err: fmt.Errorf("load: %w", domain.NewConfigurationError("x", domain.ErrRuleSetNotFound, "")), want: http.StatusBadRequest},
		{name: "invalid output", err: domain.NewUpstreamError("aggregate", domain.ErrInvalidUpstreamOutput, nil), want: http.StatusBadRequest},
		{name: "unavailable", err: domain.NewUpstreamError("aggregate", domain.ErrUpstreamUnavailable, errors.New("down")), want: http.StatusBadGateway},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

// stubScanner returns a fixed error.
type stubScanner struct{ err error }

func (s stubScanner) Scan(context.Context, string, domain.ScanRequest) (*domain.ScanResponse, error) {
	return nil, s.err
}

// TestScan_InternalErrorHidden tests that unclassified failures do not
// leak their cause.
func TestScan_InternalErrorHidden(t *testing.T) {
	h := NewRouter(&Dependencies{Scanner: stubScanner{err: errors.New("disk on fire")}, Logger: zaptest.NewLogger(t)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scan", strings.NewReader(`{"prompt":"x"}`)))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeDetail(t, rec))
}

// TestReadJSON_BodyLimit tests that oversized bodies are rejected.
func TestReadJSON_BodyLimit(t *testing.T) {
	h := NewRouter(&Dependencies{Scanner: stubScanner{}, MaxBodyBytes: 16})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scan",
		strings.NewReader(`{"prompt": "`+strings.Repeat("a", 64)+`"}`)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON body", decodeDetail(t, rec))
}
