// Package api exposes the guardrail over HTTP: scans, aggregation, health
// and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/go-guardrail/internal/domain"
)

// DefaultMaxBodyBytes caps request bodies when Dependencies leaves it unset.
const DefaultMaxBodyBytes = 32 << 20

// Scanner runs a compliance scan. *application.Orchestrator satisfies it.
type Scanner interface {
	Scan(ctx context.Context, useCaseID string, req domain.ScanRequest) (*domain.ScanResponse, error)
}

// Aggregator rolls failed verdicts up. *application.Aggregator satisfies it.
type Aggregator interface {
	Aggregate(ctx context.Context, useCaseID string, req domain.AggregationRequest) (*domain.AggregationResponse, error)
}

// Dependencies holds the collaborators the HTTP handlers need.
type Dependencies struct {
	Scanner    Scanner
	Aggregator Aggregator

	// DefaultUseCase is used when a request omits use_case_id.
	DefaultUseCase string

	// Metrics serves GET /metrics. The route is not registered when nil.
	Metrics http.Handler

	MaxBodyBytes int64
	Logger       *zap.Logger

	now func() time.Time
}

// NewRouter creates the HTTP handler with all routes registered.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if deps.now == nil {
		deps.now = time.Now
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /scan", deps.handleScan)
	mux.HandleFunc("POST /aggregate/results", deps.handleAggregate)
	mux.HandleFunc("GET /{$}", deps.handleHealth)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	return requestLogging(withRequestID(mux), deps.Logger)
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResp{
		Status:    "ok",
		Timestamp: d.now().UTC().Format(time.RFC3339),
	})
}
