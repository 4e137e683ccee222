package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ahrav/go-guardrail/internal/domain"
)

// handleScan implements POST /scan?use_case_id=.
func (d *Dependencies) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanReq
	if err := d.readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	useCaseID := d.useCase(r)
	resp, err := d.Scanner.Scan(r.Context(), useCaseID, domain.ScanRequest{
		Prompt:    req.Prompt,
		Documents: req.Documents,
		Filter:    req.Filter,
		RequestID: requestIDFromContext(r.Context()),
	})
	if err != nil {
		d.writeError(w, r, "scan", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAggregate implements POST /aggregate/results?use_case_id=.
func (d *Dependencies) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req AggregateReq
	if err := d.readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	resp, err := d.Aggregator.Aggregate(r.Context(), d.useCase(r), domain.AggregationRequest{
		FailedJSON:     req.FailedJSON,
		OriginalPrompt: req.OriginalPrompt,
		RequestID:      requestIDFromContext(r.Context()),
	})
	if err != nil {
		d.writeError(w, r, "aggregate", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) useCase(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("use_case_id")); id != "" {
		return id
	}
	return d.DefaultUseCase
}

// writeError maps err onto a status code and a detail message. Server-side
// failures are logged and reported without their cause.
func (d *Dependencies) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	detail := detailFor(err)
	if status >= http.StatusInternalServerError {
		d.Logger.Error(op+" failed",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Int("status", status),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			detail = "Internal server error"
		}
	}
	writeJSON(w, status, ErrorResp{Detail: detail})
}

func statusFor(err error) int {
	var (
		verr *domain.ValidationError
		cerr *domain.ConfigurationError
	)
	switch {
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrInvalidUpstreamOutput),
		errors.As(err, &verr),
		errors.As(err, &cerr):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// detailFor prefers the collected validation messages over the wrapped
// error chain.
func detailFor(err error) string {
	var verr *domain.ValidationError
	if errors.As(err, &verr) && verr.HasErrors() {
		return strings.Join(verr.Errors, "; ")
	}
	return err.Error()
}
