package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-guardrail/internal/domain"
	"github.com/ahrav/go-guardrail/internal/ports"
)

// Scan stage names. Per-rule stages are StageResultPrefix + rule id.
const (
	StageRequestReceived = "request_received"
	StageResultPrefix    = "result_"
	StageFinal           = "final"
)

// Dependencies wires the collaborators shared by the Orchestrator and the
// Aggregator. Sink, Metrics, Logger, Parser and Conditions are optional.
type Dependencies struct {
	Rules      ports.RuleSource
	Renderer   *PromptRenderer
	Parser     *OutputParser
	Conditions *ConditionEngine
	LLM        ports.LLMClient
	Sink       ports.StageSink
	Metrics    ports.MetricsCollector
	Logger     *zap.Logger
}

func (d Dependencies) validate() error {
	switch {
	case d.Rules == nil:
		return errors.New("rule source is required")
	case d.Renderer == nil:
		return errors.New("prompt renderer is required")
	case d.LLM == nil:
		return errors.New("LLM client is required")
	}
	return nil
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Parser == nil {
		d.Parser = defaultParser
	}
	if d.Sink == nil {
		d.Sink = ports.NopStageSink{}
	}
	if d.Metrics == nil {
		d.Metrics = ports.NopMetrics{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// EvaluationOptions bounds a scan and sets the completion options sent
// with every LLM call.
type EvaluationOptions struct {
	LLMTimeout      time.Duration
	RequestTimeout  time.Duration
	MaxConcurrency  int
	MaxDocuments    int
	MaxDocumentSize int
	Temperature     float64
	MaxTokens       int
}

// EvaluationOptionsFrom derives EvaluationOptions from cfg.
func EvaluationOptionsFrom(cfg *AppConfig) EvaluationOptions {
	return EvaluationOptions{
		LLMTimeout:      cfg.LLMTimeout(),
		RequestTimeout:  cfg.RequestTimeout(),
		MaxConcurrency:  cfg.Limits.MaxConcurrency,
		MaxDocuments:    cfg.Limits.MaxDocuments,
		MaxDocumentSize: cfg.Limits.MaxDocumentSize,
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
	}
}

func (o EvaluationOptions) completionOptions() map[string]any {
	opts := map[string]any{"temperature": o.Temperature}
	if o.MaxTokens > 0 {
		opts["max_tokens"] = o.MaxTokens
	}
	return opts
}

// Orchestrator runs every active rule of a use case against a request
// and decides the rephrased prompt.
type Orchestrator struct {
	deps       Dependencies
	opts       EvaluationOptions
	aggregator *Aggregator
	logger     *zap.Logger
	inFlight   atomic.Int64
}

// NewOrchestrator creates an Orchestrator. When aggregator is nil, scans
// with several failures fall back to the first parsed rewrite.
func NewOrchestrator(deps Dependencies, opts EvaluationOptions, aggregator *Aggregator) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultConfig().Limits.MaxConcurrency
	}
	deps = deps.withDefaults()
	return &Orchestrator{
		deps:       deps,
		opts:       opts,
		aggregator: aggregator,
		logger:     deps.Logger.Named("orchestrator"),
	}, nil
}

// Scan evaluates req against the rules of useCaseID.
//
// The use case, rule set and request are validated before any LLM call;
// failures come back as *domain.ValidationError or
// *domain.ConfigurationError. Once evaluation starts Scan does not fail:
// a rule whose call errors or times out is reported as a failing result
// carrying the diagnostic, and its siblings are unaffected.
func (o *Orchestrator) Scan(ctx context.Context, useCaseID string, req domain.ScanRequest) (*domain.ScanResponse, error) {
	bundle, err := o.deps.Rules.Resolve(ctx, useCaseID)
	if err != nil {
		o.recordScan(useCaseID, "invalid")
		return nil, err
	}
	if err := o.validateRequest(req); err != nil {
		o.recordScan(useCaseID, "invalid")
		return nil, err
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	stages := o.deps.Sink.Begin(req.RequestID)
	defer closeStageLog(stages, o.logger, req.RequestID)

	ctx, cancel := withOptionalTimeout(ctx, o.opts.RequestTimeout)
	defer cancel()

	o.deps.Metrics.RecordGauge(ports.MetricScansInFlight, float64(o.inFlight.Add(1)), nil)
	defer func() {
		o.deps.Metrics.RecordGauge(ports.MetricScansInFlight, float64(o.inFlight.Add(-1)), nil)
	}()

	active := o.activeRules(bundle, req)
	stages.Log(StageRequestReceived, map[string]any{
		"use_case_id":  bundle.UseCaseID,
		"prompt":       req.Prompt,
		"documents":    req.Documents,
		"filter":       req.Filter,
		"active_rules": ruleIDs(active),
	})
	o.logger.Info("scan started",
		zap.String("request_id", req.RequestID),
		zap.String("use_case_id", bundle.UseCaseID),
		zap.Int("rules", len(active)))

	results := make([]domain.ComplianceResult, len(active))
	var g errgroup.Group
	g.SetLimit(o.opts.MaxConcurrency)
	for i, rule := range active {
		g.Go(func() error {
			results[i] = o.evaluateRule(ctx, bundle, rule, req)
			stages.Log(StageResultPrefix+rule.ID, results[i])
			return nil
		})
	}
	_ = g.Wait()

	resp := &domain.ScanResponse{
		RequestID: req.RequestID,
		UseCaseID: bundle.UseCaseID,
		Detailed:  make(map[string]domain.ComplianceResult, len(active)),
	}
	var failed []int
	for i, rule := range active {
		resp.Detailed[rule.ID] = results[i]
		if !results[i].Passed {
			failed = append(failed, i)
			resp.FailuresSummary = append(resp.FailuresSummary, failureLine(rule, results[i]))
		}
	}
	resp.RephrasedPrompt = o.decideRephrase(ctx, bundle, req, active, results, failed, stages)

	failedIDs := make([]string, len(failed))
	for j, i := range failed {
		failedIDs[j] = active[i].ID
	}
	stages.Log(StageFinal, map[string]any{
		"failed_ids":       failedIDs,
		"rephrased_prompt": resp.RephrasedPrompt,
	})
	o.logger.Info("scan finished",
		zap.String("request_id", req.RequestID),
		zap.Int("rules", len(active)),
		zap.Strings("failed_ids", failedIDs))

	o.recordScan(bundle.UseCaseID, "ok")
	return resp, nil
}

func (o *Orchestrator) validateRequest(req domain.ScanRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		verr := domain.NewValidationError("prompt", domain.ErrEmptyPrompt)
		verr.AddError("Prompt cannot be empty or contain only whitespace")
		return verr
	}
	if o.opts.MaxDocuments > 0 && len(req.Documents) > o.opts.MaxDocuments {
		verr := domain.NewValidationError("documents", domain.ErrTooManyDocuments)
		verr.AddError(fmt.Sprintf("Too many documents: %d > %d", len(req.Documents), o.opts.MaxDocuments))
		return verr
	}
	if o.opts.MaxDocumentSize > 0 {
		for i, d := range req.Documents {
			if len(d) > o.opts.MaxDocumentSize {
				verr := domain.NewValidationError("documents", domain.ErrDocumentTooLarge)
				verr.AddError(fmt.Sprintf("Document %d exceeds %d bytes", i, o.opts.MaxDocumentSize))
				return verr
			}
		}
	}
	return nil
}

// activeRules applies the request filter and then each rule's condition.
// A condition that cannot be evaluated leaves its rule active.
func (o *Orchestrator) activeRules(bundle ports.RuleBundle, req domain.ScanRequest) []domain.ComplianceRule {
	rules := FilterRules(bundle.Rules.Rules, req.Filter)
	if o.deps.Conditions == nil {
		return rules
	}

	in := ConditionInput{Prompt: req.Prompt, Documents: req.Documents, UseCase: bundle.UseCaseID}
	active := rules[:0]
	for _, r := range rules {
		ok, err := o.deps.Conditions.Applies(r.Condition, in)
		if err != nil {
			o.logger.Warn("rule condition failed, keeping rule active",
				zap.String("rule_id", r.ID),
				zap.Error(err))
			ok = true
		}
		if ok {
			active = append(active, r)
		}
	}
	return active
}

// evaluateRule renders, calls, parses and grades one rule. It never
// fails; errors are folded into a failing result.
func (o *Orchestrator) evaluateRule(
	ctx context.Context,
	bundle ports.RuleBundle,
	rule domain.ComplianceRule,
	req domain.ScanRequest,
) domain.ComplianceResult {
	start := time.Now()
	labels := map[string]string{"use_case": bundle.UseCaseID, "rule_id": rule.ID}
	defer func() { o.deps.Metrics.RecordLatency(ports.MetricRuleLatency, time.Since(start), labels) }()

	prompt, err := o.deps.Renderer.RenderEvaluation(rule, req, bundle.TaskHeader)
	if err != nil {
		return o.erroredResult(bundle, rule, "", err)
	}

	callCtx, cancel := withOptionalTimeout(ctx, o.opts.LLMTimeout)
	defer cancel()

	raw, err := o.deps.LLM.Complete(callCtx, prompt, o.opts.completionOptions())
	if err != nil {
		lerr := ports.NewLLMError(o.deps.LLM.GetModel(), "evaluate:"+rule.ID, err)
		lerr.Elapsed = time.Since(start)
		return o.erroredResult(bundle, rule, "", lerr)
	}

	verdict := o.deps.Parser.Parse(raw)
	passed := verdict.Evaluate(rule.Threshold)
	if verdict.GradeBlock.Disagrees() {
		o.logger.Debug("model result disagrees with computed result",
			zap.String("rule_id", rule.ID),
			zap.String("reported", verdict.GradeBlock.ReportedResult),
			zap.String("computed", verdict.GradeBlock.Result))
	}

	result := domain.ResultFailed
	if passed {
		result = domain.ResultPassed
	}
	o.recordVerdict(bundle.UseCaseID, rule.ID, strings.ToLower(result))

	return domain.ComplianceResult{
		Name:        rule.Name,
		Description: rule.Description,
		RawOutput:   raw,
		Parsed:      verdict,
		Threshold:   rule.Threshold,
		Passed:      passed,
	}
}

// erroredResult is the failing result recorded for a rule that could not
// be evaluated. It fails regardless of the threshold.
func (o *Orchestrator) erroredResult(
	bundle ports.RuleBundle,
	rule domain.ComplianceRule,
	raw string,
	err error,
) domain.ComplianceResult {
	o.logger.Warn("rule evaluation failed",
		zap.String("use_case_id", bundle.UseCaseID),
		zap.String("rule_id", rule.ID),
		zap.Error(err))
	o.recordVerdict(bundle.UseCaseID, rule.ID, "error")

	verdict := domain.EmptyVerdict()
	verdict.Evaluate(rule.Threshold)
	verdict.GradeBlock.Result = domain.ResultFailed

	return domain.ComplianceResult{
		Name:        rule.Name,
		Description: rule.Description,
		RawOutput:   raw,
		Parsed:      verdict,
		Threshold:   rule.Threshold,
		Passed:      false,
		Error:       err.Error(),
	}
}

// decideRephrase picks the rewritten prompt. With no failures there is
// none. One failure uses that rule's own rewrite; several go through the
// aggregator. When neither yields a rewrite, the first parsed rewrite in
// rule order is used, and failing that the original prompt.
func (o *Orchestrator) decideRephrase(
	ctx context.Context,
	bundle ports.RuleBundle,
	req domain.ScanRequest,
	active []domain.ComplianceRule,
	results []domain.ComplianceResult,
	failed []int,
	stages ports.StageLog,
) *string {
	if len(failed) == 0 {
		return nil
	}

	if len(failed) == 1 {
		if s := strings.TrimSpace(results[failed[0]].Parsed.RephrasePrompt); s != "" {
			return &s
		}
	} else if o.aggregator != nil {
		agg := domain.AggregationRequest{
			FailedJSON:     make(map[string]map[string]any, len(failed)),
			OriginalPrompt: req.Prompt,
			RequestID:      req.RequestID,
		}
		for _, i := range failed {
			agg.FailedJSON[active[i].ID] = verdictFields(results[i].Parsed)
		}
		resp, rewritten, err := o.aggregator.aggregate(ctx, bundle, agg, stages)
		o.aggregator.record(bundle.UseCaseID, aggregationOutcome(err))
		switch {
		case err != nil:
			o.logger.Warn("aggregation failed, falling back to parsed rewrite",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		case rewritten:
			s := resp.RephrasedPrompt
			return &s
		}
	}

	for _, i := range failed {
		if s := strings.TrimSpace(results[i].Parsed.RephrasePrompt); s != "" {
			return &s
		}
	}
	s := req.Prompt
	return &s
}

func (o *Orchestrator) recordScan(useCaseID, outcome string) {
	o.deps.Metrics.RecordCounter(ports.MetricScans, 1, map[string]string{
		"use_case": useCaseID,
		"outcome":  outcome,
	})
}

func (o *Orchestrator) recordVerdict(useCaseID, ruleID, result string) {
	o.deps.Metrics.RecordCounter(ports.MetricRuleVerdicts, 1, map[string]string{
		"use_case": useCaseID,
		"rule_id":  ruleID,
		"result":   result,
	})
}

// failureLine formats one failures_summary entry.
func failureLine(rule domain.ComplianceRule, res domain.ComplianceResult) string {
	return fmt.Sprintf("%s (%s): %s < %s",
		rule.ID, rule.Name, res.Parsed.Grade, strconv.FormatFloat(rule.Threshold, 'f', -1, 64))
}

// verdictFields flattens a verdict into the generic object shape the
// aggregator accepts.
func verdictFields(v domain.ParsedVerdict) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func ruleIDs(rules []domain.ComplianceRule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func closeStageLog(stages ports.StageLog, logger *zap.Logger, requestID string) {
	if err := stages.Close(); err != nil {
		logger.Warn("failed to close stage log",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}
