package application

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/ahrav/go-guardrail/internal/domain"
	"github.com/ahrav/go-guardrail/internal/ports"
)

// Aggregation stage names.
const (
	StageAggregationReceived = "aggregation_request_received"
	StageAggregatorTemplate  = "filled_aggregator_template"
	StageLLMRawOutput        = "llm_raw_output"
	StageAggregationParsed   = "parsed_aggregation_result"
)

//go:embed schemas/aggregation_result.json
var aggregationSchemaJSON []byte

var aggregationSchema = mustCompileSchema("aggregation_result.json", aggregationSchemaJSON)

func mustCompileSchema(name string, raw []byte) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return sch
}

// aggregationFields lists the accepted spellings of each reply key in
// order of preference. Matching is case-insensitive.
var aggregationFields = []struct {
	canonical string
	aliases   []string
}{
	{"aggregated_summary", []string{"Aggregated Summary", "aggregated_summary", "summary"}},
	{"recommendations", []string{"Recommendations"}},
	{"rephrased_prompt", []string{"Rephrase Prompt", "rephrased_prompt", "rephrase_prompt", "Rephrased Prompt"}},
}

// Aggregator rolls a set of failed verdicts up into one summary, one list
// of recommendations per rule and one rewritten prompt, using a single
// LLM call.
type Aggregator struct {
	deps    Dependencies
	opts    EvaluationOptions
	logger  *zap.Logger
	metrics ports.MetricsCollector
}

// NewAggregator creates an Aggregator.
func NewAggregator(deps Dependencies, opts EvaluationOptions) (*Aggregator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()
	return &Aggregator{
		deps:    deps,
		opts:    opts,
		logger:  deps.Logger.Named("aggregator"),
		metrics: deps.Metrics,
	}, nil
}

// Aggregate resolves useCaseID and aggregates req against its rules.
//
// Unknown or missing rule ids fail with a *domain.ValidationError wrapping
// domain.ErrUnknownRuleIDs, and a blank original prompt with one wrapping
// domain.ErrEmptyPrompt. A failed LLM call yields a *domain.UpstreamError
// of kind domain.ErrUpstreamUnavailable; a reply without a usable JSON
// object yields one of kind domain.ErrInvalidUpstreamOutput.
func (a *Aggregator) Aggregate(
	ctx context.Context,
	useCaseID string,
	req domain.AggregationRequest,
) (*domain.AggregationResponse, error) {
	bundle, err := a.deps.Rules.Resolve(ctx, useCaseID)
	if err != nil {
		a.record(useCaseID, "invalid")
		return nil, err
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	stages := a.deps.Sink.Begin(requestID)
	defer closeStageLog(stages, a.logger, requestID)

	resp, _, err := a.aggregate(ctx, bundle, req, stages)
	a.record(useCaseID, aggregationOutcome(err))
	return resp, err
}

// aggregate does the work of Aggregate against an already resolved
// bundle. The boolean reports whether the model supplied its own rewrite.
func (a *Aggregator) aggregate(
	ctx context.Context,
	bundle ports.RuleBundle,
	req domain.AggregationRequest,
	stages ports.StageLog,
) (*domain.AggregationResponse, bool, error) {
	if err := checkFailedIDs(bundle.Rules, req.FailedJSON); err != nil {
		return nil, false, err
	}
	if strings.TrimSpace(req.OriginalPrompt) == "" {
		verr := domain.NewValidationError("original_prompt", domain.ErrEmptyPrompt)
		verr.AddError("Original prompt cannot be empty or contain only whitespace")
		return nil, false, verr
	}

	enriched := make(map[string]map[string]any, len(req.FailedJSON))
	failedIDs := make([]string, 0, len(req.FailedJSON))
	for _, rule := range bundle.Rules.Rules {
		entry, ok := req.FailedJSON[rule.ID]
		if !ok {
			continue
		}
		e := make(map[string]any, len(entry)+3)
		maps.Copy(e, entry)
		e["description"] = rule.Description
		e["threshold"] = rule.Threshold
		e["name"] = rule.Name
		enriched[rule.ID] = e
		failedIDs = append(failedIDs, rule.ID)
	}

	failedJSON, err := json.MarshalIndent(enriched, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode failed verdicts: %w", err)
	}
	stages.Log(StageAggregationReceived, map[string]any{
		"failed_ids":      failedIDs,
		"original_prompt": req.OriginalPrompt,
	})

	prompt, err := a.deps.Renderer.RenderAggregation(string(failedJSON), req.OriginalPrompt)
	if err != nil {
		return nil, false, err
	}
	stages.Log(StageAggregatorTemplate, map[string]any{"filled": prompt})

	callCtx, cancel := withOptionalTimeout(ctx, a.opts.LLMTimeout)
	defer cancel()

	start := time.Now()
	raw, err := a.deps.LLM.Complete(callCtx, prompt, a.opts.completionOptions())
	if err != nil {
		lerr := ports.NewLLMError(a.deps.LLM.GetModel(), "aggregate", err)
		lerr.Elapsed = time.Since(start)
		a.logger.Warn("aggregation call failed",
			zap.Strings("failed_ids", failedIDs),
			zap.Error(lerr))
		return nil, false, domain.NewUpstreamError("aggregate", domain.ErrUpstreamUnavailable, lerr)
	}
	stages.Log(StageLLMRawOutput, map[string]any{"raw": raw})

	payload, err := decodeAggregation(raw)
	if err != nil {
		a.logger.Warn("aggregation reply rejected",
			zap.Int("reply_length", len(raw)),
			zap.Error(err))
		return nil, false, domain.NewUpstreamError("aggregate", domain.ErrInvalidUpstreamOutput, err)
	}

	resp := &domain.AggregationResponse{
		Recommendations: make(map[string][]string, len(req.FailedJSON)),
	}
	resp.AggregatedSummary, _ = payload["aggregated_summary"].(string)

	recs, _ := payload["recommendations"].(map[string]any)
	for id := range req.FailedJSON {
		resp.Recommendations[id] = toStringList(recommendationFor(recs, id))
	}

	rewritten := false
	if s, _ := payload["rephrased_prompt"].(string); strings.TrimSpace(s) != "" {
		resp.RephrasedPrompt = s
		rewritten = true
	} else {
		resp.RephrasedPrompt = req.OriginalPrompt
	}

	stages.Log(StageAggregationParsed, resp)
	return resp, rewritten, nil
}

func (a *Aggregator) record(useCaseID, outcome string) {
	a.metrics.RecordCounter(ports.MetricAggregations, 1, map[string]string{
		"use_case": useCaseID,
		"outcome":  outcome,
	})
}

func aggregationOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, domain.ErrInvalidUpstreamOutput):
		return "invalid_output"
	default:
		return "invalid"
	}
}

// checkFailedIDs rejects an empty request and any id the rule set does
// not define. Offending ids are reported sorted.
func checkFailedIDs(rules *domain.RuleSet, failed map[string]map[string]any) error {
	if len(failed) == 0 {
		verr := domain.NewValidationError("failed_json", domain.ErrUnknownRuleIDs)
		verr.AddError("failed_json must name at least one compliance id")
		return verr
	}

	var unknown []string
	for id := range failed {
		if _, ok := rules.Get(id); !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	slices.Sort(unknown)
	verr := domain.NewValidationError("failed_json", domain.ErrUnknownRuleIDs)
	verr.AddError(fmt.Sprintf("Unknown compliance IDs: %s", strings.Join(unknown, ", ")))
	return verr
}

// decodeAggregation extracts, normalizes and validates the JSON object in
// an aggregator reply.
func decodeAggregation(raw string) (map[string]any, error) {
	obj := extractJSONObject(raw)
	if obj == "" {
		return nil, errors.New("reply contains no JSON object")
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(obj), &decoded); err != nil {
		return nil, fmt.Errorf("reply JSON does not decode: %w", err)
	}

	folded := make(map[string]any, len(decoded))
	for k, v := range decoded {
		folded[foldKey(k)] = v
	}
	normalized := make(map[string]any, len(aggregationFields))
	for _, f := range aggregationFields {
		for _, alias := range f.aliases {
			if v, ok := folded[foldKey(alias)]; ok && v != nil {
				normalized[f.canonical] = v
				break
			}
		}
	}

	if err := aggregationSchema.Validate(any(normalized)); err != nil {
		return nil, fmt.Errorf("reply JSON does not match schema: %w", err)
	}
	return normalized, nil
}

func foldKey(k string) string { return strings.ToLower(strings.TrimSpace(k)) }

// recommendationFor returns the reply's recommendations for id. An exact
// key wins; otherwise keys are compared case-insensitively in sorted order.
func recommendationFor(recs map[string]any, id string) any {
	if v, ok := recs[id]; ok {
		return v
	}
	for _, k := range slices.Sorted(maps.Keys(recs)) {
		if foldKey(k) == foldKey(id) {
			return recs[k]
		}
	}
	return nil
}

// toStringList coerces a recommendation value into a list. A bare string
// becomes a single entry and a missing value an empty list.
func toStringList(v any) []string {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return []string{}
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}
