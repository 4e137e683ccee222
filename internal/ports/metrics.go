package ports

import "time"

// Metric names recorded through MetricsCollector.
const (
	// MetricScans counts finished scans. Labels: use_case, outcome.
	MetricScans = "scans_total"

	// MetricScansInFlight is the number of scans currently evaluating.
	MetricScansInFlight = "scans_in_flight"

	// MetricRuleVerdicts counts per-rule outcomes. Labels: use_case,
	// rule_id, result (passed, failed or error).
	MetricRuleVerdicts = "rule_verdicts_total"

	// MetricRuleLatency is the render, call and parse time of one rule.
	// Labels: use_case, rule_id.
	MetricRuleLatency = "rule_evaluation"

	// MetricAggregations counts aggregation calls. Labels: use_case,
	// outcome.
	MetricAggregations = "aggregations_total"

	// MetricLLMCalls counts provider calls. Labels: provider, model,
	// status.
	MetricLLMCalls = "llm_calls_total"

	// MetricLLMTokens counts estimated prompt and completion tokens.
	// Labels: provider, model, direction.
	MetricLLMTokens = "llm_tokens_total"

	// MetricLLMLatency is the provider call latency. Labels: provider,
	// model.
	MetricLLMLatency = "llm_call"
)

// NopMetrics discards every measurement.
type NopMetrics struct{}

var _ MetricsCollector = NopMetrics{}

func (NopMetrics) RecordLatency(string, time.Duration, map[string]string) {}
func (NopMetrics) RecordCounter(string, float64, map[string]string)       {}
func (NopMetrics) RecordGauge(string, float64, map[string]string)         {}
func (NopMetrics) RecordHistogram(string, float64, map[string]string)     {}
