// Package middleware provides the observability backends for the guardrail
// service: a Prometheus MetricsCollector and the OpenTelemetry tracer
// bootstrap.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/go-guardrail/internal/ports"
)

const namespace = "guardrail"

// PrometheusMetrics implements ports.MetricsCollector using Prometheus.
// Each ports metric name maps to a dedicated vector; names it does not
// know fall through to a generic operations counter so no observation is
// lost.
type PrometheusMetrics struct {
	scans         *prometheus.CounterVec
	scansInFlight prometheus.Gauge
	ruleVerdicts  *prometheus.CounterVec
	ruleLatency   *prometheus.HistogramVec
	aggregations  *prometheus.CounterVec
	llmCalls      *prometheus.CounterVec
	llmTokens     *prometheus.CounterVec
	llmLatency    *prometheus.HistogramVec

	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	gauges           *prometheus.GaugeVec
}

// LLM calls routinely take tens of seconds.
var llmBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// NewPrometheusMetrics creates the metric vectors and registers them with
// reg. Pass prometheus.DefaultRegisterer to expose them on the default
// /metrics handler.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		scans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      ports.MetricScans,
			Help:      "Scans completed, by use case and outcome.",
		}, []string{"use_case", "outcome"}),
		scansInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      ports.MetricScansInFlight,
			Help:      "Scans currently evaluating rules.",
		}),
		ruleVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      ports.MetricRuleVerdicts,
			Help:      "Per-rule verdicts, by use case, rule and result.",
		}, []string{"use_case", "rule_id", "result"}),
		ruleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      ports.MetricRuleLatency + "_duration_seconds",
			Help:      "Time to render, call and parse one rule.",
			Buckets:   llmBuckets,
		}, []string{"use_case", "rule_id"}),
		aggregations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      ports.MetricAggregations,
			Help:      "Aggregation calls, by use case and outcome.",
		}, []string{"use_case", "outcome"}),
		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      ports.MetricLLMCalls,
			Help:      "LLM provider calls, by provider, model and status.",
		}, []string{"provider", "model", "status"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      ports.MetricLLMTokens,
			Help:      "LLM tokens, by provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
		llmLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      ports.MetricLLMLatency + "_duration_seconds",
			Help:      "LLM provider call latency.",
			Buckets:   llmBuckets,
		}, []string{"provider", "model"}),

		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Counters recorded under names without a dedicated metric.",
		}, []string{"operation"}),
		operationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latencies and histograms recorded under names without a dedicated metric.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		gauges: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Gauges recorded under names without a dedicated metric.",
		}, []string{"metric"}),
	}
}

// RecordLatency implements ports.MetricsCollector.
func (pm *PrometheusMetrics) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	switch operation {
	case ports.MetricRuleLatency:
		pm.ruleLatency.WithLabelValues(labels["use_case"], labels["rule_id"]).Observe(duration.Seconds())
	case ports.MetricLLMLatency:
		pm.llmLatency.WithLabelValues(labels["provider"], labels["model"]).Observe(duration.Seconds())
	default:
		pm.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordCounter implements ports.MetricsCollector.
func (pm *PrometheusMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	if value < 0 {
		// Prometheus counters panic on negative increments.
		return
	}

	switch metric {
	case ports.MetricScans:
		pm.scans.WithLabelValues(labels["use_case"], labels["outcome"]).Add(value)
	case ports.MetricRuleVerdicts:
		pm.ruleVerdicts.WithLabelValues(labels["use_case"], labels["rule_id"], labels["result"]).Add(value)
	case ports.MetricAggregations:
		pm.aggregations.WithLabelValues(labels["use_case"], labels["outcome"]).Add(value)
	case ports.MetricLLMCalls:
		pm.llmCalls.WithLabelValues(labels["provider"], labels["model"], labels["status"]).Add(value)
	case ports.MetricLLMTokens:
		pm.llmTokens.WithLabelValues(labels["provider"], labels["model"], labels["direction"]).Add(value)
	default:
		pm.operations.WithLabelValues(metric).Add(value)
	}
}

// RecordGauge implements ports.MetricsCollector.
func (pm *PrometheusMetrics) RecordGauge(metric string, value float64, _ map[string]string) {
	switch metric {
	case ports.MetricScansInFlight:
		pm.scansInFlight.Set(value)
	default:
		pm.gauges.WithLabelValues(metric).Set(value)
	}
}

// RecordHistogram implements ports.MetricsCollector.
func (pm *PrometheusMetrics) RecordHistogram(metric string, value float64, _ map[string]string) {
	pm.operationLatency.WithLabelValues(metric).Observe(value)
}

var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)
