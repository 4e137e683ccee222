package middleware

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-guardrail/internal/ports"
)

func newTestMetrics(t *testing.T) (*PrometheusMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusMetrics(reg), reg
}

// TestPrometheusMetrics_RecordCounter tests that each ports counter lands
// in its own vector with its labels.
func TestPrometheusMetrics_RecordCounter(t *testing.T) {
	pm, _ := newTestMetrics(t)

	pm.RecordCounter(ports.MetricScans, 1, map[string]string{"use_case": "generic", "outcome": "passed"})
	pm.RecordCounter(ports.MetricScans, 1, map[string]string{"use_case": "generic", "outcome": "passed"})
	pm.RecordCounter(ports.MetricRuleVerdicts, 1, map[string]string{"use_case": "generic", "rule_id": "PC1", "result": "failed"})
	pm.RecordCounter(ports.MetricAggregations, 1, map[string]string{"use_case": "azure_ccc", "outcome": "ok"})
	pm.RecordCounter(ports.MetricLLMCalls, 1, map[string]string{"provider": "azure", "model": "gpt-4", "status": "success"})
	pm.RecordCounter(ports.MetricLLMTokens, 42, map[string]string{"provider": "azure", "model": "gpt-4", "direction": "input"})
	pm.RecordCounter("custom_events", 3, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.scans.WithLabelValues("generic", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.ruleVerdicts.WithLabelValues("generic", "PC1", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.aggregations.WithLabelValues("azure_ccc", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.llmCalls.WithLabelValues("azure", "gpt-4", "success")))
	assert.Equal(t, 42.0, testutil.ToFloat64(pm.llmTokens.WithLabelValues("azure", "gpt-4", "input")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.operations.WithLabelValues("custom_events")))
}

// TestPrometheusMetrics_NegativeCounterIgnored tests that a negative
// increment does not panic.
func TestPrometheusMetrics_NegativeCounterIgnored(t *testing.T) {
	pm, _ := newTestMetrics(t)
	assert.NotPanics(t, func() {
		pm.RecordCounter(ports.MetricScans, -1, map[string]string{"use_case": "generic", "outcome": "passed"})
	})
	assert.Equal(t, 0, testutil.CollectAndCount(pm.scans))
}

// TestPrometheusMetrics_RecordGauge tests the in-flight gauge and the
// generic gauge vector.
func TestPrometheusMetrics_RecordGauge(t *testing.T) {
	pm, _ := newTestMetrics(t)

	pm.RecordGauge(ports.MetricScansInFlight, 3, nil)
	pm.RecordGauge(ports.MetricScansInFlight, 2, nil)
	pm.RecordGauge("rules_loaded", 6, map[string]string{"use_case": "generic"})

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.scansInFlight))
	assert.Equal(t, 6.0, testutil.ToFloat64(pm.gauges.WithLabelValues("rules_loaded")))
}

// TestPrometheusMetrics_RecordLatency tests histogram routing.
func TestPrometheusMetrics_RecordLatency(t *testing.T) {
	pm, reg := newTestMetrics(t)

	pm.RecordLatency(ports.MetricRuleLatency, 1500*time.Millisecond, map[string]string{"use_case": "generic", "rule_id": "PC1"})
	pm.RecordLatency(ports.MetricLLMLatency, 2*time.Second, map[string]string{"provider": "openai", "model": "gpt-4"})
	pm.RecordLatency("template_render", time.Millisecond, nil)
	pm.RecordHistogram("prompt_bytes", 512, nil)

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]uint64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if h := m.GetHistogram(); h != nil {
				counts[mf.GetName()] += h.GetSampleCount()
			}
		}
	}
	assert.Equal(t, uint64(1), counts["guardrail_rule_evaluation_duration_seconds"])
	assert.Equal(t, uint64(1), counts["guardrail_llm_call_duration_seconds"])
	assert.Equal(t, uint64(2), counts["guardrail_operation_duration_seconds"])
}

// TestPrometheusMetrics_Exposition tests the exported names and help text.
func TestPrometheusMetrics_Exposition(t *testing.T) {
	pm, reg := newTestMetrics(t)
	pm.RecordCounter(ports.MetricScans, 1, map[string]string{"use_case": "generic", "outcome": "failed"})

	expected := `
# HELP guardrail_scans_total Scans completed, by use case and outcome.
# TYPE guardrail_scans_total counter
guardrail_scans_total{outcome="failed",use_case="generic"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "guardrail_scans_total"))
}

// TestNewPrometheusMetrics_SeparateRegistries tests that two instances can
// coexist on different registries.
func TestNewPrometheusMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusMetrics(prometheus.NewRegistry())
		NewPrometheusMetrics(prometheus.NewRegistry())
	})
}
