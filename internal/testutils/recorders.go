package testutils

import (
	"sort"
	"sync"
	"time"

	"github.com/ahrav/go-guardrail/internal/ports"
)

// RecordingSink is a StageSink that keeps every logged stage in memory.
type RecordingSink struct {
	mu     sync.Mutex
	logs   map[string]*RecordingLog
	opened []string
}

// NewRecordingSink creates an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{logs: make(map[string]*RecordingLog)}
}

// Begin implements ports.StageSink.
func (s *RecordingSink) Begin(requestID string) ports.StageLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &RecordingLog{stages: make(map[string]any)}
	s.logs[requestID] = l
	s.opened = append(s.opened, requestID)
	return l
}

// Log returns the log opened for requestID, or nil.
func (s *RecordingSink) Log(requestID string) *RecordingLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[requestID]
}

// RequestIDs returns the ids passed to Begin, in call order.
func (s *RecordingSink) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

// RecordingLog is the StageLog handed out by RecordingSink.
type RecordingLog struct {
	mu     sync.Mutex
	stages map[string]any
	closed bool
}

// Log implements ports.StageLog.
func (l *RecordingLog) Log(stage string, data any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.stages[stage] = data
}

// Close implements ports.StageLog.
func (l *RecordingLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Stage returns the data logged under stage.
func (l *RecordingLog) Stage(stage string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.stages[stage]
	return v, ok
}

// Stages returns the logged stage names, sorted.
func (l *RecordingLog) Stages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.stages))
	for k := range l.stages {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Closed reports whether Close was called.
func (l *RecordingLog) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// MetricRecord is one observation captured by RecordingMetrics.
type MetricRecord struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// RecordingMetrics is a MetricsCollector that keeps every observation.
type RecordingMetrics struct {
	mu         sync.Mutex
	counters   []MetricRecord
	gauges     []MetricRecord
	latencies  []MetricRecord
	histograms []MetricRecord
}

var (
	_ ports.MetricsCollector = (*RecordingMetrics)(nil)
	_ ports.StageSink        = (*RecordingSink)(nil)
)

// RecordLatency implements ports.MetricsCollector. Durations are stored
// in seconds.
func (m *RecordingMetrics) RecordLatency(op string, d time.Duration, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, MetricRecord{Name: op, Value: d.Seconds(), Labels: labels})
}

// RecordCounter implements ports.MetricsCollector.
func (m *RecordingMetrics) RecordCounter(name string, v float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, MetricRecord{Name: name, Value: v, Labels: labels})
}

// RecordGauge implements ports.MetricsCollector.
func (m *RecordingMetrics) RecordGauge(name string, v float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, MetricRecord{Name: name, Value: v, Labels: labels})
}

// RecordHistogram implements ports.MetricsCollector.
func (m *RecordingMetrics) RecordHistogram(name string, v float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, MetricRecord{Name: name, Value: v, Labels: labels})
}

// Counters returns the counter observations named name.
func (m *RecordingMetrics) Counters(name string) []MetricRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterRecords(m.counters, name)
}

// Gauges returns the gauge observations named name.
func (m *RecordingMetrics) Gauges(name string) []MetricRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterRecords(m.gauges, name)
}

// Latencies returns the latency observations named name.
func (m *RecordingMetrics) Latencies(name string) []MetricRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterRecords(m.latencies, name)
}

func filterRecords(records []MetricRecord, name string) []MetricRecord {
	var out []MetricRecord
	for _, r := range records {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}
