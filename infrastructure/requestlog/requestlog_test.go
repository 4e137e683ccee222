package requestlog

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestFileSink_WritesRecord verifies a closed log is written with every
// stage in order.
func TestFileSink_WritesRecord(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, zap.NewNop())
	require.NoError(t, err)

	log := sink.Begin("req-1")
	log.Log("request_received", map[string]any{"prompt": "hi"})
	log.Log("result_PC1", map[string]any{"passed": false})
	log.Log("final", map[string]any{"failed_ids": []string{"PC1"}})
	require.NoError(t, log.Close())
	log.Log("late", "dropped")

	sink.Close()

	data, err := os.ReadFile(sink.Path("req-1"))
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "req-1", rec.RequestID)
	assert.False(t, rec.Timestamp.IsZero())

	names := make([]string, len(rec.Stages))
	for i, s := range rec.Stages {
		names[i] = s.Stage
	}
	assert.Equal(t, []string{"request_received", "result_PC1", "final"}, names)
	assert.JSONEq(t, `{"prompt":"hi"}`, string(rec.Stages[0].Data))
}

// TestFileSink_ConcurrentStages verifies stages logged from parallel
// goroutines are all kept.
func TestFileSink_ConcurrentStages(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), nil)
	require.NoError(t, err)

	log := sink.Begin("req-2")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.Log("result", i)
		}(i)
	}
	wg.Wait()
	require.NoError(t, log.Close())
	sink.Close()

	data, err := os.ReadFile(sink.Path("req-2"))
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Len(t, rec.Stages, 20)
}

// TestFileSink_CloseDuringEnqueue verifies that every log closed while the
// sink shuts down is either written or reported as dropped.
func TestFileSink_CloseDuringEnqueue(t *testing.T) {
	const n = 50
	dir := t.TempDir()
	core, logs := observer.New(zapcore.WarnLevel)
	sink, err := NewFileSink(dir, zap.New(core))
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log := sink.Begin(fmt.Sprintf("req-%d", i))
			log.Log("final", i)
			<-start
			assert.NoError(t, log.Close())
		}(i)
	}
	close(start)
	sink.Close()
	wg.Wait()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	dropped := logs.FilterMessage("request log closed, dropping record").Len()
	assert.Equal(t, n, len(entries)+dropped)
}

// TestFileSink_ClosedSinkDropsRecords verifies a log closed after the sink
// is reported and never written.
func TestFileSink_ClosedSinkDropsRecords(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink, err := NewFileSink(t.TempDir(), zap.New(core))
	require.NoError(t, err)

	log := sink.Begin("late")
	log.Log("final", "x")
	sink.Close()
	require.NoError(t, log.Close())

	assert.Equal(t, 1, logs.FilterMessage("request log closed, dropping record").Len())
	assert.NoFileExists(t, sink.Path("late"))
}

// TestFileSink_UnencodableStage verifies a stage that cannot be encoded
// is recorded as an error note instead of failing the request.
func TestFileSink_UnencodableStage(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink, err := NewFileSink(t.TempDir(), zap.New(core))
	require.NoError(t, err)

	log := sink.Begin("req-3")
	log.Log("bad", math.Inf(1))
	require.NoError(t, log.Close())
	sink.Close()

	assert.Equal(t, 1, logs.FilterMessage("failed to encode stage").Len())

	data, err := os.ReadFile(sink.Path("req-3"))
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Len(t, rec.Stages, 1)
	assert.Contains(t, string(rec.Stages[0].Data), "encode_error")
}

// TestFileSink_PathStaysInDir verifies request ids cannot escape the log
// directory.
func TestFileSink_PathStaysInDir(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, nil)
	require.NoError(t, err)
	defer sink.Close()

	assert.Equal(t, dir+"/request_passwd.json", sink.Path("../../etc/passwd"))
}

// TestLogSink verifies stages are emitted as debug lines tagged with the
// request id.
func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	log := sink.Begin("req-4")
	log.Log("final", map[string]any{"failed_ids": []string{}})
	require.NoError(t, log.Close())

	entries := logs.FilterMessage("request_stage").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-4", fields["request_id"])
	assert.Equal(t, "final", fields["stage"])
}
