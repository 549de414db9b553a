package reporter

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbclient/gocbcore/internal/logger"
)

// captureLog points the package logger at a buffer for the duration
// of one test and returns it.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, "warn", "json", false)
	t.Cleanup(func() { logger.InitWithWriter(&bytes.Buffer{}, "error", "json", false) })
	return &buf
}

// extractReport pulls the embedded report document out of the last
// emitted log line.
func extractReport(t *testing.T, logged string) map[string]struct {
	TotalCount  uint64       `json:"total_count"`
	TopRequests []SpanRecord `json:"top_requests"`
} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(logged), "\n")
	require.NotEmpty(t, lines)

	var entry struct {
		Report string `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	require.NotEmpty(t, entry.Report)

	var doc map[string]struct {
		TotalCount  uint64       `json:"total_count"`
		TopRequests []SpanRecord `json:"top_requests"`
	}
	require.NoError(t, json.Unmarshal([]byte(entry.Report), &doc))
	return doc
}

func kvSpan(micros uint64) SpanRecord {
	return SpanRecord{
		Service:       "kv",
		OperationName: "get",
		OperationID:   "0x0000002a",
		TotalMicros:   micros,
	}
}

func TestOrphanReporter_BoundedTopN(t *testing.T) {
	buf := captureLog(t)

	r := NewOrphanReporter(Options{SampleSize: 4, EmitInterval: time.Hour})
	for _, us := range []uint64{100, 200, 300, 400, 500, 600} {
		r.AddOrphan(kvSpan(us))
	}
	r.Close()

	doc := extractReport(t, buf.String())
	kv, ok := doc["kv"]
	require.True(t, ok)
	assert.Equal(t, uint64(6), kv.TotalCount)
	require.Len(t, kv.TopRequests, 4)

	got := make([]uint64, 0, 4)
	for _, rec := range kv.TopRequests {
		got = append(got, rec.TotalMicros)
	}
	assert.Equal(t, []uint64{600, 500, 400, 300}, got)
}

func TestOrphanReporter_IgnoresNonKV(t *testing.T) {
	buf := captureLog(t)

	r := NewOrphanReporter(Options{SampleSize: 4, EmitInterval: time.Hour})
	r.AddOrphan(SpanRecord{Service: "query", TotalMicros: 100})
	r.Close()

	assert.Empty(t, strings.TrimSpace(buf.String()))
}

func TestOrphanReporter_EmptyEmitsNothing(t *testing.T) {
	buf := captureLog(t)

	r := NewOrphanReporter(Options{SampleSize: 4, EmitInterval: 10 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)
	r.Close()

	assert.Empty(t, strings.TrimSpace(buf.String()))
}

func TestThresholdReporter_OnlySlowSpansReported(t *testing.T) {
	buf := captureLog(t)

	r := NewThresholdReporter(ThresholdOptions{
		Default:    Options{SampleSize: 8, EmitInterval: time.Hour},
		Thresholds: map[string]time.Duration{"kv": time.Millisecond},
	})
	r.RecordSpan(kvSpan(500))    // 0.5ms, under threshold
	r.RecordSpan(kvSpan(2_000))  // 2ms, over
	r.RecordSpan(kvSpan(30_000)) // 30ms, over
	r.Close()

	doc := extractReport(t, buf.String())
	kv, ok := doc["kv"]
	require.True(t, ok)
	assert.Equal(t, uint64(2), kv.TotalCount)
	require.Len(t, kv.TopRequests, 2)
	assert.Equal(t, uint64(30_000), kv.TopRequests[0].TotalMicros)
}

func TestThresholdReporter_PerServiceSampleSize(t *testing.T) {
	buf := captureLog(t)

	r := NewThresholdReporter(ThresholdOptions{
		Default:    Options{SampleSize: 8, EmitInterval: time.Hour},
		Thresholds: map[string]time.Duration{"query": time.Millisecond},
		PerService: map[string]Options{"query": {SampleSize: 2, EmitInterval: time.Hour}},
	})
	for _, us := range []uint64{10_000, 20_000, 30_000} {
		r.RecordSpan(SpanRecord{Service: "query", OperationName: "query", TotalMicros: us})
	}
	r.Close()

	doc := extractReport(t, buf.String())
	q, ok := doc["query"]
	require.True(t, ok)
	assert.Equal(t, uint64(3), q.TotalCount)
	assert.Len(t, q.TopRequests, 2)
}

func TestThresholdReporter_CloseIsIdempotent(t *testing.T) {
	captureLog(t)
	r := NewThresholdReporter(ThresholdOptions{})
	r.Close()
	r.Close()
}
