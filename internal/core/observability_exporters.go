package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

func outcome(success bool) string {
	if success {
		return outcomeSuccess
	}
	return outcomeError
}

var expvarSeq atomic.Uint64

type opTotals struct {
	ms     float64
	ok     int64
	failed int64
}

// ExpvarMetricsRecorder publishes engine operation timings, outcomes and event
// counters (frames streamed, notifications dropped, experiences injected) under
// /debug/vars. Durations are totals in milliseconds per operation.
type ExpvarMetricsRecorder struct {
	name string

	mu       sync.Mutex
	ops      map[string]*opTotals
	counters map[string]float64
}

// ExpvarMetricsSnapshot is the JSON document served for the recorder.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	Counters    map[string]float64          `json:"counters"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a generated
// replay_engine_metrics_<n> name when name is empty. expvar names are global, so
// a fixed name may only be used once per process.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("replay_engine_metrics_%d", expvarSeq.Add(1))
	}
	rec := &ExpvarMetricsRecorder{
		name:     name,
		ops:      make(map[string]*opTotals),
		counters: make(map[string]float64),
	}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name is the expvar key.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot copies the current totals.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := ExpvarMetricsSnapshot{
		DurationsMS: make(map[string]float64, len(r.ops)),
		Results:     make(map[string]map[string]int64, len(r.ops)),
		Counters:    maps.Clone(r.counters),
		RecordedAt:  time.Now().UTC(),
	}
	for op, tot := range r.ops {
		snap.DurationsMS[op] = tot.ms
		results := make(map[string]int64, 2)
		if tot.ok > 0 {
			results[outcomeSuccess] = tot.ok
		}
		if tot.failed > 0 {
			results[outcomeError] = tot.failed
		}
		snap.Results[op] = results
	}
	return snap
}

// Observe implements MetricsRecorder. Unnamed operations are ignored.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tot, ok := r.ops[operation]
	if !ok {
		tot = &opTotals{}
		r.ops[operation] = tot
	}
	tot.ms += float64(duration) / float64(time.Millisecond)
	if success {
		tot.ok++
	} else {
		tot.failed++
	}
}

// Add implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Add(_ context.Context, counter string, delta float64) {
	if counter == "" {
		return
	}
	r.mu.Lock()
	r.counters[counter] += delta
	r.mu.Unlock()
}

// JSONTraceEntry is one finished span. Seq numbers spans in end order.
type JSONTraceEntry struct {
	Seq        uint64    `json:"seq"`
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes finished spans as JSON lines and keeps the most recent
// ones in a fixed ring for /debug/traces.
type JSONTraceTracer struct {
	mu   sync.Mutex
	enc  *json.Encoder
	ring []JSONTraceEntry
	next int
	seq  uint64
}

const defaultTraceRetention = 1024

// NewJSONTracer returns a tracer writing to w. A nil w only retains spans.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	return newJSONTracer(w, defaultTraceRetention)
}

func newJSONTracer(w io.Writer, retain int) *JSONTraceTracer {
	t := &JSONTraceTracer{ring: make([]JSONTraceEntry, 0, max(retain, 1))}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns the retained spans, oldest first.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, 0, len(t.ring))
	if len(t.ring) < cap(t.ring) {
		return append(out, t.ring...)
	}
	out = append(out, t.ring[t.next:]...)
	return append(out, t.ring[:t.next]...)
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

func (t *JSONTraceTracer) record(entry JSONTraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	entry.Seq = t.seq
	if len(t.ring) < cap(t.ring) {
		t.ring = append(t.ring, entry)
	} else {
		t.ring[t.next] = entry
		t.next = (t.next + 1) % len(t.ring)
	}
	if t.enc != nil {
		_ = t.enc.Encode(entry)
	}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	ended := time.Now().UTC()
	entry := JSONTraceEntry{
		Operation:  s.operation,
		Status:     outcome(err == nil),
		DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
		StartedAt:  s.started,
		EndedAt:    ended,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.tracer.record(entry)
}
