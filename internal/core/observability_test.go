package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	if !strings.HasPrefix(rec.Name(), "replay_engine_metrics_") {
		t.Fatalf("unexpected name %q", rec.Name())
	}
	ctx := context.Background()
	rec.Observe(ctx, "save", true, 3*time.Millisecond)
	rec.Observe(ctx, "save", false, 2*time.Millisecond)
	rec.Observe(ctx, "", true, time.Second)
	rec.Add(ctx, EventPlaybackFrame, 2)
	rec.Add(ctx, "", 1)

	snap := rec.Snapshot()
	if snap.DurationsMS["save"] != 5 {
		t.Fatalf("expected 5ms total, got %v", snap.DurationsMS)
	}
	if snap.Results["save"]["success"] != 1 || snap.Results["save"]["error"] != 1 {
		t.Fatalf("unexpected results %v", snap.Results)
	}
	if snap.Counters[EventPlaybackFrame] != 2 || len(snap.Counters) != 1 {
		t.Fatalf("unexpected counters %v", snap.Counters)
	}
	v := expvar.Get(rec.Name())
	if v == nil || !strings.Contains(v.String(), "durations_ms_total") {
		t.Fatalf("recorder not published: %v", v)
	}
}

func TestJSONTracerWritesAndBoundsEntries(t *testing.T) {
	var buf bytes.Buffer
	tracer := newJSONTracer(&buf, 2)
	ctx := context.Background()
	for _, op := range []string{"a", "b", "c"} {
		_, span := tracer.Start(ctx, op)
		var err error
		if op == "c" {
			err = errors.New("boom")
		}
		span.End(err)
	}
	entries := tracer.Entries()
	if len(entries) != 2 || entries[0].Operation != "b" || entries[1].Status != "error" || entries[1].Error != "boom" || entries[1].Seq != 3 {
		t.Fatalf("unexpected retained entries %+v", entries)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected every span written, got %d lines", len(lines))
	}
	var first JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil || first.Operation != "a" {
		t.Fatalf("unexpected first line %q: %v", lines[0], err)
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	rec.Observe(ctx, "load", true, 10*time.Millisecond)
	rec.Observe(ctx, "load", false, time.Millisecond)
	rec.Add(ctx, EventReplayScreen, 3)
	rec.Add(ctx, EventReplayScreen, -1)

	if got := testutil.ToFloat64(rec.results.WithLabelValues("load", "success")); got != 1 {
		t.Fatalf("expected one success, got %v", got)
	}
	if got := testutil.ToFloat64(rec.events.WithLabelValues(EventReplayScreen)); got != 3 {
		t.Fatalf("expected 3 screen events, got %v", got)
	}
	if n := testutil.CollectAndCount(rec.durations); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestMultiMetricsSkipsNil(t *testing.T) {
	a, b := &captureMetricsRecorder{}, &captureMetricsRecorder{}
	m := MultiMetrics(a, nil, b)
	m.Observe(context.Background(), "op", true, 0)
	m.Add(context.Background(), "c", 1)
	if !a.has("op", true) || !b.has("op", true) || a.counter("c") != 1 || b.counter("c") != 1 {
		t.Fatalf("fan-out incomplete")
	}
}

func TestBroadcasterDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster()
	drops := 0
	b.OnDrop(func() { drops++ })
	slow, cancelSlow := b.Subscribe(1)
	fast, cancelFast := b.Subscribe(4)

	for i := 0; i < 3; i++ {
		b.Notify(Notification{Event: EventPlaybackFrame, Payload: map[string]any{"frame": i}})
	}
	if b.Dropped() != 2 || drops != 2 {
		t.Fatalf("expected 2 drops, got %d/%d", b.Dropped(), drops)
	}
	if n := <-slow; n.Payload["frame"] != 0 {
		t.Fatalf("slow subscriber should keep the oldest, got %v", n.Payload)
	}
	if len(fast) != 3 {
		t.Fatalf("fast subscriber missed notifications: %d", len(fast))
	}

	cancelSlow()
	cancelSlow()
	if b.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Subscribers())
	}
	if _, ok := <-slow; ok {
		t.Fatalf("cancelled channel still open")
	}

	b.Close()
	for range fast {
	}
	cancelFast()
	b.Notify(Notification{Event: EventPlaybackFrame})
	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("subscribe after close should yield a closed channel")
	}
}
