package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"replaycore/internal/blob"
	"replaycore/pkg/domain"
)

func TestPlaybackStreamsEveryFrame(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	name := mustSaveEpisodes(t, te.blob, "demo", steps(12), steps(13))

	st, err := te.StartPlayback(ctx, "demo")
	if err != nil {
		t.Fatalf("start playback: %v", err)
	}
	if !st.Playing || st.Filename != name || st.RunID == "" {
		t.Fatalf("unexpected playback state %+v", st)
	}
	done := te.notes.waitFor(t, EventPlaybackStatus, PlaybackCompleted)
	if payloadInt(t, done, "frames") != 25 {
		t.Fatalf("expected 25 frames, got %v", done.Payload)
	}

	frames := te.notes.byEvent(EventPlaybackFrame)
	if len(frames) != 25 {
		t.Fatalf("expected 25 frame notifications, got %d", len(frames))
	}
	for i, f := range frames {
		if payloadInt(t, f, "frame") != i+1 || payloadInt(t, f, "total") != 25 {
			t.Fatalf("frame %d out of order: %v", i, f.Payload)
		}
	}
	last := frames[24]
	if payloadInt(t, last, "episode") != 1 || payloadInt(t, last, "step") != 12 {
		t.Fatalf("unexpected last frame %v", last.Payload)
	}
	if screen, ok := last.Payload["screen"].(domain.Screen); !ok || screen.ScreenID != "ep1_step12" {
		t.Fatalf("expected screen payload, got %#v", last.Payload["screen"])
	}

	var progress []int
	var sawStart bool
	for _, n := range te.notes.byEvent(EventPlaybackStatus) {
		switch n.Payload["status"] {
		case PlaybackStarted:
			sawStart = true
		case PlaybackProgress:
			progress = append(progress, payloadInt(t, n, "frame"))
		}
	}
	if !sawStart {
		t.Fatalf("missing started notification")
	}
	if len(progress) != 2 || progress[0] != 10 || progress[1] != 20 {
		t.Fatalf("expected progress at frames 10 and 20, got %v", progress)
	}
	waitIdle(t, te.Engine)
}

func TestPlaybackMissingFile(t *testing.T) {
	te := newTestEngine(t)
	if _, err := te.StartPlayback(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !te.metrics.has("start_playback", false) || !te.tracer.has("start_playback", false) {
		t.Fatalf("expected failed start_playback to be instrumented")
	}
	if te.Status(context.Background()).Playback.Playing {
		t.Fatalf("failed start left playback active")
	}
}

func TestStopPlaybackEmitsNoFrameAfterStopped(t *testing.T) {
	te := newTestEngine(t, func(d *Dependencies) { d.PlaybackDelay = 20 * time.Millisecond })
	ctx := context.Background()
	mustSaveEpisodes(t, te.blob, "long", steps(500))

	if _, err := te.StartPlayback(ctx, "long"); err != nil {
		t.Fatalf("start: %v", err)
	}
	te.notes.waitFor(t, EventPlaybackFrame, "")
	stopped, err := te.StopPlayback(ctx)
	if err != nil || !stopped {
		t.Fatalf("stop: %v %v", stopped, err)
	}
	te.notes.waitFor(t, EventPlaybackStatus, PlaybackStopped)
	time.Sleep(60 * time.Millisecond)

	seenStop := false
	for _, n := range te.notes.all() {
		if n.Event == EventPlaybackStatus && n.Payload["status"] == PlaybackStopped {
			seenStop = true
			continue
		}
		if seenStop && n.Event == EventPlaybackFrame {
			t.Fatalf("frame notification after stopped: %v", n.Payload)
		}
	}
	if len(te.notes.byEvent(EventPlaybackFrame)) >= 500 {
		t.Fatalf("playback ran to completion despite stop")
	}
	if st := te.Status(ctx).Playback; st.Playing {
		t.Fatalf("playback flag not reset: %+v", st)
	}
	if again, _ := te.StopPlayback(ctx); again {
		t.Fatalf("second stop should report nothing active")
	}
}

func TestStartPlaybackSupersedesActive(t *testing.T) {
	te := newTestEngine(t, func(d *Dependencies) { d.PlaybackDelay = 20 * time.Millisecond })
	ctx := context.Background()
	mustSaveEpisodes(t, te.blob, "first", steps(500))
	mustSaveEpisodes(t, te.blob, "second", steps(2))

	first, err := te.StartPlayback(ctx, "first")
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	second, err := te.StartPlayback(ctx, "second")
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	if first.RunID == second.RunID {
		t.Fatalf("expected a new run id")
	}
	done := te.notes.waitFor(t, EventPlaybackStatus, PlaybackCompleted)
	if done.Payload["runId"] != second.RunID {
		t.Fatalf("completed notification from wrong run: %v", done.Payload)
	}
	var firstStopped bool
	for _, n := range te.notes.byEvent(EventPlaybackStatus) {
		if n.Payload["runId"] == first.RunID && n.Payload["status"] == PlaybackStopped {
			firstStopped = true
		}
	}
	if !firstStopped {
		t.Fatalf("superseded playback did not report stopped")
	}
	waitIdle(t, te.Engine)
}

func TestPlaybackCorruptFileReportsError(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	if _, err := te.blob.Put(ctx, "bad.json", strings.NewReader("{oops"), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := te.StartPlayback(ctx, "bad.json"); err != nil {
		t.Fatalf("start: %v", err)
	}
	n := te.notes.waitFor(t, EventPlaybackStatus, PlaybackError)
	if msg, _ := n.Payload["message"].(string); msg == "" {
		t.Fatalf("expected error message, got %v", n.Payload)
	}
	waitIdle(t, te.Engine)
}

func TestPlaybackSpeedAndDelay(t *testing.T) {
	p := newPlayer(nil, func(string, map[string]any) {}, nil, 50*time.Millisecond, 0)
	if got := p.SetSpeed(100); got != 10 {
		t.Fatalf("expected clamp to 10, got %v", got)
	}
	if got := p.frameDelay(domain.Experience{}); got != 5*time.Millisecond {
		t.Fatalf("expected 5ms at 10x, got %v", got)
	}
	if got := p.SetSpeed(0); got != 0.1 {
		t.Fatalf("expected clamp to 0.1, got %v", got)
	}
	p.SetSpeed(2)
	exp := domain.Experience{Metadata: map[string]any{"delay_ms": 100.0}}
	if got := p.frameDelay(exp); got != 50*time.Millisecond {
		t.Fatalf("expected declared delay halved, got %v", got)
	}
	if st := p.State(); st.Playing || st.Speed != 2 {
		t.Fatalf("unexpected idle state %+v", st)
	}
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := e.Status(context.Background())
		if !st.Playback.Playing && !st.Training.Training {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("engine did not go idle")
}
