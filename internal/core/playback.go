package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"replaycore/pkg/domain"
)

// Playback status values carried by playback_status notifications.
const (
	PlaybackStarted   = "started"
	PlaybackProgress  = "progress"
	PlaybackCompleted = "completed"
	PlaybackStopped   = "stopped"
	PlaybackError     = "error"
)

const (
	// DefaultFrameDelay paces frames that declare no delay_ms of their own.
	DefaultFrameDelay = 50 * time.Millisecond
	// DefaultStopTimeout bounds how long Stop waits for a background task.
	DefaultStopTimeout = time.Second

	minPlaybackSpeed = 0.1
	maxPlaybackSpeed = 10.0
	progressEvery    = 10
	delayKey         = "delay_ms"
)

type emitFunc func(event string, payload map[string]any)

// replaySource is the slice of Archive the background drivers read through.
type replaySource interface {
	Exists(ctx context.Context, filename string) (bool, error)
	Read(ctx context.Context, filename string) (domain.ReplayFile, error)
}

// PlaybackState reports the active playback, if any.
type PlaybackState struct {
	Playing  bool    `json:"playing"`
	RunID    string  `json:"runId,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Speed    float64 `json:"speed"`
}

type playbackRun struct {
	id       string
	filename string
	cancel   context.CancelFunc
	done     chan struct{}
}

// Player streams a stored replay frame by frame on a background goroutine. At
// most one playback is active; starting another supersedes it.
type Player struct {
	src         replaySource
	emit        emitFunc
	log         *slog.Logger
	baseDelay   time.Duration
	stopTimeout time.Duration

	startMu sync.Mutex
	mu      sync.Mutex
	run     *playbackRun
	speed   float64
}

func newPlayer(src replaySource, emit emitFunc, logger *slog.Logger, baseDelay, stopTimeout time.Duration) *Player {
	if baseDelay <= 0 {
		baseDelay = DefaultFrameDelay
	}
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Player{src: src, emit: emit, log: logger, baseDelay: baseDelay, stopTimeout: stopTimeout, speed: 1}
}

// Start begins streaming filename. A missing replay fails with
// domain.ErrNotFound before anything is stopped. The returned state describes
// the new run; frames follow as notifications.
func (p *Player) Start(ctx context.Context, filename string) (PlaybackState, error) {
	ok, err := p.src.Exists(ctx, filename)
	if err != nil {
		return PlaybackState{}, err
	}
	if !ok {
		return PlaybackState{}, fmt.Errorf("%w: %s", domain.ErrNotFound, filename)
	}

	p.startMu.Lock()
	defer p.startMu.Unlock()
	if _, err := p.Stop(ctx); err != nil {
		p.log.Warn("previous playback did not stop in time", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &playbackRun{id: uuid.NewString(), filename: filename, cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	p.run = run
	speed := p.speed
	p.mu.Unlock()

	go p.loop(runCtx, run)
	return PlaybackState{Playing: true, RunID: run.id, Filename: filename, Speed: speed}, nil
}

// Stop cancels the active playback and waits up to the stop timeout for it to
// exit. It reports whether a playback was active.
func (p *Player) Stop(ctx context.Context) (bool, error) {
	p.mu.Lock()
	run := p.run
	p.mu.Unlock()
	if run == nil {
		return false, nil
	}
	run.cancel()
	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-run.done:
		return true, nil
	case <-timer.C:
		return true, fmt.Errorf("playback %s still draining after %s", run.id, p.stopTimeout)
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// SetSpeed sets the frame-rate multiplier, clamped to [0.1, 10], and returns
// the applied value. It takes effect from the next frame.
func (p *Player) SetSpeed(multiplier float64) float64 {
	multiplier = min(max(multiplier, minPlaybackSpeed), maxPlaybackSpeed)
	p.mu.Lock()
	p.speed = multiplier
	p.mu.Unlock()
	return multiplier
}

// State reports the active playback.
func (p *Player) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PlaybackState{Speed: p.speed}
	if p.run != nil {
		st.Playing = true
		st.RunID = p.run.id
		st.Filename = p.run.filename
	}
	return st
}

func (p *Player) loop(ctx context.Context, run *playbackRun) {
	defer close(run.done)
	defer p.clear(run)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("playback panicked", "run_id", run.id, "filename", run.filename, "panic", r)
			p.status(run, PlaybackError, map[string]any{"message": fmt.Sprintf("%v: %v", domain.ErrInternalFault, r)})
		}
	}()

	file, err := p.src.Read(ctx, run.filename)
	if err != nil && ctx.Err() != nil {
		p.stopped(run, 0, 0)
		return
	}
	if err != nil {
		p.log.Error("playback read failed", "run_id", run.id, "filename", run.filename, "error", err)
		p.status(run, PlaybackError, map[string]any{"message": err.Error()})
		return
	}
	total := domain.TotalSteps(file.Episodes)
	p.log.Info("playback started", "run_id", run.id, "filename", run.filename, "frames", total)
	p.status(run, PlaybackStarted, map[string]any{"total": total})

	frame := 0
	for ei, ep := range file.Episodes {
		for si, exp := range ep {
			if ctx.Err() != nil {
				p.stopped(run, frame, total)
				return
			}
			frame++
			id := domain.ScreenID(ei, si)
			p.emit(EventPlaybackFrame, map[string]any{
				"runId":    run.id,
				"filename": run.filename,
				"frame":    frame,
				"total":    total,
				"episode":  ei,
				"step":     si,
				"screen":   BuildScreen(id, ei, si, exp),
			})
			if frame%progressEvery == 0 {
				p.status(run, PlaybackProgress, map[string]any{
					"frame":      frame,
					"total":      total,
					"percentage": float64(frame) * 100 / float64(total),
				})
			}
			if !sleepCtx(ctx, p.frameDelay(exp)) {
				p.stopped(run, frame, total)
				return
			}
		}
	}
	p.log.Info("playback completed", "run_id", run.id, "filename", run.filename, "frames", frame)
	p.status(run, PlaybackCompleted, map[string]any{"frames": frame, "total": total})
}

func (p *Player) stopped(run *playbackRun, frame, total int) {
	p.log.Info("playback stopped", "run_id", run.id, "filename", run.filename, "frame", frame)
	p.status(run, PlaybackStopped, map[string]any{"frame": frame, "total": total})
}

func (p *Player) status(run *playbackRun, status string, extra map[string]any) {
	payload := map[string]any{"status": status, "runId": run.id, "filename": run.filename}
	for k, v := range extra {
		payload[k] = v
	}
	p.emit(EventPlaybackStatus, payload)
}

func (p *Player) clear(run *playbackRun) {
	p.mu.Lock()
	if p.run == run {
		p.run = nil
	}
	p.mu.Unlock()
}

func (p *Player) frameDelay(exp domain.Experience) time.Duration {
	delay := p.baseDelay
	if v, ok := exp.Metadata[delayKey]; ok {
		if ms, err := toFloat(v); err == nil && ms >= 0 {
			delay = time.Duration(ms * float64(time.Millisecond))
		}
	}
	p.mu.Lock()
	speed := p.speed
	p.mu.Unlock()
	return time.Duration(float64(delay) / speed)
}

// sleepCtx waits d or until ctx is done, reporting whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
