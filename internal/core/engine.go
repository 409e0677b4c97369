package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"replaycore/internal/blob"
	"replaycore/pkg/domain"
)

// Replay status values carried by replay_status notifications.
const (
	ReplayLoading         = "loading"
	ReplayLoadingProgress = "loading_progress"
	ReplayLoaded          = "loaded"
	ReplayError           = "error"
)

// Dependencies wires an Engine. Blob is required; everything else has a working
// default.
type Dependencies struct {
	Blob          blob.Store
	Agent         domain.Agent
	Stats         domain.TrainingStatsStore
	Notifier      Notifier
	Logger        *slog.Logger
	Metrics       MetricsRecorder
	Tracer        Tracer
	Clock         func() time.Time
	PlaybackDelay time.Duration
	StopTimeout   time.Duration
}

// StepInput is one step as submitted by a client. State and NextState accept
// any numeric sequence ToSequence understands.
type StepInput struct {
	State     any            `json:"state"`
	Action    int            `json:"action"`
	Reward    float64        `json:"reward"`
	NextState any            `json:"next_state"`
	Done      bool           `json:"done"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	VizData   map[string]any `json:"viz_data,omitempty"`
}

// RecordStepResult reports whether a step was captured and, when it closed the
// episode, the resulting recording status.
type RecordStepResult struct {
	Recorded bool             `json:"recorded"`
	Stopped  *RecordingStatus `json:"stopped,omitempty"`
}

// LoadResult is returned by Load. Background loads only carry Status and
// Filename; the rest arrives as notifications.
type LoadResult struct {
	Status   string                `json:"status"`
	Filename string                `json:"filename"`
	Episodes int                   `json:"episodes,omitempty"`
	Steps    int                   `json:"steps,omitempty"`
	Metadata domain.ReplayMetadata `json:"metadata"`
}

// EngineStatus is a point-in-time view of the engine.
type EngineStatus struct {
	Store       StoreSnapshot `json:"store"`
	Playback    PlaybackState `json:"playback"`
	Training    TrainingState `json:"training"`
	Screens     int           `json:"screens"`
	BlobDriver  blob.Driver   `json:"blobDriver"`
	AgentMemory int           `json:"agentMemory"`
}

// Engine owns one episode store and the background drivers operating on it.
// Every exported method is safe for concurrent use.
type Engine struct {
	log      *slog.Logger
	metrics  MetricsRecorder
	tracer   Tracer
	notifier Notifier
	now      func() time.Time
	agent    domain.Agent
	stats    domain.TrainingStatsStore

	store   *EpisodeStore
	archive *Archive
	screens *ScreenCache
	player  *Player
	trainer *Trainer

	// contentMu makes a load's replace-and-clear atomic with respect to screen
	// reads.
	contentMu sync.RWMutex
	loadMu    sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup
}

// NewEngine builds an engine from deps.
func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Blob == nil {
		return nil, fmt.Errorf("replay engine requires a blob store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		log:      logger,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		notifier: deps.Notifier,
		now:      now,
		agent:    deps.Agent,
		stats:    deps.Stats,
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	if e.tracer == nil {
		e.tracer = noopTracer{}
	}
	if e.notifier == nil {
		e.notifier = discardNotifier{}
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.store = NewEpisodeStore(now)
	e.archive = NewArchive(deps.Blob, NewCodec(now), now, logger)
	e.screens = NewScreenCache(e.store, logger)
	e.player = newPlayer(e.archive, e.emit, logger, deps.PlaybackDelay, deps.StopTimeout)
	e.trainer = newTrainer(e.emit, logger, deps.Stats, now, deps.StopTimeout)
	return e, nil
}

// Archive exposes the replay archive backing the engine.
func (e *Engine) Archive() *Archive { return e.archive }

func (e *Engine) emit(event string, payload map[string]any) {
	e.metrics.Add(context.Background(), event, 1)
	e.notifier.Notify(Notification{Event: event, Payload: payload, At: e.now()})
}

func (e *Engine) instrument(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, op)
	start := time.Now()
	err := fn(ctx)
	e.metrics.Observe(ctx, op, err == nil, time.Since(start))
	span.End(err)
	return err
}

func recordingPayload(st RecordingStatus) map[string]any {
	payload := map[string]any{"status": st.Status, "episode": st.Episode, "steps": st.Steps}
	if st.Discarded {
		payload["discarded"] = true
	}
	return payload
}

// StartRecording begins a new episode. Starting while already recording is an
// idempotent no-op.
func (e *Engine) StartRecording(ctx context.Context) (RecordingStatus, error) {
	var st RecordingStatus
	err := e.instrument(ctx, "start_recording", func(context.Context) error {
		st = e.store.StartRecording()
		if !st.AlreadyRecording {
			e.log.Info("recording started", "episode", st.Episode)
			e.emit(EventRecordingStatus, recordingPayload(st))
		}
		return nil
	})
	return st, err
}

// StopRecording freezes the current episode.
func (e *Engine) StopRecording(ctx context.Context) (RecordingStatus, error) {
	var st RecordingStatus
	err := e.instrument(ctx, "stop_recording", func(context.Context) error {
		st = e.store.StopRecording()
		if !st.NotRecording {
			e.log.Info("recording stopped", "episode", st.Episode, "steps", st.Steps, "discarded", st.Discarded)
			e.emit(EventRecordingStatus, recordingPayload(st))
		}
		return nil
	})
	return st, err
}

// RecordStep captures one step while recording. Outside a recording it reports
// Recorded=false and changes nothing.
func (e *Engine) RecordStep(ctx context.Context, in StepInput) (RecordStepResult, error) {
	var res RecordStepResult
	err := e.instrument(ctx, "record_step", func(context.Context) error {
		state, err := ToSequence(in.State)
		if err != nil {
			return fmt.Errorf("state: %w", err)
		}
		next, err := ToSequence(in.NextState)
		if err != nil {
			return fmt.Errorf("next_state: %w", err)
		}
		if math.IsNaN(in.Reward) || math.IsInf(in.Reward, 0) {
			return fmt.Errorf("%w: reward is not finite", domain.ErrUnsupportedValue)
		}
		ok, stopped := e.store.RecordStep(Step{
			State:     state,
			Action:    in.Action,
			Reward:    in.Reward,
			NextState: next,
			Done:      in.Done,
			Metadata:  normalizeMap(in.Metadata),
			VizData:   normalizeMap(in.VizData),
		})
		res = RecordStepResult{Recorded: ok, Stopped: stopped}
		if stopped != nil {
			e.log.Info("recording stopped on terminal step", "episode", stopped.Episode, "steps", stopped.Steps)
			e.emit(EventRecordingStatus, recordingPayload(*stopped))
		}
		return nil
	})
	return res, err
}

// Save persists every frozen episode.
func (e *Engine) Save(ctx context.Context, filename string) (SaveResult, error) {
	var res SaveResult
	err := e.instrument(ctx, "save", func(ctx context.Context) error {
		var err error
		res, err = e.archive.Save(ctx, e.store.Episodes(), filename)
		if err != nil {
			return err
		}
		e.log.Info("replay saved", "filename", res.Filename, "episodes", res.Episodes, "steps", res.Steps)
		e.emit(EventCatalogChanged, map[string]any{"op": CatalogSaved, "filename": res.Filename})
		return nil
	})
	return res, err
}

// Load replaces the store with a stored replay and warms the screen cache. A
// foreground load returns the full result after streaming one replay_screen per
// step; a background load returns {status: loading} at once and reports through
// replay_status notifications.
func (e *Engine) Load(ctx context.Context, filename string, background bool) (LoadResult, error) {
	var res LoadResult
	err := e.instrument(ctx, "load", func(ctx context.Context) error {
		key, err := lookupName(filename)
		if err != nil {
			return err
		}
		if !background {
			res, err = e.load(ctx, key, true)
			return err
		}
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("background load panicked", "filename", key, "panic", r)
					e.emit(EventReplayStatus, map[string]any{
						"status":   ReplayError,
						"filename": key,
						"message":  fmt.Sprintf("%v: %v", domain.ErrInternalFault, r),
					})
				}
			}()
			if _, err := e.load(e.baseCtx, key, false); err != nil {
				e.log.Error("background load failed", "filename", key, "error", err)
			}
		}()
		res = LoadResult{Status: ReplayLoading, Filename: key}
		return nil
	})
	return res, err
}

func (e *Engine) load(ctx context.Context, key string, pushScreens bool) (LoadResult, error) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.emit(EventReplayStatus, map[string]any{"status": ReplayLoading, "filename": key})
	file, err := e.archive.Read(ctx, key)
	if err != nil {
		e.emit(EventReplayStatus, map[string]any{"status": ReplayError, "filename": key, "message": err.Error()})
		return LoadResult{}, err
	}

	e.contentMu.Lock()
	e.store.Replace(file.Episodes, file.Metadata.EpisodeCount)
	e.screens.Reset()
	e.contentMu.Unlock()

	// The store is committed; cancellation from here on only cuts warming short.
	total := file.Metadata.TotalSteps
	done := 0
warm:
	for ei, ep := range file.Episodes {
		for si := range ep {
			if ctx.Err() != nil {
				e.log.Warn("screen warming interrupted", "filename", key, "warmed", done, "total", total, "error", ctx.Err())
				break warm
			}
			screen, ok := e.screen(domain.ScreenID(ei, si))
			done++
			if ok && pushScreens {
				e.emit(EventReplayScreen, map[string]any{"screen": screen})
			}
			if done%progressEvery == 0 {
				e.emit(EventReplayStatus, map[string]any{
					"status":   ReplayLoadingProgress,
					"filename": key,
					"progress": done,
					"total":    total,
				})
			}
		}
	}

	res := LoadResult{
		Status:   ReplayLoaded,
		Filename: key,
		Episodes: len(file.Episodes),
		Steps:    total,
		Metadata: file.Metadata,
	}
	e.log.Info("replay loaded", "filename", key, "episodes", res.Episodes, "steps", res.Steps)
	e.emit(EventReplayStatus, map[string]any{
		"status":   ReplayLoaded,
		"filename": key,
		"episodes": res.Episodes,
		"steps":    res.Steps,
	})
	return res, nil
}

func (e *Engine) screen(id string) (domain.Screen, bool) {
	e.contentMu.RLock()
	defer e.contentMu.RUnlock()
	return e.screens.Get(id)
}

// GetScreen returns the screen for id. Malformed and out-of-range ids report
// false rather than an error.
func (e *Engine) GetScreen(ctx context.Context, id string) (domain.Screen, bool) {
	var (
		screen domain.Screen
		ok     bool
	)
	_ = e.instrument(ctx, "get_screen", func(context.Context) error {
		screen, ok = e.screen(id)
		return nil
	})
	return screen, ok
}

// PreloadScreens caches the neighbours of currentID and pushes each newly built
// screen as a replay_screen notification. count <= 0 uses DefaultPreloadCount.
func (e *Engine) PreloadScreens(ctx context.Context, currentID string, count int) []string {
	if count <= 0 {
		count = DefaultPreloadCount
	}
	var ids []string
	_ = e.instrument(ctx, "preload_screens", func(context.Context) error {
		e.contentMu.RLock()
		ids = e.screens.Preload(currentID, count)
		screens := make([]domain.Screen, 0, len(ids))
		for _, id := range ids {
			if s, ok := e.screens.Get(id); ok {
				screens = append(screens, s)
			}
		}
		e.contentMu.RUnlock()
		for _, s := range screens {
			e.emit(EventReplayScreen, map[string]any{"screen": s})
		}
		return nil
	})
	return ids
}

// ListReplays enumerates stored replays newest first.
func (e *Engine) ListReplays(ctx context.Context) ([]domain.CatalogEntry, error) {
	var entries []domain.CatalogEntry
	err := e.instrument(ctx, "list_replays", func(ctx context.Context) error {
		var err error
		entries, err = e.archive.List(ctx)
		return err
	})
	return entries, err
}

// DeleteReplay removes a stored replay and its companion.
func (e *Engine) DeleteReplay(ctx context.Context, filename string) error {
	return e.instrument(ctx, "delete_replay", func(ctx context.Context) error {
		removed, err := e.archive.Delete(ctx, filename)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, filename)
		}
		e.log.Info("replay deleted", "filename", filename)
		e.emit(EventCatalogChanged, map[string]any{"op": CatalogDeleted, "filename": filename})
		return nil
	})
}

// NotifyCatalogChanged reports a change to the stored replays made outside the
// engine, such as a file copied into the filesystem root.
func (e *Engine) NotifyCatalogChanged(op, filename string) {
	e.log.Debug("catalog changed externally", "op", op, "filename", filename)
	e.emit(EventCatalogChanged, map[string]any{"op": op, "filename": filename, "external": true})
}

// GetReplayObjects returns the companion object positions of a replay, empty
// when none were stored.
func (e *Engine) GetReplayObjects(ctx context.Context, filename string) (domain.ReplayObjects, error) {
	var out domain.ReplayObjects
	err := e.instrument(ctx, "get_replay_objects", func(ctx context.Context) error {
		var err error
		out, err = e.archive.Objects(ctx, filename)
		return err
	})
	return out, err
}

// SaveReplayObjects stores the companion object positions of an existing replay.
func (e *Engine) SaveReplayObjects(ctx context.Context, filename string, positions []domain.ObjectPosition) error {
	return e.instrument(ctx, "save_replay_objects", func(ctx context.Context) error {
		return e.archive.SaveObjects(ctx, filename, positions)
	})
}

// ReplayLink is a download link for a stored replay.
type ReplayLink struct {
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ReplayLink signs a download link for a stored replay, valid for
// DefaultLinkExpiry on drivers whose links expire.
func (e *Engine) ReplayLink(ctx context.Context, filename string) (ReplayLink, error) {
	var link ReplayLink
	err := e.instrument(ctx, "replay_link", func(ctx context.Context) error {
		key, err := lookupName(filename)
		if err != nil {
			return err
		}
		url, err := e.archive.URL(ctx, key, DefaultLinkExpiry)
		if err != nil {
			return err
		}
		link = ReplayLink{Filename: key, URL: url, ExpiresAt: e.now().Add(DefaultLinkExpiry).UTC()}
		return nil
	})
	return link, err
}

// StartPlayback streams a stored replay, superseding any active playback.
func (e *Engine) StartPlayback(ctx context.Context, filename string) (PlaybackState, error) {
	var st PlaybackState
	err := e.instrument(ctx, "start_playback", func(ctx context.Context) error {
		key, err := lookupName(filename)
		if err != nil {
			return err
		}
		st, err = e.player.Start(ctx, key)
		return err
	})
	return st, err
}

// StopPlayback signals the active playback to stop and waits briefly for it.
// It reports whether a playback was active.
func (e *Engine) StopPlayback(ctx context.Context) (bool, error) {
	var stopped bool
	err := e.instrument(ctx, "stop_playback", func(ctx context.Context) error {
		var err error
		stopped, err = e.player.Stop(ctx)
		if err != nil {
			e.log.Warn("playback stop exceeded bound", "error", err)
		}
		return nil
	})
	return stopped, err
}

// SetPlaybackSpeed sets the playback multiplier and returns the applied value.
func (e *Engine) SetPlaybackSpeed(ctx context.Context, multiplier float64) float64 {
	var applied float64
	_ = e.instrument(ctx, "set_playback_speed", func(context.Context) error {
		applied = e.player.SetSpeed(multiplier)
		return nil
	})
	return applied
}

// ReplayToMemory drains the store into the agent's memory and returns the
// number of transitions added.
func (e *Engine) ReplayToMemory(ctx context.Context) (int, error) {
	var n int
	err := e.instrument(ctx, "replay_to_memory", func(context.Context) error {
		n = ReplayToMemory(e.store, e.agent)
		e.log.Info("replayed experience into agent memory", "transitions", n)
		return nil
	})
	return n, err
}

// StartTraining launches a background training loop.
func (e *Engine) StartTraining(ctx context.Context, req TrainingRequest) (TrainingState, error) {
	var st TrainingState
	err := e.instrument(ctx, "start_training", func(ctx context.Context) error {
		var err error
		st, err = e.trainer.Start(ctx, e.agent, req)
		return err
	})
	return st, err
}

// StopTraining signals the training loop to stop at its next iteration
// boundary. It reports whether a loop was active.
func (e *Engine) StopTraining(ctx context.Context) (bool, error) {
	var stopped bool
	err := e.instrument(ctx, "stop_training", func(ctx context.Context) error {
		var err error
		stopped, err = e.trainer.Stop(ctx)
		if err != nil {
			e.log.Warn("training stop exceeded bound", "error", err)
		}
		return nil
	})
	return stopped, err
}

// TrainingRuns lists persisted training runs, newest first.
func (e *Engine) TrainingRuns(ctx context.Context, limit int) ([]domain.TrainingRun, error) {
	if e.stats == nil {
		return []domain.TrainingRun{}, nil
	}
	var runs []domain.TrainingRun
	err := e.instrument(ctx, "training_runs", func(ctx context.Context) error {
		var err error
		runs, err = e.stats.ListTrainingRuns(ctx, limit)
		return err
	})
	return runs, err
}

// Status reports a snapshot of the engine.
func (e *Engine) Status(context.Context) EngineStatus {
	st := EngineStatus{
		Store:      e.store.Snapshot(),
		Playback:   e.player.State(),
		Training:   e.trainer.State(),
		Screens:    e.screens.Len(),
		BlobDriver: e.archive.Driver(),
	}
	if e.agent != nil {
		if mem := e.agent.Memory(); mem != nil {
			st.AgentMemory = mem.Len()
		}
	}
	return st
}

// Close stops background work and waits for it within ctx.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel()
	var errs []error
	if _, err := e.player.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := e.trainer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
