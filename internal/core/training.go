package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"replaycore/pkg/domain"
)

const (
	// DefaultTrainingEpisodes is the iteration count used when a request omits it.
	DefaultTrainingEpisodes = 10
	// DefaultBatchSize is the batch size used when a request omits it.
	DefaultBatchSize = 32

	persistTimeout = 5 * time.Second
)

// Training status values carried by training_status notifications.
const (
	TrainingRunning = "training"
)

// TrainingRequest configures one training loop.
type TrainingRequest struct {
	Episodes  int `json:"episodes"`
	BatchSize int `json:"batchSize"`
}

// TrainingState reports the active training loop, if any.
type TrainingState struct {
	Training  bool   `json:"training"`
	RunID     string `json:"runId,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Completed int    `json:"completed"`
	BatchSize int    `json:"batchSize,omitempty"`
}

type trainingRun struct {
	id        string
	req       TrainingRequest
	started   time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	completed int
}

// ReplayToMemory appends every stored experience to the agent's memory in store
// order and returns how many were added. Calling it twice adds everything twice.
func ReplayToMemory(store *EpisodeStore, agent domain.Agent) int {
	if store == nil || agent == nil {
		return 0
	}
	mem := agent.Memory()
	if mem == nil {
		return 0
	}
	return store.ForEachExperience(func(exp domain.Experience) {
		mem.Add(exp.Transition())
	})
}

// Trainer drives batched agent training on a background goroutine. Only one
// loop runs at a time.
type Trainer struct {
	emit        emitFunc
	log         *slog.Logger
	stats       domain.TrainingStatsStore
	now         func() time.Time
	stopTimeout time.Duration

	mu  sync.Mutex
	run *trainingRun
}

func newTrainer(emit emitFunc, logger *slog.Logger, stats domain.TrainingStatsStore, now func() time.Time, stopTimeout time.Duration) *Trainer {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if now == nil {
		now = time.Now
	}
	return &Trainer{emit: emit, log: logger, stats: stats, now: now, stopTimeout: stopTimeout}
}

// Start launches req.Episodes training iterations. It fails with
// domain.ErrAlreadyInProgress while a loop runs and with
// domain.ErrInsufficientSamples when the agent memory holds fewer than one batch.
func (t *Trainer) Start(ctx context.Context, agent domain.Agent, req TrainingRequest) (TrainingState, error) {
	if req.Episodes <= 0 {
		req.Episodes = DefaultTrainingEpisodes
	}
	if req.BatchSize <= 0 {
		req.BatchSize = DefaultBatchSize
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run != nil {
		return t.stateLocked(), fmt.Errorf("%w: training run %s", domain.ErrAlreadyInProgress, t.run.id)
	}
	if agent == nil {
		return TrainingState{}, fmt.Errorf("%w: no agent configured", domain.ErrInsufficientSamples)
	}
	mem := agent.Memory()
	size := 0
	if mem != nil {
		size = mem.Len()
	}
	if size < req.BatchSize {
		return TrainingState{}, fmt.Errorf("%w: memory holds %d, batch needs %d", domain.ErrInsufficientSamples, size, req.BatchSize)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &trainingRun{id: uuid.NewString(), req: req, started: t.now(), cancel: cancel, done: make(chan struct{})}
	t.run = run
	go t.loop(runCtx, agent, run)
	return t.stateLocked(), nil
}

// Stop cancels the active loop and waits up to the stop timeout. The loop only
// observes cancellation between iterations. It reports whether a loop was active.
func (t *Trainer) Stop(ctx context.Context) (bool, error) {
	t.mu.Lock()
	run := t.run
	t.mu.Unlock()
	if run == nil {
		return false, nil
	}
	run.cancel()
	timer := time.NewTimer(t.stopTimeout)
	defer timer.Stop()
	select {
	case <-run.done:
		return true, nil
	case <-timer.C:
		return true, fmt.Errorf("training %s still finishing its batch after %s", run.id, t.stopTimeout)
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// State reports the active loop.
func (t *Trainer) State() TrainingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Trainer) stateLocked() TrainingState {
	if t.run == nil {
		return TrainingState{}
	}
	return TrainingState{
		Training:  true,
		RunID:     t.run.id,
		Requested: t.run.req.Episodes,
		Completed: t.run.completed,
		BatchSize: t.run.req.BatchSize,
	}
}

func (t *Trainer) loop(ctx context.Context, agent domain.Agent, run *trainingRun) {
	defer close(run.done)
	record := domain.TrainingRun{
		ID:        run.id,
		StartedAt: run.started,
		Requested: run.req.Episodes,
		BatchSize: run.req.BatchSize,
		Outcome:   domain.RunCompleted,
	}
	defer func() {
		t.mu.Lock()
		if t.run == run {
			t.run = nil
		}
		t.mu.Unlock()
		t.finish(record)
	}()

	t.log.Info("training started", "run_id", run.id, "episodes", run.req.Episodes, "batch_size", run.req.BatchSize)
	total := run.req.Episodes
	for i := 1; i <= total; i++ {
		if ctx.Err() != nil {
			record.Outcome = domain.RunStopped
			return
		}
		stats, err := trainOnce(ctx, agent, run.req.BatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				record.Outcome = domain.RunStopped
				return
			}
			record.Outcome = domain.RunFailed
			record.Error = err.Error()
			t.log.Error("training iteration failed", "run_id", run.id, "iteration", i, "error", err)
			return
		}
		record.Iterations = append(record.Iterations, domain.IterationStats{
			Iteration: i,
			Loss:      stats.Loss,
			AvgReward: stats.AvgReward,
			Epsilon:   stats.Epsilon,
		})
		record.Completed = i
		t.mu.Lock()
		run.completed = i
		t.mu.Unlock()

		t.emit(EventTrainingStatus, map[string]any{
			"status":          TrainingRunning,
			"runId":           run.id,
			"episode":         i,
			"totalEpisodes":   total,
			"progressPercent": float64(i) * 100 / float64(total),
		})
		t.emit(EventTrainingStats, map[string]any{
			"runId":     run.id,
			"episode":   i,
			"loss":      stats.Loss,
			"avgReward": stats.AvgReward,
			"epsilon":   stats.Epsilon,
		})
	}
}

// trainOnce runs one batch, converting an agent panic into domain.ErrInternalFault.
func trainOnce(ctx context.Context, agent domain.Agent, batchSize int) (stats domain.TrainStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: agent panicked: %v", domain.ErrInternalFault, r)
		}
	}()
	// Stops land between batches, so the batch itself never sees cancellation.
	return agent.TrainBatch(context.WithoutCancel(ctx), batchSize)
}

func (t *Trainer) finish(record domain.TrainingRun) {
	record.FinishedAt = t.now()
	if n := len(record.Iterations); n > 0 {
		last := record.Iterations[n-1]
		record.FinalLoss = last.Loss
		record.LastEpsilon = last.Epsilon
		sum := 0.0
		for _, it := range record.Iterations {
			sum += it.AvgReward
		}
		record.MeanReward = sum / float64(n)
	}

	payload := map[string]any{
		"status":        record.Outcome,
		"runId":         record.ID,
		"episode":       record.Completed,
		"totalEpisodes": record.Requested,
	}
	if record.Error != "" {
		payload["message"] = record.Error
	}
	if t.stats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := t.stats.SaveTrainingRun(ctx, record); err != nil {
			t.log.Error("persist training run failed", "run_id", record.ID, "error", err)
		}
		cancel()
	}
	t.log.Info("training finished", "run_id", record.ID, "outcome", record.Outcome, "completed", record.Completed)
	t.emit(EventTrainingStatus, payload)
}
