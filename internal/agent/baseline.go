package agent

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"replaycore/pkg/domain"
)

// Baseline learner defaults.
const (
	DefaultEpsilonStart = 1.0
	DefaultEpsilonDecay = 0.995
	DefaultEpsilonMin   = 0.01
	DefaultSmoothing    = 0.1
)

// Options configures a BaselineAgent. Zero values take the defaults above.
type Options struct {
	Capacity     int
	Seed         uint64
	EpsilonStart float64
	EpsilonDecay float64
	EpsilonMin   float64
	Smoothing    float64
}

// BaselineAgent tracks an exponential moving average of sampled rewards. Its
// loss is the mean squared error of a batch against that baseline, and epsilon
// decays once per batch.
type BaselineAgent struct {
	memory *ReplayBuffer
	opts   Options

	mu       sync.Mutex
	rng      *rand.Rand
	baseline float64
	epsilon  float64
	batches  int
}

// Snapshot reports the learner state.
type Snapshot struct {
	MemorySize int     `json:"memorySize"`
	Capacity   int     `json:"capacity"`
	Baseline   float64 `json:"baseline"`
	Epsilon    float64 `json:"epsilon"`
	Batches    int     `json:"batches"`
}

// NewBaselineAgent returns an agent with an empty replay memory.
func NewBaselineAgent(opts Options) *BaselineAgent {
	if opts.EpsilonStart <= 0 {
		opts.EpsilonStart = DefaultEpsilonStart
	}
	if opts.EpsilonDecay <= 0 || opts.EpsilonDecay > 1 {
		opts.EpsilonDecay = DefaultEpsilonDecay
	}
	if opts.EpsilonMin <= 0 {
		opts.EpsilonMin = DefaultEpsilonMin
	}
	if opts.Smoothing <= 0 || opts.Smoothing > 1 {
		opts.Smoothing = DefaultSmoothing
	}
	return &BaselineAgent{
		memory:  NewReplayBuffer(opts.Capacity),
		opts:    opts,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		epsilon: opts.EpsilonStart,
	}
}

// Memory returns the agent's replay buffer.
func (a *BaselineAgent) Memory() domain.MemorySink {
	return a.memory
}

// Buffer exposes the concrete replay buffer.
func (a *BaselineAgent) Buffer() *ReplayBuffer {
	return a.memory
}

// TrainBatch samples batchSize transitions and updates the reward baseline.
func (a *BaselineAgent) TrainBatch(ctx context.Context, batchSize int) (domain.TrainStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.TrainStats{}, err
	}
	if batchSize <= 0 {
		return domain.TrainStats{}, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if n := a.memory.Len(); n < batchSize {
		return domain.TrainStats{}, fmt.Errorf("%w: %d in memory, batch of %d", domain.ErrInsufficientSamples, n, batchSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	batch := a.memory.Sample(a.rng, batchSize)
	var sum, sq float64
	for _, tr := range batch {
		sum += tr.Reward
		d := tr.Reward - a.baseline
		sq += d * d
	}
	avg := sum / float64(len(batch))
	loss := sq / float64(len(batch))
	a.baseline += a.opts.Smoothing * (avg - a.baseline)
	a.epsilon = max(a.epsilon*a.opts.EpsilonDecay, a.opts.EpsilonMin)
	a.batches++
	return domain.TrainStats{Loss: loss, AvgReward: avg, Epsilon: a.epsilon}, nil
}

// Snapshot returns the current learner state.
func (a *BaselineAgent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		MemorySize: a.memory.Len(),
		Capacity:   a.memory.Cap(),
		Baseline:   a.baseline,
		Epsilon:    a.epsilon,
		Batches:    a.batches,
	}
}
