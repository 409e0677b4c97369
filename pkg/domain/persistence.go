package domain

import (
	"context"
	"time"
)

// IterationStats captures one training iteration reported by the agent.
type IterationStats struct {
	Iteration int     `json:"iteration"`
	Loss      float64 `json:"loss"`
	AvgReward float64 `json:"avgReward"`
	Epsilon   float64 `json:"epsilon"`
}

// TrainingRun is the summary persisted when a training loop finishes.
type TrainingRun struct {
	ID          string           `json:"id"`
	StartedAt   time.Time        `json:"startedAt"`
	FinishedAt  time.Time        `json:"finishedAt"`
	Requested   int              `json:"requested"`
	Completed   int              `json:"completed"`
	BatchSize   int              `json:"batchSize"`
	Outcome     string           `json:"outcome"`
	Error       string           `json:"error,omitempty"`
	Iterations  []IterationStats `json:"iterations,omitempty"`
	FinalLoss   float64          `json:"finalLoss"`
	MeanReward  float64          `json:"meanReward"`
	LastEpsilon float64          `json:"lastEpsilon"`
}

// Training run outcomes.
const (
	RunCompleted = "completed"
	RunStopped   = "stopped"
	RunFailed    = "error"
)

// TrainingStatsStore is the metrics hook a durable backend implements to keep a
// history of training runs.
type TrainingStatsStore interface {
	SaveTrainingRun(ctx context.Context, run TrainingRun) error
	ListTrainingRuns(ctx context.Context, limit int) ([]TrainingRun, error)
}
