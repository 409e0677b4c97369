package domain

import "context"

// Transition is the (state, action, reward, next_state, done) tuple an agent
// memory stores.
type Transition struct {
	State     []float64
	Action    int
	Reward    float64
	NextState []float64
	Done      bool
}

// MemorySink receives transitions drained from recorded episodes.
type MemorySink interface {
	Add(Transition)
	Len() int
}

// TrainStats is reported by one single-batch training call.
type TrainStats struct {
	Loss      float64 `json:"loss"`
	AvgReward float64 `json:"avgReward"`
	Epsilon   float64 `json:"epsilon"`
}

// Agent is the learning agent the training bridge drives. Memory may return nil
// when the agent has no replay memory.
type Agent interface {
	Memory() MemorySink
	TrainBatch(ctx context.Context, batchSize int) (TrainStats, error)
}
