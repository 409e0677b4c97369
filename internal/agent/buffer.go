// Package agent provides a bounded replay memory and a baseline learner that
// lets the training bridge run end to end without a neural network.
package agent

import (
	"math/rand/v2"
	"sync"

	"replaycore/pkg/domain"
)

// DefaultCapacity bounds a ReplayBuffer created with a non-positive capacity.
const DefaultCapacity = 10000

// ReplayBuffer is a fixed-capacity ring of transitions. Once full, each Add
// overwrites the oldest entry.
type ReplayBuffer struct {
	mu    sync.Mutex
	items []domain.Transition
	next  int
	full  bool
}

// NewReplayBuffer returns an empty buffer holding at most capacity transitions.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ReplayBuffer{items: make([]domain.Transition, capacity)}
}

// Add stores a copy of tr.
func (b *ReplayBuffer) Add(tr domain.Transition) {
	tr.State = append([]float64(nil), tr.State...)
	tr.NextState = append([]float64(nil), tr.NextState...)
	b.mu.Lock()
	b.items[b.next] = tr
	b.next++
	if b.next == len(b.items) {
		b.next = 0
		b.full = true
	}
	b.mu.Unlock()
}

// Len reports how many transitions are held.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

// Cap reports the buffer capacity.
func (b *ReplayBuffer) Cap() int {
	return len(b.items)
}

func (b *ReplayBuffer) lenLocked() int {
	if b.full {
		return len(b.items)
	}
	return b.next
}

// Sample draws n transitions uniformly with replacement. It returns nil when
// the buffer is empty or n is not positive.
func (b *ReplayBuffer) Sample(rng *rand.Rand, n int) []domain.Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := b.lenLocked()
	if size == 0 || n <= 0 {
		return nil
	}
	out := make([]domain.Transition, n)
	for i := range out {
		out[i] = b.items[rng.IntN(size)]
	}
	return out
}

// Snapshot returns the held transitions oldest first.
func (b *ReplayBuffer) Snapshot() []domain.Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]domain.Transition(nil), b.items[:b.next]...)
	}
	out := make([]domain.Transition, 0, len(b.items))
	out = append(out, b.items[b.next:]...)
	return append(out, b.items[:b.next]...)
}
