// Package memory provides an in-memory training-run store used for tests,
// ephemeral environments and as the read model of the durable stores.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"replaycore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store satisfies the metrics hook.
var _ domain.TrainingStatsStore = (*Store)(nil)

// Snapshot captures a point-in-time clone of the stored runs keyed by run id.
type Snapshot struct {
	Runs map[string]domain.TrainingRun `json:"runs"`
}

// Store keeps training runs in a map guarded by an RWMutex.
type Store struct {
	mu   sync.RWMutex
	runs map[string]domain.TrainingRun
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{runs: make(map[string]domain.TrainingRun)}
}

// SaveTrainingRun inserts or replaces run by id.
func (s *Store) SaveTrainingRun(ctx context.Context, run domain.TrainingRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if run.ID == "" {
		return errors.New("training run id required")
	}
	s.mu.Lock()
	s.runs[run.ID] = cloneRun(run)
	s.mu.Unlock()
	return nil
}

// ListTrainingRuns returns runs newest first. A non-positive limit returns all.
func (s *Store) ListTrainingRuns(ctx context.Context, limit int) ([]domain.TrainingRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.TrainingRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	s.mu.RUnlock()
	SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetTrainingRun returns a single run by id.
func (s *Store) GetTrainingRun(id string) (domain.TrainingRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.TrainingRun{}, false
	}
	return cloneRun(run), true
}

// ExportState returns a deep copy of the store contents.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Runs: make(map[string]domain.TrainingRun, len(s.runs))}
	for id, run := range s.runs {
		snap.Runs[id] = cloneRun(run)
	}
	return snap
}

// ImportState replaces the store contents with snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	runs := make(map[string]domain.TrainingRun, len(snapshot.Runs))
	for id, run := range snapshot.Runs {
		if run.ID == "" {
			run.ID = id
		}
		runs[run.ID] = cloneRun(run)
	}
	s.mu.Lock()
	s.runs = runs
	s.mu.Unlock()
}

// SortNewestFirst orders runs by finish time, then start time, then id, all
// descending.
func SortNewestFirst(runs []domain.TrainingRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if !a.FinishedAt.Equal(b.FinishedAt) {
			return a.FinishedAt.After(b.FinishedAt)
		}
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.After(b.StartedAt)
		}
		return a.ID > b.ID
	})
}

func cloneRun(run domain.TrainingRun) domain.TrainingRun {
	if run.Iterations != nil {
		run.Iterations = append([]domain.IterationStats(nil), run.Iterations...)
	}
	return run
}
