package memory

import (
	"context"
	"testing"
	"time"

	"replaycore/pkg/domain"
)

func run(id string, finished time.Time) domain.TrainingRun {
	return domain.TrainingRun{
		ID:         id,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
		Outcome:    domain.RunCompleted,
		Iterations: []domain.IterationStats{{Iteration: 1, Loss: 0.5}},
	}
}

func TestStoreListsNewestFirst(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SaveTrainingRun(ctx, run(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	runs, err := s.ListTrainingRuns(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "c" || runs[2].ID != "a" {
		t.Fatalf("unexpected order %+v", runs)
	}
	limited, _ := s.ListTrainingRuns(ctx, 2)
	if len(limited) != 2 || limited[1].ID != "b" {
		t.Fatalf("unexpected limited list %+v", limited)
	}
}

func TestStoreUpsertAndCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	r := run("x", time.Now())
	if err := s.SaveTrainingRun(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	r.Iterations[0].Loss = 99
	got, ok := s.GetTrainingRun("x")
	if !ok || got.Iterations[0].Loss != 0.5 {
		t.Fatalf("store aliases caller data: %+v", got)
	}
	r.Outcome = domain.RunStopped
	if err := s.SaveTrainingRun(ctx, r); err != nil {
		t.Fatalf("resave: %v", err)
	}
	runs, _ := s.ListTrainingRuns(ctx, 0)
	if len(runs) != 1 || runs[0].Outcome != domain.RunStopped {
		t.Fatalf("expected upsert, got %+v", runs)
	}
	if err := s.SaveTrainingRun(ctx, domain.TrainingRun{}); err == nil {
		t.Fatalf("expected missing id to fail")
	}
}

func TestStoreExportImport(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	_ = s.SaveTrainingRun(ctx, run("a", time.Now()))
	snap := s.ExportState()

	other := NewStore()
	other.ImportState(snap)
	if _, ok := other.GetTrainingRun("a"); !ok {
		t.Fatalf("import lost run")
	}
	other.ImportState(Snapshot{Runs: map[string]domain.TrainingRun{"keyed": {Outcome: domain.RunFailed}}})
	if got, ok := other.GetTrainingRun("keyed"); !ok || got.ID != "keyed" {
		t.Fatalf("expected id backfilled from key, got %+v", got)
	}
	if _, ok := other.GetTrainingRun("a"); ok {
		t.Fatalf("import should replace contents")
	}
}

func TestStoreHonorsCancelledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SaveTrainingRun(ctx, run("a", time.Now())); err == nil {
		t.Fatalf("expected cancelled save to fail")
	}
	if _, err := s.ListTrainingRuns(ctx, 0); err == nil {
		t.Fatalf("expected cancelled list to fail")
	}
}
