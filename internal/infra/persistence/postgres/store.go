// Package postgres provides a Postgres-backed training-run store that mirrors
// the in-memory semantics and writes every run through to a JSONB table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"replaycore/internal/infra/persistence/memory"
	"replaycore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the metrics hook.
var _ domain.TrainingStatsStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/replaycore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists runs to Postgres while serving reads from the in-memory store.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using dsn (falls back to defaultDSN),
// ensures the runs table exists and hydrates the in-memory copy.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureRunsTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore()
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// SaveTrainingRun upserts run inside a transaction, then updates the in-memory copy.
func (s *Store) SaveTrainingRun(ctx context.Context, run domain.TrainingRun) error {
	if run.ID == "" {
		return errors.New("training run id required")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO training_runs(id,finished_at,outcome,payload) VALUES($1,$2,$3,$4) ON CONFLICT(id) DO UPDATE SET finished_at=EXCLUDED.finished_at, outcome=EXCLUDED.outcome, payload=EXCLUDED.payload`,
		run.ID, run.FinishedAt.UTC(), run.Outcome, data); err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return s.Store.SaveTrainingRun(ctx, run)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func ensureRunsTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS training_runs (
		id TEXT PRIMARY KEY,
		finished_at TIMESTAMPTZ NOT NULL,
		outcome TEXT NOT NULL,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure training_runs table: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM training_runs`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select training_runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{Runs: make(map[string]domain.TrainingRun)}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan training_runs: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		var run domain.TrainingRun
		if err := json.Unmarshal(payload, &run); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode run %s: %w", id, err)
		}
		snapshot.Runs[id] = run
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate training_runs: %w", err)
	}
	return snapshot, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
