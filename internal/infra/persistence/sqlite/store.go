// Package sqlite persists training runs to a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"replaycore/internal/infra/persistence/memory"
	"replaycore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.TrainingStatsStore = (*Store)(nil)

// DefaultPath is used when NewStore receives an empty path.
const DefaultPath = "replaycore.db"

// Store writes each training run as a JSON row and serves reads from an
// in-memory copy hydrated at open.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (creating if needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS training_runs (
		id TEXT PRIMARY KEY,
		finished_at TEXT NOT NULL,
		outcome TEXT NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create training_runs table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM training_runs`)
	if err != nil {
		return fmt.Errorf("select training_runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{Runs: make(map[string]domain.TrainingRun)}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var run domain.TrainingRun
		if err := json.Unmarshal(payload, &run); err != nil {
			return fmt.Errorf("decode run %s: %w", id, err)
		}
		snapshot.Runs[id] = run
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate training_runs: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

// SaveTrainingRun upserts run, then updates the in-memory copy.
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
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO training_runs(id,finished_at,outcome,payload) VALUES(?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET finished_at=excluded.finished_at, outcome=excluded.outcome, payload=excluded.payload`,
		run.ID, run.FinishedAt.UTC().Format(time.RFC3339Nano), run.Outcome, data); err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}
	return s.Store.SaveTrainingRun(ctx, run)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
