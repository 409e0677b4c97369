// Package persistence selects the training-run store backing the engine's
// metrics hook.
package persistence

import (
	"context"
	"fmt"

	"replaycore/internal/infra/persistence/memory"
	"replaycore/internal/infra/persistence/postgres"
	"replaycore/internal/infra/persistence/sqlite"
	"replaycore/pkg/domain"
)

// Driver identifies a training-run store backend.
type Driver string

const (
	// DriverMemory keeps runs for the life of the process.
	DriverMemory Driver = "memory"
	// DriverSQLite is the default durable backend.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres stores runs in a Postgres JSONB table.
	DriverPostgres Driver = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver      Driver
	SQLitePath  string
	PostgresDSN string
}

// Store is a training-run store that owns a releasable resource.
type Store interface {
	domain.TrainingStatsStore
	Close() error
}

// Open returns the store named by cfg.Driver. An empty driver means sqlite.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverMemory:
		return memoryStore{memory.NewStore()}, nil
	case DriverSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	case DriverPostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown stats driver %s", driver)
	}
}

type memoryStore struct {
	*memory.Store
}

func (memoryStore) Close() error { return nil }
