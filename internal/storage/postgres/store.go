// Package postgres holds the pgx-backed repositories for datasets,
// scenarios and forecast jobs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors returned by the repositories.
var (
	// ErrNotFound means no visible row matched.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a guarded transition did not apply because the row
	// was in an incompatible state.
	ErrConflict = errors.New("conflicting state")
)

// Store wraps the connection pool shared by all repositories.
type Store struct {
	pool *pgxpool.Pool

	Jobs      *JobRepository
	Datasets  *DatasetRepository
	Scenarios *ScenarioRepository
}

// New connects to Postgres and pings it.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	s.Jobs = &JobRepository{pool: pool}
	s.Datasets = &DatasetRepository{pool: pool}
	s.Scenarios = &ScenarioRepository{pool: pool}
	return s, nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
