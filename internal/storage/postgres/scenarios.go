package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Scenario is a saved set of forecast parameters.
type Scenario struct {
	ID        uuid.UUID  `json:"id"`
	Owner     string     `json:"owner"`
	Name      string     `json:"name"`
	Params    []byte     `json:"params"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"-"`
}

// ScenarioRepository persists saved scenarios.
type ScenarioRepository struct {
	pool *pgxpool.Pool
}

const scenarioColumns = `id, owner, name, params, created_at, updated_at, deleted_at`

func scanScenario(row pgx.Row) (*Scenario, error) {
	var s Scenario
	err := row.Scan(&s.ID, &s.Owner, &s.Name, &s.Params, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan scenario: %w", err)
	}
	return &s, nil
}

// Create inserts a scenario.
func (r *ScenarioRepository) Create(ctx context.Context, owner, name string, params []byte) (*Scenario, error) {
	query := `
		INSERT INTO scenarios (id, owner, name, params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING ` + scenarioColumns
	s, err := scanScenario(r.pool.QueryRow(ctx, query, uuid.New(), owner, name, params))
	if err != nil {
		return nil, fmt.Errorf("create scenario: %w", err)
	}
	return s, nil
}

// Get returns the owner's scenario by id.
func (r *ScenarioRepository) Get(ctx context.Context, id uuid.UUID, owner string) (*Scenario, error) {
	query := `SELECT ` + scenarioColumns + ` FROM scenarios WHERE id = $1 AND owner = $2 AND deleted_at IS NULL`
	return scanScenario(r.pool.QueryRow(ctx, query, id, owner))
}

// List returns the owner's scenarios newest first.
func (r *ScenarioRepository) List(ctx context.Context, owner string, limit int) ([]*Scenario, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + scenarioColumns + ` FROM scenarios WHERE owner = $1 AND deleted_at IS NULL ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	defer rows.Close()

	var out []*Scenario
	for rows.Next() {
		s, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Update replaces name and params.
func (r *ScenarioRepository) Update(ctx context.Context, id uuid.UUID, owner, name string, params []byte) (*Scenario, error) {
	query := `
		UPDATE scenarios SET name = $3, params = $4, updated_at = now()
		WHERE id = $1 AND owner = $2 AND deleted_at IS NULL
		RETURNING ` + scenarioColumns
	return scanScenario(r.pool.QueryRow(ctx, query, id, owner, name, params))
}

// Delete soft-deletes the scenario.
func (r *ScenarioRepository) Delete(ctx context.Context, id uuid.UUID, owner string) error {
	query := `UPDATE scenarios SET deleted_at = now(), updated_at = now() WHERE id = $1 AND owner = $2 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id, owner)
	if err != nil {
		return fmt.Errorf("delete scenario: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
