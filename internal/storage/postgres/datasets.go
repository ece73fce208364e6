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

// Dataset is the stored metadata for one uploaded herd file; the file body
// lives in object storage under ObjectKey.
type Dataset struct {
	ID                  uuid.UUID  `json:"id"`
	Owner               string     `json:"owner"`
	Filename            string     `json:"filename"`
	ObjectKey           string     `json:"object_key"`
	SizeBytes           int64      `json:"size_bytes"`
	RowCount            int        `json:"row_count"`
	StatusHistogram     []byte     `json:"status_histogram"`
	QualityIssues       []byte     `json:"quality_issues"`
	SuggestedReportDate *time.Time `json:"suggested_report_date,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// DatasetRepository persists dataset metadata.
type DatasetRepository struct {
	pool *pgxpool.Pool
}

const datasetColumns = `
	id, owner, filename, object_key, size_bytes, row_count,
	status_histogram, quality_issues, suggested_report_date, created_at`

func scanDataset(row pgx.Row) (*Dataset, error) {
	var d Dataset
	err := row.Scan(
		&d.ID, &d.Owner, &d.Filename, &d.ObjectKey, &d.SizeBytes, &d.RowCount,
		&d.StatusHistogram, &d.QualityIssues, &d.SuggestedReportDate, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan dataset: %w", err)
	}
	return &d, nil
}

// Create inserts dataset metadata after the file was stored.
func (r *DatasetRepository) Create(ctx context.Context, d *Dataset) (*Dataset, error) {
	query := `
		INSERT INTO datasets (
			id, owner, filename, object_key, size_bytes, row_count,
			status_histogram, quality_issues, suggested_report_date, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		RETURNING` + datasetColumns

	row := r.pool.QueryRow(ctx, query,
		d.ID, d.Owner, d.Filename, d.ObjectKey, d.SizeBytes, d.RowCount,
		d.StatusHistogram, d.QualityIssues, d.SuggestedReportDate)
	out, err := scanDataset(row)
	if err != nil {
		return nil, fmt.Errorf("create dataset: %w", err)
	}
	return out, nil
}

// Get returns one dataset by id.
func (r *DatasetRepository) Get(ctx context.Context, id uuid.UUID) (*Dataset, error) {
	query := `SELECT` + datasetColumns + ` FROM datasets WHERE id = $1`
	return scanDataset(r.pool.QueryRow(ctx, query, id))
}

// ListByOwner returns the owner's datasets newest first.
func (r *DatasetRepository) ListByOwner(ctx context.Context, owner string, limit int) ([]*Dataset, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT` + datasetColumns + ` FROM datasets WHERE owner = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []*Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
