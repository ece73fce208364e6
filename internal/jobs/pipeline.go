// Package jobs runs queued forecast jobs: it loads the dataset, executes the
// Monte Carlo runner, stores artifacts and drives job state and the progress
// bus.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herdcast/herdcast/internal/bus"
	"github.com/herdcast/herdcast/internal/dataset"
	"github.com/herdcast/herdcast/internal/forecast"
	"github.com/herdcast/herdcast/internal/storage/object"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

const (
	storageRetries   = 3
	storageRetryBase = 500 * time.Millisecond
)

// ResultKey returns the result artifact key for a job.
func ResultKey(jobID uuid.UUID) string { return fmt.Sprintf("results/%s.json", jobID) }

// ExportCSVKey returns the CSV export key for a job.
func ExportCSVKey(jobID uuid.UUID) string { return fmt.Sprintf("exports/%s.csv", jobID) }

// ExportXLSXKey returns the XLSX export key for a job.
func ExportXLSXKey(jobID uuid.UUID) string { return fmt.Sprintf("exports/%s.xlsx", jobID) }

// Pipeline executes one job end to end.
type Pipeline struct {
	store   *postgres.Store
	objects *object.Store
	bus     *bus.Bus
	runner  *forecast.Runner
	log     *zap.Logger
}

// NewPipeline wires the pipeline dependencies.
func NewPipeline(store *postgres.Store, objects *object.Store, b *bus.Bus, runner *forecast.Runner, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{store: store, objects: objects, bus: b, runner: runner, log: log}
}

// Process runs a single job. Terminal jobs are left untouched so redelivered
// queue entries are harmless. Only infrastructure errors (database down) are
// returned; forecast failures are absorbed into the job record.
func (p *Pipeline) Process(ctx context.Context, jobID uuid.UUID) error {
	log := p.log.With(zap.String("job_id", jobID.String()))

	job, err := p.store.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			log.Warn("dequeued unknown job")
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}
	if postgres.IsTerminal(job.Status) {
		log.Info("skipping terminal job", zap.String("status", job.Status))
		return nil
	}

	jobsProcessed.Inc()
	jobsInFlight.Inc()
	defer jobsInFlight.Dec()
	started := time.Now()

	if err := p.store.Jobs.MarkRunning(ctx, jobID); err != nil {
		if errors.Is(err, postgres.ErrConflict) {
			log.Info("job reached a terminal state before start")
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}
	p.bus.Publish(ctx, bus.Event{
		Type:        bus.EventProgress,
		JobID:       jobID.String(),
		Status:      postgres.StatusRunning,
		ProgressPct: 10,
		TotalRuns:   job.TotalRuns,
	})

	result, runErr := p.execute(ctx, log, job)
	if runErr != nil {
		if ctx.Err() != nil {
			// Shutdown, not a job failure; the supervisor will requeue it.
			return ctx.Err()
		}
		p.failJob(ctx, log, job, runErr)
		return nil
	}

	if err := p.finalize(ctx, job, result); err != nil {
		p.failJob(ctx, log, job, err)
		return nil
	}

	jobsSucceeded.Inc()
	jobDuration.Observe(time.Since(started).Seconds())
	log.Info("job succeeded", zap.Duration("took", time.Since(started)))
	return nil
}

// execute loads inputs and runs the forecast.
func (p *Pipeline) execute(ctx context.Context, log *zap.Logger, job *postgres.ForecastJob) (*forecast.Result, error) {
	ds, err := p.store.Datasets.Get(ctx, job.DatasetID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, fmt.Errorf("DATASET_NOT_FOUND: dataset %s does not exist", job.DatasetID)
		}
		return nil, err
	}

	var body []byte
	err = withRetry(ctx, func() error {
		var getErr error
		body, getErr = p.objects.Get(ctx, p.objects.DatasetsBucket(), ds.ObjectKey)
		if errors.Is(getErr, object.ErrNotFound) {
			// Missing objects never appear on retry.
			return backoffAbort{getErr}
		}
		return getErr
	})
	if err != nil {
		var abort backoffAbort
		if errors.As(err, &abort) {
			return nil, fmt.Errorf("DATASET_OBJECT_MISSING: object %s is gone", ds.ObjectKey)
		}
		return nil, fmt.Errorf("load dataset object: %w", err)
	}

	parsed, err := dataset.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}

	var params forecast.ScenarioParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, fmt.Errorf("decode scenario params: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	progress := func(completed, total int, partial *forecast.Result) {
		pct := 10 + (80*completed)/total
		if pct > 90 {
			pct = 90
		}
		if err := p.store.Jobs.UpdateProgress(ctx, job.ID, pct, completed); err != nil {
			if errors.Is(err, postgres.ErrConflict) {
				// Canceled out from under us; stop burning CPU.
				cancel()
				return
			}
			log.Warn("update progress", zap.Error(err))
		}
		ev := bus.Event{
			Type:          bus.EventProgress,
			JobID:         job.ID.String(),
			Status:        postgres.StatusRunning,
			ProgressPct:   pct,
			CompletedRuns: completed,
			TotalRuns:     total,
		}
		if partial != nil {
			body, err := json.Marshal(partial)
			if err != nil {
				log.Warn("encode partial result", zap.Error(err))
			} else {
				ev.PartialResult = body
			}
		}
		p.bus.Publish(ctx, ev)
	}

	return p.runner.Run(runCtx, params, parsed.Records, progress)
}

// finalize stores artifacts and closes the job out.
func (p *Pipeline) finalize(ctx context.Context, job *postgres.ForecastJob, result *forecast.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	csvData, err := forecast.CSVBytes(result)
	if err != nil {
		return fmt.Errorf("render csv export: %w", err)
	}
	xlsxData, err := forecast.XLSXBytes(result)
	if err != nil {
		return fmt.Errorf("render xlsx export: %w", err)
	}

	resultKey := ResultKey(job.ID)
	csvKey := ExportCSVKey(job.ID)
	xlsxKey := ExportXLSXKey(job.ID)

	artifacts := []struct {
		bucket, key, contentType string
		body                     []byte
	}{
		{p.objects.ResultsBucket(), resultKey, "application/json", resultJSON},
		{p.objects.ExportsBucket(), csvKey, forecast.ContentTypeCSV, csvData},
		{p.objects.ExportsBucket(), xlsxKey, forecast.ContentTypeXLSX, xlsxData},
	}
	for _, a := range artifacts {
		a := a
		err := withRetry(ctx, func() error {
			return p.objects.Put(ctx, a.bucket, a.key, a.body, a.contentType)
		})
		if err != nil {
			return fmt.Errorf("store artifact %s: %w", a.key, err)
		}
	}

	if err := p.store.Jobs.MarkSucceeded(ctx, job.ID, resultKey, csvKey, xlsxKey); err != nil {
		if errors.Is(err, postgres.ErrConflict) {
			// Terminal already; leave the stored artifacts in place.
			return nil
		}
		return fmt.Errorf("mark succeeded: %w", err)
	}

	p.bus.Publish(ctx, bus.Event{
		Type:          bus.EventSucceeded,
		JobID:         job.ID.String(),
		Status:        postgres.StatusSucceeded,
		ProgressPct:   100,
		CompletedRuns: job.TotalRuns,
		TotalRuns:     job.TotalRuns,
		PartialResult: resultJSON,
	})
	return nil
}

func (p *Pipeline) failJob(ctx context.Context, log *zap.Logger, job *postgres.ForecastJob, cause error) {
	msg := cause.Error()
	if !hasKnownCode(msg) {
		msg = "INTERNAL_ERROR: " + msg
	}
	log.Error("job failed", zap.String("reason", msg))
	jobsFailed.Inc()

	if err := p.store.Jobs.MarkFailed(ctx, job.ID, msg); err != nil {
		if !errors.Is(err, postgres.ErrConflict) {
			log.Error("mark failed", zap.Error(err))
		}
		return
	}
	p.bus.Publish(ctx, bus.Event{
		Type:         bus.EventFailed,
		JobID:        job.ID.String(),
		Status:       postgres.StatusFailed,
		TotalRuns:    job.TotalRuns,
		ErrorMessage: msg,
	})
}

func hasKnownCode(msg string) bool {
	return strings.HasPrefix(msg, "DATASET_NOT_FOUND:") ||
		strings.HasPrefix(msg, "DATASET_OBJECT_MISSING:")
}

// backoffAbort wraps errors that must not be retried.
type backoffAbort struct{ err error }

func (a backoffAbort) Error() string { return a.err.Error() }
func (a backoffAbort) Unwrap() error { return a.err }

// withRetry runs fn up to storageRetries times with exponential backoff.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < storageRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var abort backoffAbort
		if errors.As(err, &abort) {
			return err
		}
		if attempt == storageRetries-1 {
			break
		}
		delay := storageRetryBase << attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
