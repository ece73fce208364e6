package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herdcast/herdcast/internal/queue"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

const dequeueTimeout = 5 * time.Second

// Supervisor owns the worker loop: it recovers jobs left running by a
// crashed worker, then consumes the queue sequentially.
type Supervisor struct {
	store        *postgres.Store
	queue        *queue.Queue
	pipeline     *Pipeline
	stuckTimeout time.Duration
	log          *zap.Logger
}

// NewSupervisor wires the supervisor.
func NewSupervisor(store *postgres.Store, q *queue.Queue, pipeline *Pipeline, stuckTimeout time.Duration, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		store:        store,
		queue:        q,
		pipeline:     pipeline,
		stuckTimeout: stuckTimeout,
		log:          log,
	}
}

// Run sweeps stuck jobs once, then blocks consuming the queue until ctx is
// canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.recoverStuck(ctx); err != nil {
		return err
	}

	s.log.Info("worker loop started")
	for {
		id, err := s.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				s.log.Info("worker loop stopped")
				return nil
			}
			s.log.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		jobID, err := uuid.Parse(id)
		if err != nil {
			s.log.Warn("discarding malformed queue entry", zap.String("entry", id))
			continue
		}
		if err := s.pipeline.Process(ctx, jobID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("job processing failed", zap.String("job_id", id), zap.Error(err))
		}
	}
}

// recoverStuck requeues running jobs whose updated_at has gone stale. Covers
// workers that died mid-run.
func (s *Supervisor) recoverStuck(ctx context.Context) error {
	ids, err := s.store.Jobs.FindStuckRunning(ctx, s.stuckTimeout)
	if err != nil {
		return fmt.Errorf("find stuck jobs: %w", err)
	}
	for _, id := range ids {
		if err := s.store.Jobs.Requeue(ctx, id); err != nil {
			if errors.Is(err, postgres.ErrConflict) {
				continue
			}
			return fmt.Errorf("requeue %s: %w", id, err)
		}
		if err := s.queue.Enqueue(ctx, id.String()); err != nil {
			return fmt.Errorf("re-enqueue %s: %w", id, err)
		}
		jobsRequeued.Inc()
		s.log.Warn("requeued stuck job", zap.String("job_id", id.String()))
	}
	if len(ids) > 0 {
		s.log.Info("stuck job sweep finished", zap.Int("requeued", len(ids)))
	}
	return nil
}
