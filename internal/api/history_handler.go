package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herdcast/herdcast/internal/apierrors"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	filter, err := parseHistoryFilter(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	jobs, err := s.store.Jobs.ListByOwner(r.Context(), owner, filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobView(j))
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": out})
}

// parseHistoryFilter reads the history listing query parameters. Reversed
// date ranges are rejected rather than silently returning nothing.
func parseHistoryFilter(r *http.Request) (postgres.JobFilter, error) {
	q := r.URL.Query()
	filter := postgres.JobFilter{Status: q.Get("status"), Q: q.Get("q")}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("date_from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return filter, apierrors.New(apierrors.CodeRequestValidation, "date_from must be a YYYY-MM-DD date")
		}
		filter.DateFrom = &t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return filter, apierrors.New(apierrors.CodeRequestValidation, "date_to must be a YYYY-MM-DD date")
		}
		filter.DateTo = &t
	}
	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateFrom.After(*filter.DateTo) {
		return filter, apierrors.New(apierrors.CodeRequestValidation,
			"date_from must be less than or equal to date_to")
	}
	return filter, nil
}

func (s *Server) loadHistoryJob(r *http.Request) (*postgres.ForecastJob, error) {
	owner, err := requireUser(r)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeRequestValidation, "invalid job id")
	}
	job, err := s.store.Jobs.GetForOwner(r.Context(), id, owner)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, apierrors.New(apierrors.CodeHistoryItemNotFound, "history item not found")
		}
		return nil, err
	}
	return job, nil
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadHistoryJob(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) handleHistoryResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadHistoryJob(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.serveJobResult(w, r, job)
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeRequestValidation, "invalid job id"))
		return
	}

	job, err := s.store.Jobs.GetForOwner(r.Context(), id, owner)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			s.respondError(w, r, apierrors.New(apierrors.CodeHistoryItemNotFound, "history item not found"))
			return
		}
		s.respondError(w, r, err)
		return
	}
	if !postgres.IsTerminal(job.Status) {
		s.respondError(w, r, apierrors.New(apierrors.CodeHistoryJobActive, "job is still active"))
		return
	}

	// Artifacts first, best effort; an unreachable object store must not
	// keep the row in history.
	for _, skip := range deleteJobArtifacts(r.Context(), s.objects, job) {
		s.log.Warn("delete job artifact", zap.String("job_id", id.String()), zap.String("reason", skip.Reason))
	}
	if err := s.store.Jobs.SoftDelete(r.Context(), id, owner); err != nil {
		switch {
		case errors.Is(err, postgres.ErrNotFound):
			s.respondError(w, r, apierrors.New(apierrors.CodeHistoryItemNotFound, "history item not found"))
		case errors.Is(err, postgres.ErrConflict):
			s.respondError(w, r, apierrors.New(apierrors.CodeHistoryJobActive, "job is still active"))
		default:
			s.respondError(w, r, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkDeleteRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

// bulkDeleteSkipItem explains why one requested id was not deleted.
type bulkDeleteSkipItem struct {
	ID     uuid.UUID `json:"id"`
	Reason string    `json:"reason"`
}

// historyJobStore is the slice of the job repository bulk delete needs.
type historyJobStore interface {
	GetForOwner(ctx context.Context, id uuid.UUID, owner string) (*postgres.ForecastJob, error)
	SoftDelete(ctx context.Context, id uuid.UUID, owner string) error
}

// artifactStore is the slice of the object store bulk delete needs.
type artifactStore interface {
	Delete(ctx context.Context, bucket, key string) error
	ResultsBucket() string
	ExportsBucket() string
}

func (s *Server) handleHistoryBulkDelete(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeRequestValidation, "invalid JSON body"))
		return
	}

	deleted, skipped, err := bulkDeleteJobs(r.Context(), s.store.Jobs, s.objects, owner, req.IDs)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"deleted_ids": deleted,
		"skipped":     skipped,
	})
}

// bulkDeleteJobs removes the owner's terminal jobs among ids. Each id is
// either deleted or reported with a skip reason; artifact deletion failures
// are recorded but never block removing the row.
func bulkDeleteJobs(ctx context.Context, jobs historyJobStore, objects artifactStore, owner string, ids []uuid.UUID) ([]uuid.UUID, []bulkDeleteSkipItem, error) {
	deleted := make([]uuid.UUID, 0, len(ids))
	skipped := make([]bulkDeleteSkipItem, 0)

	for _, id := range ids {
		job, err := jobs.GetForOwner(ctx, id, owner)
		if err != nil {
			if errors.Is(err, postgres.ErrNotFound) {
				skipped = append(skipped, bulkDeleteSkipItem{ID: id, Reason: "NOT_FOUND"})
				continue
			}
			return nil, nil, err
		}
		if !postgres.IsTerminal(job.Status) {
			skipped = append(skipped, bulkDeleteSkipItem{ID: id, Reason: "JOB_ACTIVE"})
			continue
		}

		skipped = append(skipped, deleteJobArtifacts(ctx, objects, job)...)

		if err := jobs.SoftDelete(ctx, id, owner); err != nil {
			switch {
			case errors.Is(err, postgres.ErrNotFound):
				skipped = append(skipped, bulkDeleteSkipItem{ID: id, Reason: "NOT_FOUND"})
				continue
			case errors.Is(err, postgres.ErrConflict):
				skipped = append(skipped, bulkDeleteSkipItem{ID: id, Reason: "JOB_ACTIVE"})
				continue
			default:
				return nil, nil, err
			}
		}
		deleted = append(deleted, id)
	}
	return deleted, skipped, nil
}

// deleteJobArtifacts removes the job's stored result and exports. Missing
// keys are skipped; failures are reported as OBJECT_DELETE_FAILED with the
// artifact alias so the caller can tell which object survived.
func deleteJobArtifacts(ctx context.Context, objects artifactStore, job *postgres.ForecastJob) []bulkDeleteSkipItem {
	targets := []struct {
		bucket string
		key    *string
		alias  string
	}{
		{objects.ResultsBucket(), job.ResultKey, "result"},
		{objects.ExportsBucket(), job.ExportCSVKey, "csv"},
		{objects.ExportsBucket(), job.ExportXLSXKey, "xlsx"},
	}

	var skipped []bulkDeleteSkipItem
	for _, t := range targets {
		if t.key == nil || *t.key == "" {
			continue
		}
		if err := objects.Delete(ctx, t.bucket, *t.key); err != nil {
			skipped = append(skipped, bulkDeleteSkipItem{
				ID:     job.ID,
				Reason: fmt.Sprintf("OBJECT_DELETE_FAILED:%s:%v", t.alias, err),
			})
		}
	}
	return skipped
}
