package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herdcast/herdcast/internal/apierrors"
	"github.com/herdcast/herdcast/internal/forecast"
	"github.com/herdcast/herdcast/internal/storage/object"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

// jobView is the API shape of a forecast job.
type jobView struct {
	ID            uuid.UUID  `json:"id"`
	Status        string     `json:"status"`
	ProgressPct   int        `json:"progress_pct"`
	CompletedRuns int        `json:"completed_runs"`
	TotalRuns     int        `json:"total_runs"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	QueuedAt      time.Time  `json:"queued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func toJobView(j *postgres.ForecastJob) jobView {
	return jobView{
		ID:            j.ID,
		Status:        j.Status,
		ProgressPct:   j.ProgressPct,
		CompletedRuns: j.CompletedRuns,
		TotalRuns:     j.TotalRuns,
		ErrorMessage:  j.ErrorMessage,
		QueuedAt:      j.QueuedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
		ExpiresAt:     j.ExpiresAt,
	}
}

type createJobRequest struct {
	ScenarioID *uuid.UUID              `json:"scenario_id,omitempty"`
	Params     forecast.ScenarioParams `json:"params"`
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeRequestValidation, "invalid JSON body"))
		return
	}
	req.Params.ApplyDefaults()
	if err := req.Params.Validate(); err != nil {
		s.respondError(w, r, err)
		return
	}

	datasetID, err := uuid.Parse(req.Params.DatasetID)
	if err != nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeRequestValidation, "dataset_id must be a UUID"))
		return
	}
	if _, err := s.store.Datasets.Get(r.Context(), datasetID); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			s.respondError(w, r, apierrors.New(apierrors.CodeDatasetNotFound, "dataset not found"))
			return
		}
		s.respondError(w, r, err)
		return
	}

	params, err := json.Marshal(req.Params)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("encode params: %w", err))
		return
	}

	job, err := s.store.Jobs.Create(r.Context(), owner, datasetID, req.ScenarioID, params, req.Params.MCRuns, s.cfg.JobExpiresIn)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID.String()); err != nil {
		// Leave the row queued; the stuck sweep cannot see it, so surface
		// the enqueue failure to the caller.
		s.respondError(w, r, apierrors.New(apierrors.CodeDependencyUnavailable,
			"job stored but could not be queued", apierrors.WithCause(err)))
		return
	}

	s.log.Info("job queued",
		zap.String("job_id", job.ID.String()),
		zap.String("owner", owner),
		zap.Int("total_runs", job.TotalRuns))
	respondJSON(w, http.StatusAccepted, toJobView(job))
}

func (s *Server) loadJob(r *http.Request) (*postgres.ForecastJob, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeRequestValidation, "invalid job id")
	}
	job, err := s.store.Jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, apierrors.New(apierrors.CodeJobNotFound, "job not found")
		}
		return nil, err
	}
	return job, nil
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadJob(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadJob(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.serveJobResult(w, r, job)
}

func (s *Server) serveJobResult(w http.ResponseWriter, r *http.Request, job *postgres.ForecastJob) {
	if job.Status != postgres.StatusSucceeded || job.ResultKey == nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeJobNotReady,
			"job has no result yet", apierrors.WithDetails(map[string]any{"status": job.Status})))
		return
	}
	body, err := s.objects.Get(r.Context(), s.objects.ResultsBucket(), *job.ResultKey)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			s.respondError(w, r, apierrors.New(apierrors.CodeResultReadFailed, "stored result is gone"))
			return
		}
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleJobExportCSV(w http.ResponseWriter, r *http.Request) {
	s.serveExport(w, r, "csv")
}

func (s *Server) handleJobExportXLSX(w http.ResponseWriter, r *http.Request) {
	s.serveExport(w, r, "xlsx")
}

func (s *Server) serveExport(w http.ResponseWriter, r *http.Request, format string) {
	job, err := s.loadJob(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var key *string
	contentType := forecast.ContentTypeCSV
	if format == "xlsx" {
		key = job.ExportXLSXKey
		contentType = forecast.ContentTypeXLSX
	} else {
		key = job.ExportCSVKey
	}
	if job.Status != postgres.StatusSucceeded || key == nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeExportNotReady,
			"export is not available yet", apierrors.WithDetails(map[string]any{"status": job.Status})))
		return
	}

	body, err := s.objects.Get(r.Context(), s.objects.ExportsBucket(), *key)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			s.respondError(w, r, apierrors.New(apierrors.CodeResultReadFailed, "stored export is gone"))
			return
		}
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="forecast_%s.%s"`, job.ID, format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
