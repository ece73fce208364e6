package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/herdcast/herdcast/internal/apierrors"
	"github.com/herdcast/herdcast/internal/forecast"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

type scenarioView struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Params    json.RawMessage `json:"params"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toScenarioView(sc *postgres.Scenario) scenarioView {
	return scenarioView{
		ID:        sc.ID,
		Name:      sc.Name,
		Params:    json.RawMessage(sc.Params),
		CreatedAt: sc.CreatedAt,
		UpdatedAt: sc.UpdatedAt,
	}
}

type scenarioRequest struct {
	Name   string                  `json:"name"`
	Params forecast.ScenarioParams `json:"params"`
}

// decodeScenarioRequest validates the payload; parameter violations are
// reported as SCENARIO_PARAMS_INVALID to distinguish them from malformed
// requests.
func decodeScenarioRequest(r *http.Request) (*scenarioRequest, []byte, error) {
	var req scenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, nil, apierrors.New(apierrors.CodeRequestValidation, "invalid JSON body")
	}
	if req.Name == "" {
		return nil, nil, apierrors.New(apierrors.CodeRequestValidation, "name is required")
	}
	req.Params.ApplyDefaults()
	if err := req.Params.Validate(); err != nil {
		var apiErr *apierrors.Error
		if errors.As(err, &apiErr) {
			return nil, nil, apierrors.New(apierrors.CodeScenarioParamsInvalid, apiErr.Message)
		}
		return nil, nil, err
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, nil, err
	}
	return &req, params, nil
}

func (s *Server) handleScenarioCreate(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	req, params, err := decodeScenarioRequest(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	sc, err := s.store.Scenarios.Create(r.Context(), owner, req.Name, params)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toScenarioView(sc))
}

func (s *Server) handleScenarioList(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	list, err := s.store.Scenarios.List(r.Context(), owner, 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]scenarioView, 0, len(list))
	for _, sc := range list {
		out = append(out, toScenarioView(sc))
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) loadScenario(r *http.Request) (*postgres.Scenario, error) {
	owner, err := requireUser(r)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeRequestValidation, "invalid scenario id")
	}
	sc, err := s.store.Scenarios.Get(r.Context(), id, owner)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, apierrors.New(apierrors.CodeScenarioNotFound, "scenario not found")
		}
		return nil, err
	}
	return sc, nil
}

func (s *Server) handleScenarioGet(w http.ResponseWriter, r *http.Request) {
	sc, err := s.loadScenario(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toScenarioView(sc))
}

func (s *Server) handleScenarioUpdate(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeRequestValidation, "invalid scenario id"))
		return
	}
	req, params, err := decodeScenarioRequest(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	sc, err := s.store.Scenarios.Update(r.Context(), id, owner, req.Name, params)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			s.respondError(w, r, apierrors.New(apierrors.CodeScenarioNotFound, "scenario not found"))
			return
		}
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toScenarioView(sc))
}

func (s *Server) handleScenarioDelete(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeRequestValidation, "invalid scenario id"))
		return
	}
	if err := s.store.Scenarios.Delete(r.Context(), id, owner); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			s.respondError(w, r, apierrors.New(apierrors.CodeScenarioNotFound, "scenario not found"))
			return
		}
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleScenarioRun queues a forecast job from a saved scenario.
func (s *Server) handleScenarioRun(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	sc, err := s.loadScenario(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var params forecast.ScenarioParams
	if err := json.Unmarshal(sc.Params, &params); err != nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeScenarioParamsInvalid, "stored scenario parameters are unreadable"))
		return
	}
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		s.respondError(w, r, err)
		return
	}
	datasetID, err := uuid.Parse(params.DatasetID)
	if err != nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeScenarioParamsInvalid, "scenario dataset_id must be a UUID"))
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

	job, err := s.store.Jobs.Create(r.Context(), owner, datasetID, &sc.ID, sc.Params, params.MCRuns, s.cfg.JobExpiresIn)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID.String()); err != nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeDependencyUnavailable,
			"job stored but could not be queued", apierrors.WithCause(err)))
		return
	}
	respondJSON(w, http.StatusAccepted, toJobView(job))
}
