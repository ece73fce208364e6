package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/herdcast/herdcast/internal/apierrors"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.From(err)
	if apiErr.Status() >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.Error(err))
	}
	respondJSON(w, apiErr.Status(), apiErr)
}
