package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herdcast/herdcast/internal/apierrors"
	"github.com/herdcast/herdcast/internal/dataset"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

// datasetView is the API shape of a stored dataset.
type datasetView struct {
	ID                  uuid.UUID       `json:"id"`
	Filename            string          `json:"filename"`
	SizeBytes           int64           `json:"size_bytes"`
	RowCount            int             `json:"row_count"`
	StatusHistogram     json.RawMessage `json:"status_histogram"`
	SuggestedReportDate *string         `json:"suggested_report_date,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

func toDatasetView(d *postgres.Dataset) datasetView {
	v := datasetView{
		ID:              d.ID,
		Filename:        d.Filename,
		SizeBytes:       d.SizeBytes,
		RowCount:        d.RowCount,
		StatusHistogram: json.RawMessage(d.StatusHistogram),
		CreatedAt:       d.CreatedAt,
	}
	if d.SuggestedReportDate != nil {
		s := d.SuggestedReportDate.Format("2006-01-02")
		v.SuggestedReportDate = &s
	}
	return v
}

func (s *Server) handleDatasetUpload(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.respondError(w, r, apierrors.New(apierrors.CodeUploadTooLarge,
				fmt.Sprintf("upload exceeds the %d byte limit", s.cfg.MaxUploadBytes)))
			return
		}
		s.respondError(w, r, apierrors.New(apierrors.CodeRequestValidation, "expected a multipart upload"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, apierrors.New(apierrors.CodeRequestValidation, "missing file field"))
		return
	}
	defer file.Close()

	if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != ".csv" {
		s.respondError(w, r, apierrors.New(apierrors.CodeInvalidFileType,
			fmt.Sprintf("unsupported file type %q, expected .csv", ext)))
		return
	}

	body, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	parsed, err := dataset.Parse(bytes.NewReader(body))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	id := uuid.New()
	objectKey := fmt.Sprintf("datasets/%s.csv", id)
	if err := s.objects.Put(r.Context(), s.objects.DatasetsBucket(), objectKey, body, "text/csv"); err != nil {
		s.respondError(w, r, err)
		return
	}

	histogram, _ := json.Marshal(parsed.StatusHistogram)
	issues, _ := json.Marshal(parsed.Issues)
	ds, err := s.store.Datasets.Create(r.Context(), &postgres.Dataset{
		ID:                  id,
		Owner:               owner,
		Filename:            header.Filename,
		ObjectKey:           objectKey,
		SizeBytes:           int64(len(body)),
		RowCount:            parsed.RowCount,
		StatusHistogram:     histogram,
		QualityIssues:       issues,
		SuggestedReportDate: parsed.SuggestedReportDate,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.log.Info("dataset uploaded",
		zap.String("dataset_id", id.String()),
		zap.String("owner", owner),
		zap.Int("rows", parsed.RowCount))
	respondJSON(w, http.StatusCreated, toDatasetView(ds))
}

func (s *Server) handleDatasetList(w http.ResponseWriter, r *http.Request) {
	owner, err := requireUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	list, err := s.store.Datasets.ListByOwner(r.Context(), owner, 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]datasetView, 0, len(list))
	for _, d := range list {
		out = append(out, toDatasetView(d))
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) loadDataset(r *http.Request) (*postgres.Dataset, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeRequestValidation, "invalid dataset id")
	}
	ds, err := s.store.Datasets.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, apierrors.New(apierrors.CodeDatasetNotFound, "dataset not found")
		}
		return nil, err
	}
	return ds, nil
}

func (s *Server) handleDatasetGet(w http.ResponseWriter, r *http.Request) {
	ds, err := s.loadDataset(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toDatasetView(ds))
}

func (s *Server) handleDatasetQuality(w http.ResponseWriter, r *http.Request) {
	ds, err := s.loadDataset(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	payload := map[string]any{
		"dataset_id":       ds.ID,
		"row_count":        ds.RowCount,
		"quality_issues":   json.RawMessage(ds.QualityIssues),
		"status_histogram": json.RawMessage(ds.StatusHistogram),
	}
	if ds.SuggestedReportDate != nil {
		payload["suggested_report_date"] = ds.SuggestedReportDate.Format("2006-01-02")
	}
	respondJSON(w, http.StatusOK, payload)
}
