package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdcast/herdcast/internal/apierrors"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

type fakeJobStore struct {
	jobs    map[uuid.UUID]*postgres.ForecastJob
	deleted []uuid.UUID
}

func (f *fakeJobStore) GetForOwner(_ context.Context, id uuid.UUID, owner string) (*postgres.ForecastJob, error) {
	j, ok := f.jobs[id]
	if !ok || j.Owner != owner {
		return nil, postgres.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobStore) SoftDelete(_ context.Context, id uuid.UUID, owner string) error {
	j, ok := f.jobs[id]
	if !ok || j.Owner != owner {
		return postgres.ErrNotFound
	}
	if !postgres.IsTerminal(j.Status) {
		return postgres.ErrConflict
	}
	delete(f.jobs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeObjectStore struct {
	failKeys map[string]error
	deleted  []string
}

func (f *fakeObjectStore) Delete(_ context.Context, bucket, key string) error {
	if err, ok := f.failKeys[key]; ok {
		return err
	}
	f.deleted = append(f.deleted, bucket+"/"+key)
	return nil
}

func (f *fakeObjectStore) ResultsBucket() string { return "results" }
func (f *fakeObjectStore) ExportsBucket() string { return "exports" }

func strPtr(s string) *string { return &s }

func TestBulkDeleteJobsReportsSkipReasons(t *testing.T) {
	owner := "user-1"
	clean := uuid.New()
	withBrokenExport := uuid.New()
	active := uuid.New()
	foreign := uuid.New()
	unknown := uuid.New()

	jobs := &fakeJobStore{jobs: map[uuid.UUID]*postgres.ForecastJob{
		clean: {
			ID: clean, Owner: owner, Status: postgres.StatusSucceeded,
			ResultKey:    strPtr("results/a.json"),
			ExportCSVKey: strPtr("exports/a.csv"),
		},
		withBrokenExport: {
			ID: withBrokenExport, Owner: owner, Status: postgres.StatusSucceeded,
			ResultKey:     strPtr("results/b.json"),
			ExportCSVKey:  strPtr("exports/b.csv"),
			ExportXLSXKey: strPtr("exports/b.xlsx"),
		},
		active:  {ID: active, Owner: owner, Status: postgres.StatusRunning},
		foreign: {ID: foreign, Owner: "user-2", Status: postgres.StatusSucceeded},
	}}
	objects := &fakeObjectStore{failKeys: map[string]error{
		"exports/b.csv": errors.New("connection refused"),
	}}

	ids := []uuid.UUID{clean, withBrokenExport, active, foreign, unknown}
	deleted, skipped, err := bulkDeleteJobs(context.Background(), jobs, objects, owner, ids)
	require.NoError(t, err)

	// Both terminal jobs go, the broken export notwithstanding.
	assert.Equal(t, []uuid.UUID{clean, withBrokenExport}, deleted)
	assert.Equal(t, deleted, jobs.deleted)

	require.Len(t, skipped, 4)
	assert.Equal(t, withBrokenExport, skipped[0].ID)
	assert.True(t, strings.HasPrefix(skipped[0].Reason, "OBJECT_DELETE_FAILED:csv:"), skipped[0].Reason)
	assert.Equal(t, bulkDeleteSkipItem{ID: active, Reason: "JOB_ACTIVE"}, skipped[1])
	assert.Equal(t, bulkDeleteSkipItem{ID: foreign, Reason: "NOT_FOUND"}, skipped[2])
	assert.Equal(t, bulkDeleteSkipItem{ID: unknown, Reason: "NOT_FOUND"}, skipped[3])

	assert.Contains(t, objects.deleted, "results/results/a.json")
	assert.Contains(t, objects.deleted, "exports/exports/a.csv")
	assert.Contains(t, objects.deleted, "results/results/b.json")
	assert.Contains(t, objects.deleted, "exports/exports/b.xlsx")
}

func TestBulkDeleteJobsUnknownIDSkipsAsNotFound(t *testing.T) {
	jobs := &fakeJobStore{jobs: map[uuid.UUID]*postgres.ForecastJob{}}
	objects := &fakeObjectStore{}
	id := uuid.New()

	deleted, skipped, err := bulkDeleteJobs(context.Background(), jobs, objects, "user-1", []uuid.UUID{id})
	require.NoError(t, err)
	assert.Empty(t, deleted)
	require.Len(t, skipped, 1)
	assert.Equal(t, bulkDeleteSkipItem{ID: id, Reason: "NOT_FOUND"}, skipped[0])
}

func TestHistoryListValidatesDateRange(t *testing.T) {
	h := newTestRouter(t)
	rec := doRequest(t, h, http.MethodGet,
		"/api/me/history/jobs?date_from=2026-03-01&date_to=2026-02-01", "user-1", "")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, apierrors.CodeRequestValidation, e.Code)
	assert.Contains(t, e.Message, "date_from")
}

func TestHistoryListRejectsMalformedDates(t *testing.T) {
	h := newTestRouter(t)
	rec := doRequest(t, h, http.MethodGet,
		"/api/me/history/jobs?date_from=yesterday", "user-1", "")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, apierrors.CodeRequestValidation, e.Code)
}
