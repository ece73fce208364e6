package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	provider, err := newDockerProviderSafe()
	if err != nil {
		t.Skipf("skipping storage integration tests: docker unavailable: %v", err)
		return nil
	}
	if provider != nil {
		require.NoError(t, provider.Close())
	}
	container, err := tcpostgres.RunContainer(ctx,
		tcpostgres.WithDatabase("herdcast"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
	)
	if err != nil {
		t.Skipf("skipping storage integration tests: failed to start postgres container: %v", err)
		return nil
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connString)
	require.NoError(t, err)
	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(db, "../../../db/migrations"))
	require.NoError(t, db.Close())

	store, err := New(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func newDockerProviderSafe() (*testcontainers.DockerProvider, error) {
	var (
		provider *testcontainers.DockerProvider
		err      error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker provider initialization failed: %v", r)
		}
	}()
	provider, err = testcontainers.NewDockerProvider()
	return provider, err
}

func createTestDataset(t *testing.T, store *Store, owner string) *Dataset {
	t.Helper()
	histogram, _ := json.Marshal(map[string]int{"milking": 10})
	issues, _ := json.Marshal([]any{})
	suggested := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	d, err := store.Datasets.Create(context.Background(), &Dataset{
		ID:                  uuid.New(),
		Owner:               owner,
		Filename:            "herd.csv",
		ObjectKey:           "datasets/test.csv",
		SizeBytes:           1234,
		RowCount:            10,
		StatusHistogram:     histogram,
		QualityIssues:       issues,
		SuggestedReportDate: &suggested,
	})
	require.NoError(t, err)
	return d
}

func createTestJob(t *testing.T, store *Store, owner string, mcRuns int) *ForecastJob {
	t.Helper()
	ds := createTestDataset(t, store, owner)
	params, _ := json.Marshal(map[string]any{"dataset_id": ds.ID.String(), "mc_runs": mcRuns})

	job, err := store.Jobs.Create(context.Background(), owner, ds.ID, nil, params, mcRuns, 24*time.Hour)
	require.NoError(t, err)
	return job
}

func TestJobLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := createTestJob(t, store, "user-1", 50)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 0, job.ProgressPct)
	assert.Equal(t, 50, job.TotalRuns)
	assert.NotNil(t, job.ExpiresAt)
	assert.Nil(t, job.StartedAt)

	require.NoError(t, store.Jobs.MarkRunning(ctx, job.ID))
	got, err := store.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 10, got.ProgressPct)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, store.Jobs.UpdateProgress(ctx, job.ID, 45, 22))
	got, err = store.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 45, got.ProgressPct)
	assert.Equal(t, 22, got.CompletedRuns)

	require.NoError(t, store.Jobs.MarkSucceeded(ctx, job.ID, "results/x.json", "exports/x.csv", "exports/x.xlsx"))
	got, err = store.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 100, got.ProgressPct)
	assert.Equal(t, 50, got.CompletedRuns)
	require.NotNil(t, got.ResultKey)
	assert.Equal(t, "results/x.json", *got.ResultKey)
	assert.NotNil(t, got.FinishedAt)
}

func TestJobTerminalStateIsGuarded(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := createTestJob(t, store, "user-1", 1)
	require.NoError(t, store.Jobs.MarkRunning(ctx, job.ID))
	require.NoError(t, store.Jobs.MarkCanceled(ctx, job.ID))

	// No transition may resurrect a terminal job.
	assert.ErrorIs(t, store.Jobs.MarkRunning(ctx, job.ID), ErrConflict)
	assert.ErrorIs(t, store.Jobs.UpdateProgress(ctx, job.ID, 50, 1), ErrConflict)
	assert.ErrorIs(t, store.Jobs.MarkSucceeded(ctx, job.ID, "r", "c", "x"), ErrConflict)
	assert.ErrorIs(t, store.Jobs.MarkFailed(ctx, job.ID, "boom"), ErrConflict)
	assert.ErrorIs(t, store.Jobs.Requeue(ctx, job.ID), ErrConflict)

	got, err := store.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
}

func TestJobMarkRunningIsIdempotentWhileRunning(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := createTestJob(t, store, "user-1", 1)
	require.NoError(t, store.Jobs.MarkRunning(ctx, job.ID))
	require.NoError(t, store.Jobs.MarkRunning(ctx, job.ID))
}

func TestJobRequeueRestoresRunBudget(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := createTestJob(t, store, "user-1", 30)
	require.NoError(t, store.Jobs.MarkRunning(ctx, job.ID))
	require.NoError(t, store.Jobs.UpdateProgress(ctx, job.ID, 60, 18))

	require.NoError(t, store.Jobs.Requeue(ctx, job.ID))
	got, err := store.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 0, got.ProgressPct)
	assert.Equal(t, 0, got.CompletedRuns)
	assert.Equal(t, 30, got.TotalRuns)
	assert.Nil(t, got.StartedAt)
}

func TestFindStuckRunning(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := createTestJob(t, store, "user-1", 1)
	require.NoError(t, store.Jobs.MarkRunning(ctx, job.ID))

	ids, err := store.Jobs.FindStuckRunning(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = store.Jobs.FindStuckRunning(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{job.ID}, ids)
}

func TestJobOwnershipAndListing(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	mine := createTestJob(t, store, "user-1", 1)
	theirs := createTestJob(t, store, "user-2", 1)

	_, err := store.Jobs.GetForOwner(ctx, theirs.ID, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Jobs.MarkRunning(ctx, mine.ID))
	require.NoError(t, store.Jobs.MarkFailed(ctx, mine.ID, "INTERNAL_ERROR: boom"))

	jobs, err := store.Jobs.ListByOwner(ctx, "user-1", JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, mine.ID, jobs[0].ID)

	jobs, err = store.Jobs.ListByOwner(ctx, "user-1", JobFilter{Status: StatusFailed})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = store.Jobs.ListByOwner(ctx, "user-1", JobFilter{Status: StatusQueued})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobSoftDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := createTestJob(t, store, "user-1", 1)

	// Active jobs cannot be removed from history.
	assert.ErrorIs(t, store.Jobs.SoftDelete(ctx, job.ID, "user-1"), ErrConflict)

	require.NoError(t, store.Jobs.MarkRunning(ctx, job.ID))
	require.NoError(t, store.Jobs.MarkCanceled(ctx, job.ID))
	require.NoError(t, store.Jobs.SoftDelete(ctx, job.ID, "user-1"))

	_, err := store.Jobs.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobProgressNeverMovesBackwards(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := createTestJob(t, store, "user-1", 20)
	require.NoError(t, store.Jobs.MarkRunning(ctx, job.ID))
	require.NoError(t, store.Jobs.UpdateProgress(ctx, job.ID, 50, 10))

	// A late writer with an older count cannot undo the newer update.
	require.NoError(t, store.Jobs.UpdateProgress(ctx, job.ID, 30, 5))
	got, err := store.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.ProgressPct)
	assert.Equal(t, 10, got.CompletedRuns)

	require.NoError(t, store.Jobs.UpdateProgress(ctx, job.ID, 70, 15))
	got, err = store.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, got.ProgressPct)
	assert.Equal(t, 15, got.CompletedRuns)
}

func TestJobHistoryFilters(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	failed := createTestJob(t, store, "user-1", 1)
	require.NoError(t, store.Jobs.MarkRunning(ctx, failed.ID))
	require.NoError(t, store.Jobs.MarkFailed(ctx, failed.ID, "DATASET_OBJECT_MISSING: object gone"))
	queued := createTestJob(t, store, "user-1", 1)

	// Substring search matches the job id.
	jobs, err := store.Jobs.ListByOwner(ctx, "user-1", JobFilter{Q: queued.ID.String()[:8]})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queued.ID, jobs[0].ID)

	// And the stored error message, case-insensitively.
	jobs, err = store.Jobs.ListByOwner(ctx, "user-1", JobFilter{Q: "object gone"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, failed.ID, jobs[0].ID)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	tomorrow := today.AddDate(0, 0, 1)

	jobs, err = store.Jobs.ListByOwner(ctx, "user-1", JobFilter{DateFrom: &today, DateTo: &today})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = store.Jobs.ListByOwner(ctx, "user-1", JobFilter{DateFrom: &tomorrow})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScenarioCRUD(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	params, _ := json.Marshal(map[string]any{"horizon_months": 12})
	sc, err := store.Scenarios.Create(ctx, "user-1", "base plan", params)
	require.NoError(t, err)

	got, err := store.Scenarios.Get(ctx, sc.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "base plan", got.Name)

	_, err = store.Scenarios.Get(ctx, sc.ID, "user-2")
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := store.Scenarios.Update(ctx, sc.ID, "user-1", "revised plan", params)
	require.NoError(t, err)
	assert.Equal(t, "revised plan", updated.Name)

	require.NoError(t, store.Scenarios.Delete(ctx, sc.ID, "user-1"))
	assert.ErrorIs(t, store.Scenarios.Delete(ctx, sc.ID, "user-1"), ErrNotFound)

	list, err := store.Scenarios.List(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDatasetRepository(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	d := createTestDataset(t, store, "user-1")
	got, err := store.Datasets.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ObjectKey, got.ObjectKey)
	require.NotNil(t, got.SuggestedReportDate)

	_, err = store.Datasets.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.Datasets.ListByOwner(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
