package forecast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdcast/herdcast/internal/apierrors"
	"github.com/herdcast/herdcast/internal/herd"
)

// testReport anchors every montecarlo test; the records below make it the
// maximum factual date.
var testReport = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

func testRecords() []herd.AnimalRecord {
	lastCalving := testReport
	olderCalving := testReport.AddDate(0, 0, -200)
	success := testReport.AddDate(0, 0, -230)
	dryoff := testReport.AddDate(0, 0, -10)
	archived := testReport.AddDate(0, 0, -100)
	insem := testReport.AddDate(0, 0, -60)

	return []herd.AnimalRecord{
		{ID: 1, BirthDate: testReport.AddDate(-3, 0, 0), Lactation: 1, LastCalving: &lastCalving},
		{ID: 2, BirthDate: testReport.AddDate(-1, -2, 0), Lactation: 0},
		{ID: 3, BirthDate: testReport.AddDate(-4, 0, 0), Lactation: 2, LastCalving: &olderCalving, SuccessInsem: &success, Dryoff: &dryoff},
		{ID: 4, BirthDate: testReport.AddDate(-5, 0, 0), Lactation: 3, Archive: &archived, Culled: true},
		{ID: 5, BirthDate: testReport.AddDate(-3, 0, 0), Lactation: 1, LastCalving: &olderCalving, SuccessInsem: &insem},
	}
}

func testScenario() ScenarioParams {
	return ScenarioParams{
		DatasetID:     "d1",
		HorizonMonths: 3,
		MCRuns:        1,
		Seed:          42,
	}
}

func TestRunnerSingleRunHasNoBands(t *testing.T) {
	r := NewRunner(RunnerConfig{SimulationVersion: "test"}, nil)
	res, err := r.Run(context.Background(), testScenario(), testRecords(), nil)
	require.NoError(t, err)

	require.Len(t, res.SeriesP50, 4)
	assert.Nil(t, res.SeriesP10)
	assert.Nil(t, res.SeriesP90)
	assert.Nil(t, res.FuturePoint)

	assert.Equal(t, herd.DateOf(testReport), res.SeriesP50[0].Date)
	assert.Equal(t, herd.NewDate(2024, time.July, 1), res.SeriesP50[1].Date)
	assert.Equal(t, 1, res.Meta.CompletedRuns)
	assert.Equal(t, EngineM5, res.Meta.Engine)
	assert.Equal(t, "test", res.Meta.SimulationVersion)
	assert.NotEmpty(t, res.Events)
}

func TestRunnerMultiRunProducesBands(t *testing.T) {
	params := testScenario()
	params.MCRuns = 8

	r := NewRunner(RunnerConfig{ParallelEnabled: true, MaxProcesses: 4, BatchSize: 2}, nil)
	res, err := r.Run(context.Background(), params, testRecords(), nil)
	require.NoError(t, err)

	require.Len(t, res.SeriesP10, 4)
	require.Len(t, res.SeriesP90, 4)
	for i := range res.SeriesP50 {
		assert.LessOrEqual(t, res.SeriesP10[i].MilkingCount, res.SeriesP90[i].MilkingCount)
	}
	assert.Equal(t, 8, res.Meta.CompletedRuns)
}

func TestRunnerDeterministicAcrossCalls(t *testing.T) {
	params := testScenario()
	params.MCRuns = 4

	run := func(cfg RunnerConfig) *Result {
		res, err := NewRunner(cfg, nil).Run(context.Background(), params, testRecords(), nil)
		require.NoError(t, err)
		return res
	}

	sequential := run(RunnerConfig{})
	parallel := run(RunnerConfig{ParallelEnabled: true, MaxProcesses: 4, BatchSize: 1})
	assert.Equal(t, sequential, parallel)
}

func TestRunnerLegacyEngine(t *testing.T) {
	params := testScenario()
	params.Engine = EngineLegacy
	params.MCRuns = 2

	r := NewRunner(RunnerConfig{}, nil)
	res, err := r.Run(context.Background(), params, testRecords(), nil)
	require.NoError(t, err)

	require.Len(t, res.SeriesP50, 4)
	assert.Equal(t, EngineLegacy, res.Meta.Engine)
	assert.Empty(t, res.Meta.Warnings)
}

func TestRunnerReportDateMismatch(t *testing.T) {
	params := testScenario()
	params.ReportDate = herd.DateOf(testReport.AddDate(0, 0, -1))

	_, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), params, testRecords(), nil)
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeReportDateMismatch, apierrors.From(err).Code)
}

func TestRunnerFutureDateValidation(t *testing.T) {
	t.Run("not a month start", func(t *testing.T) {
		params := testScenario()
		params.FutureDate = herd.NewDate(2024, time.July, 15).Ptr()
		_, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), params, testRecords(), nil)
		require.Error(t, err)
		assert.Equal(t, apierrors.CodeFutureDateUnsupported, apierrors.From(err).Code)
	})

	t.Run("beyond the horizon", func(t *testing.T) {
		params := testScenario()
		params.FutureDate = herd.NewDate(2025, time.January, 1).Ptr()
		_, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), params, testRecords(), nil)
		require.Error(t, err)
		assert.Equal(t, apierrors.CodeFutureDateOutOfRange, apierrors.From(err).Code)
	})
}

func TestRunnerFuturePointMatchesMedianSeries(t *testing.T) {
	params := testScenario()
	params.FutureDate = herd.NewDate(2024, time.August, 1).Ptr()

	res, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), params, testRecords(), nil)
	require.NoError(t, err)

	require.NotNil(t, res.FuturePoint)
	assert.Equal(t, res.SeriesP50[2], *res.FuturePoint)
}

func TestRunnerProgressReportsEveryRun(t *testing.T) {
	params := testScenario()
	params.MCRuns = 5

	var calls []int
	var lastPartial *Result
	progress := func(completed, total int, partial *Result) {
		assert.Equal(t, 5, total)
		require.NotNil(t, partial)
		assert.Equal(t, completed, partial.Meta.CompletedRuns)
		calls = append(calls, completed)
		lastPartial = partial
	}
	res, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), params, testRecords(), progress)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, calls)

	// The partial after the last batch already covers every run.
	assert.Equal(t, res, lastPartial)
}

func TestRunnerProgressOrderedAcrossParallelBatches(t *testing.T) {
	params := testScenario()
	params.MCRuns = 6

	var calls []int
	progress := func(completed, total int, partial *Result) {
		assert.Equal(t, 6, total)
		require.NotNil(t, partial)
		calls = append(calls, completed)
	}
	r := NewRunner(RunnerConfig{ParallelEnabled: true, MaxProcesses: 4, BatchSize: 2}, nil)
	_, err := r.Run(context.Background(), params, testRecords(), progress)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, calls)
}

func TestRunnerEventsKeyedBySnapshotDates(t *testing.T) {
	report := time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC)
	calving := report
	records := []herd.AnimalRecord{
		{ID: 1, BirthDate: report.AddDate(-3, 0, 0), Lactation: 1, LastCalving: &calving},
	}

	params := ScenarioParams{DatasetID: "d1", HorizonMonths: 1, MCRuns: 1, Seed: 7}
	res, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), params, records, nil)
	require.NoError(t, err)

	// A mid-month report with a one month horizon yields exactly one events
	// row, dated at the month-start snapshot, never at the report's own
	// calendar month.
	require.Len(t, res.SeriesP50, 2)
	require.Len(t, res.Events, 1)
	assert.Equal(t, herd.NewDate(2026, time.March, 1), res.Events[0].Month)
}

func TestRunnerReportDateRowIsStartingSnapshot(t *testing.T) {
	report := time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC)
	olderCalving := report.AddDate(0, 0, -100)
	conception := report.AddDate(0, 0, -120)
	dryoff := report

	records := []herd.AnimalRecord{
		{ID: 1, BirthDate: report.AddDate(-3, 0, 0), Lactation: 1, LastCalving: &olderCalving, DaysInMilk: 100},
		{ID: 2, BirthDate: report.AddDate(-4, 0, 0), Lactation: 2, LastCalving: &olderCalving, SuccessInsem: &conception, Dryoff: &dryoff},
	}

	params := ScenarioParams{DatasetID: "d1", HorizonMonths: 1, MCRuns: 1, Seed: 11}
	res, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), params, records, nil)
	require.NoError(t, err)

	// The first series row reports the herd exactly as uploaded, before any
	// simulated day advances it.
	first := res.SeriesP50[0]
	assert.Equal(t, herd.DateOf(report), first.Date)
	assert.Equal(t, 1, first.MilkingCount)
	assert.Equal(t, 1, first.DryCount)
	require.NotNil(t, first.AvgDaysInMilk)
	assert.Equal(t, 100.0, *first.AvgDaysInMilk)
}

func TestRunnerWarnsOnIgnoredPurchaseFields(t *testing.T) {
	params := testScenario()
	days := 120
	params.Purchases = []PurchaseItem{
		{DateIn: herd.NewDate(2024, time.July, 1), Count: 3, DaysPregnant: &days},
	}

	res, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), params, testRecords(), nil)
	require.NoError(t, err)
	require.Len(t, res.Meta.Warnings, 1)
	assert.Contains(t, res.Meta.Warnings[0], "ignored by herd_m5")
}

func TestRunnerManualPurchasesRaiseHeadcount(t *testing.T) {
	base := testScenario()
	baseline, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), base, testRecords(), nil)
	require.NoError(t, err)

	withBuys := testScenario()
	days := 120
	withBuys.Purchases = []PurchaseItem{
		{DateIn: herd.NewDate(2024, time.June, 15), Count: 10, DaysPregnant: &days},
	}
	bought, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), withBuys, testRecords(), nil)
	require.NoError(t, err)

	last := len(bought.SeriesP50) - 1
	baseTotal := seriesHeadcount(baseline.SeriesP50[last])
	boughtTotal := seriesHeadcount(bought.SeriesP50[last])
	assert.Greater(t, boughtTotal, baseTotal)

	var purchases int
	for _, ev := range bought.Events {
		purchases += ev.PurchasesIn
	}
	assert.Equal(t, 10, purchases)
}

func seriesHeadcount(p ForecastPoint) int {
	return p.MilkingCount + p.DryCount + p.HeiferCount + p.PregnantHeiferCount
}

func TestRunnerRejectsDatasetWithoutDates(t *testing.T) {
	records := []herd.AnimalRecord{{ID: 1, Lactation: 0}}
	_, err := NewRunner(RunnerConfig{}, nil).Run(context.Background(), testScenario(), records, nil)
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeRequestValidation, apierrors.From(err).Code)
}
