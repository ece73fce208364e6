package herd

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroCullPolicy() *CullingPolicy {
	return &CullingPolicy{MonthlyHazardByGroup: map[string]float64{}, FallbackMonthlyHazard: 0}
}

func testEngineConfig(report, horizon time.Time) EngineConfig {
	return EngineConfig{
		ReportDate:  report,
		HorizonEnd:  horizon,
		Service:     DefaultServicePeriodPolicy(),
		Heifer:      DefaultHeiferInsemPolicy(),
		Cull:        zeroCullPolicy(),
		Replacement: ReplacementPolicy{},
	}
}

func TestBuildInitialAnimalsDerivesStatuses(t *testing.T) {
	report := dmy(1, 6, 2024)
	archived := report.AddDate(0, 0, -30)
	heiferSuccess := report.AddDate(0, 0, -100)
	lastCalving := report.AddDate(0, 0, -300)
	dryoff := report.AddDate(0, 0, -20)

	records := []AnimalRecord{
		{ID: 1, BirthDate: dmy(1, 1, 2020), Lactation: 2, Archive: &archived},
		{ID: 2, BirthDate: dmy(1, 1, 2023), Lactation: 0, SuccessInsem: &heiferSuccess},
		{ID: 3, BirthDate: dmy(1, 1, 2023), Lactation: 0},
		{ID: 4, BirthDate: dmy(1, 1, 2020), Lactation: 2, LastCalving: &lastCalving, Dryoff: &dryoff},
		{ID: 5, BirthDate: dmy(1, 1, 2021), Lactation: 1, LastCalving: &lastCalving},
	}
	animals := BuildInitialAnimals(records, report)
	require.Len(t, animals, 5)

	assert.Equal(t, StatusArchived, animals[1].Status)

	assert.Equal(t, StatusPregnantHeifer, animals[2].Status)
	require.NotNil(t, animals[2].NextCalving)
	assert.Equal(t, heiferSuccess.AddDate(0, 0, 280), *animals[2].NextCalving)

	assert.Equal(t, StatusHeifer, animals[3].Status)

	// Dry without a recorded success insemination gets it inferred.
	assert.Equal(t, StatusDry, animals[4].Status)
	require.NotNil(t, animals[4].SuccessInsem)
	assert.Equal(t, dryoff.AddDate(0, 0, -220), *animals[4].SuccessInsem)
	require.NotNil(t, animals[4].NextCalving)
	assert.Equal(t, dryoff.AddDate(0, 0, 60), *animals[4].NextCalving)

	assert.Equal(t, StatusMilking, animals[5].Status)
}

func TestSeedKnownEventsDryoffAndCalving(t *testing.T) {
	report := dmy(1, 6, 2024)
	horizon := report.AddDate(0, 12, 0)
	lastCalving := report.AddDate(0, 0, -150)
	success := report.AddDate(0, 0, -100)

	records := []AnimalRecord{
		{ID: 1, BirthDate: dmy(1, 1, 2020), Lactation: 1, LastCalving: &lastCalving, SuccessInsem: &success},
	}
	animals := BuildInitialAnimals(records, report)
	e := NewEngine(animals, rand.New(rand.NewSource(1)), testEngineConfig(report, horizon))
	SeedKnownEvents(e, report, horizon)
	e.InitSchedules(report)

	// Dry-off lands at success + 220, calving at success + 280.
	e.StepEventsUntil(report.AddDate(0, 0, 119))
	milking, dry, _, _ := e.CountsOn(report.AddDate(0, 0, 119))
	assert.Equal(t, 1, milking)
	assert.Equal(t, 0, dry)

	e.StepEventsUntil(report.AddDate(0, 0, 120))
	milking, dry, _, _ = e.CountsOn(report.AddDate(0, 0, 120))
	assert.Equal(t, 0, milking)
	assert.Equal(t, 1, dry)
	assert.Equal(t, 1, e.Months[MonthStart(report.AddDate(0, 0, 120))].Dryoffs)

	e.StepEventsUntil(report.AddDate(0, 0, 180))
	milking, dry, _, _ = e.CountsOn(report.AddDate(0, 0, 180))
	assert.Equal(t, 1, milking)
	assert.Equal(t, 0, dry)
	assert.Equal(t, 2, animals[1].Lactation)
	require.NotNil(t, animals[1].LastCalving)
	assert.Equal(t, success.AddDate(0, 0, 280), *animals[1].LastCalving)
}

func TestEnginePurchaseInFromDaysPregnant(t *testing.T) {
	report := dmy(1, 6, 2024)
	horizon := report.AddDate(0, 12, 0)
	e := NewEngine(map[int]*Animal{}, rand.New(rand.NewSource(2)), testEngineConfig(report, horizon))

	buyDay := report.AddDate(0, 0, 10)
	daysPregnant := 100
	e.Push(buyDay, EventPurchaseIn, 0, &PurchasePayload{Count: 2, DaysPregnant: &daysPregnant})

	e.StepEventsUntil(buyDay)
	_, _, _, pregHeifer := e.CountsOn(buyDay)
	assert.Equal(t, 2, pregHeifer)
	assert.Equal(t, 2, e.Months[MonthStart(buyDay)].PurchasesIn)

	calvingDay := buyDay.AddDate(0, 0, 180)
	e.StepEventsUntil(calvingDay)
	milking, _, _, pregHeifer := e.CountsOn(calvingDay)
	assert.Equal(t, 2, milking)
	assert.Equal(t, 0, pregHeifer)
	assert.Equal(t, 2, e.Months[MonthStart(calvingDay)].Calvings)
}

func TestApplyReplacementPolicyCoversDeficit(t *testing.T) {
	report := dmy(15, 6, 2024)
	horizon := report.AddDate(0, 12, 0)
	animals := make(map[int]*Animal, 10)
	lastCalving := report.AddDate(0, 0, -60)
	for id := 1; id <= 10; id++ {
		animals[id] = &Animal{
			ID:          id,
			BirthDate:   dmy(1, 1, 2020),
			Lactation:   1,
			Status:      StatusMilking,
			LastCalving: &lastCalving,
		}
	}

	cfg := testEngineConfig(report, horizon)
	cfg.Replacement = ReplacementPolicy{Enabled: true, AnnualHeiferRatio: 0.30, LookaheadMonths: 12}
	e := NewEngine(animals, rand.New(rand.NewSource(3)), cfg)

	monthStart := dmy(1, 7, 2024)
	snaps := e.Run([]time.Time{monthStart})
	require.Len(t, snaps, 1)

	// 30% of 10 milking cows rounds to 3 first calvings a year; none are
	// scheduled, so the whole target is covered by an intro.
	assert.Equal(t, 3, e.Months[monthStart].HeiferIntros)
	assert.Equal(t, 3, snaps[0].PregnantHeifer)
	assert.Equal(t, 10, snaps[0].Milking)
}

func TestEngineRunSameSeedSameSnapshots(t *testing.T) {
	report := dmy(1, 6, 2024)
	horizon := report.AddDate(0, 12, 0)
	lastCalving := report.AddDate(0, 0, -80)
	success := report.AddDate(0, 0, -30)

	records := []AnimalRecord{
		{ID: 1, BirthDate: dmy(1, 1, 2020), Lactation: 1, LastCalving: &lastCalving},
		{ID: 2, BirthDate: dmy(1, 1, 2019), Lactation: 3, LastCalving: &lastCalving, SuccessInsem: &success},
		{ID: 3, BirthDate: dmy(1, 3, 2023), Lactation: 0},
	}

	targets := append([]time.Time{report}, NextMonthStarts(report, 12)...)
	run := func(seed int64) []Snapshot {
		animals := BuildInitialAnimals(records, report)
		cfg := testEngineConfig(report, horizon)
		cfg.Cull = &CullingPolicy{
			MonthlyHazardByGroup:  map[string]float64{"L1": 0.02, "L3": 0.03},
			FallbackMonthlyHazard: 0.008,
		}
		cfg.Replacement = DefaultReplacementPolicy()
		e := NewEngine(animals, rand.New(rand.NewSource(seed)), cfg)
		SeedKnownEvents(e, report, horizon)
		e.InitSchedules(report)
		return e.Run(targets)
	}

	first := run(42)
	second := run(42)
	require.Len(t, first, len(targets))
	assert.Equal(t, first, second)
}

func TestAvgDaysInMilkFromCalving(t *testing.T) {
	report := dmy(1, 6, 2024)
	lastCalving := report.AddDate(0, 0, -50)
	animals := map[int]*Animal{
		1: {ID: 1, Lactation: 1, Status: StatusMilking, LastCalving: &lastCalving},
	}
	e := NewEngine(animals, rand.New(rand.NewSource(1)), testEngineConfig(report, report.AddDate(0, 6, 0)))

	avg := e.AvgDaysInMilkOn(report)
	require.NotNil(t, avg)
	assert.Equal(t, 50.0, *avg)

	assert.Nil(t, e.AvgDaysInMilkOn(lastCalving.AddDate(0, 0, -1)))
}
