package forecast

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/herdcast/herdcast/internal/apierrors"
	"github.com/herdcast/herdcast/internal/herd"
)

// seedStride separates per-run RNG streams derived from the master seed.
const seedStride = 9973

// ProgressFunc is called after every completed batch with the runs finished
// so far and an aggregate over them, so callers can stream partial results.
type ProgressFunc func(completed, total int, partial *Result)

// RunnerConfig controls run fan-out.
type RunnerConfig struct {
	ParallelEnabled   bool
	MaxProcesses      int
	BatchSize         int
	SimulationVersion string
}

// Runner executes Monte Carlo forecasts against a parsed dataset.
type Runner struct {
	cfg RunnerConfig
	log *zap.Logger
}

// NewRunner builds a Runner; a nil logger is replaced with a no-op one.
func NewRunner(cfg RunnerConfig, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxProcesses < 1 {
		cfg.MaxProcesses = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Runner{cfg: cfg, log: log}
}

// pointSample is one run's herd snapshot at a target date.
type pointSample struct {
	milking    int
	dry        int
	heifer     int
	pregHeifer int
	avgDIM     *float64
}

// runSeries is the per-run output: one sample per target date plus events
// keyed by the month-start target they were recorded at.
type runSeries struct {
	points []pointSample
	events map[time.Time]*herd.MonthlyEvents
}

// plan holds everything shared by all runs of one forecast.
type plan struct {
	params     ScenarioParams
	records    []herd.AnimalRecord
	reportDate time.Time
	horizonEnd time.Time
	targets    []time.Time
	futureIdx  int // -1 when no future date requested
	totalDays  int
	warnings   []string

	// Daily-tick engine inputs, nil on the legacy path.
	model       *herd.ModelConfig
	hazards     *herd.DailyHazards
	initialCows []*herd.Cow
	initialSnap herd.DailyMetrics
	manualPlan  map[string]int

	// Legacy engine input.
	cullPolicy *herd.CullingPolicy
}

// Run validates the scenario against the dataset, fans out mc_runs
// simulations and aggregates them into percentile series.
func (r *Runner) Run(ctx context.Context, params ScenarioParams, records []herd.AnimalRecord, progress ProgressFunc) (*Result, error) {
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	p, err := r.prepare(params, records)
	if err != nil {
		return nil, err
	}

	total := params.MCRuns
	results := make([]*runSeries, total)

	workers := 1
	if r.cfg.ParallelEnabled && total >= 2 && r.cfg.MaxProcesses > 1 {
		workers = r.cfg.MaxProcesses
		if workers > total {
			workers = total
		}
	}
	r.log.Debug("starting monte carlo runs",
		zap.Int("runs", total),
		zap.Int("workers", workers),
		zap.String("engine", params.Engine))

	// Batches run in order; only the runs inside a batch fan out. That keeps
	// progress callbacks strictly increasing and lets each batch report an
	// aggregate over everything finished so far.
	for start := 0; start < total; start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > total {
			end = total
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = p.runOne(params.Seed + int64(i)*seedStride)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("monte carlo runs: %w", err)
		}

		if progress != nil {
			progress(end, total, r.aggregate(p, results[:end]))
		}
	}

	return r.aggregate(p, results), nil
}

// prepare resolves the report date, target dates and per-engine inputs.
func (r *Runner) prepare(params ScenarioParams, records []herd.AnimalRecord) (*plan, error) {
	suggested, err := herd.SuggestedReportDate(records)
	if err != nil {
		return nil, validationError("dataset has no factual dates to anchor a report date")
	}
	reportDate := suggested
	if !params.ReportDate.IsZero() {
		if !params.ReportDate.Time.Equal(suggested) {
			return nil, apierrors.New(apierrors.CodeReportDateMismatch, fmt.Sprintf(
				"report_date %s does not match the dataset report date %s",
				params.ReportDate.Format("2006-01-02"), suggested.Format("2006-01-02")))
		}
		reportDate = params.ReportDate.Time
	}

	monthStarts := herd.NextMonthStarts(reportDate, params.HorizonMonths)
	horizonEnd := monthStarts[len(monthStarts)-1]
	targets := append([]time.Time{reportDate}, monthStarts...)

	futureIdx := -1
	if params.FutureDate != nil && !params.FutureDate.IsZero() {
		f := params.FutureDate.Time
		if !herd.MonthStart(f).Equal(f) {
			return nil, apierrors.New(apierrors.CodeFutureDateUnsupported,
				"future_date must be the first day of a month")
		}
		if !f.After(reportDate) || f.After(horizonEnd) {
			return nil, apierrors.New(apierrors.CodeFutureDateOutOfRange,
				"future_date must fall inside the forecast horizon")
		}
		for i, t := range targets {
			if t.Equal(f) {
				futureIdx = i
				break
			}
		}
	}

	p := &plan{
		params:     params,
		records:    records,
		reportDate: reportDate,
		horizonEnd: horizonEnd,
		targets:    targets,
		futureIdx:  futureIdx,
		totalDays:  herd.DaysBetween(reportDate, horizonEnd) + 1,
	}

	if params.Engine == EngineLegacy {
		p.cullPolicy = r.buildCullPolicy(params, records, reportDate)
		return p, nil
	}

	for i := range params.Purchases {
		item := &params.Purchases[i]
		if item.ExpectedCalvingDate != nil || item.DaysPregnant != nil {
			p.warnings = append(p.warnings,
				"manual purchase expected_calving_date/days_pregnant are ignored by herd_m5")
			break
		}
	}

	p.model = buildModelConfig(params, records)
	p.hazards = buildDailyHazards(params, records, reportDate)
	p.initialCows = herd.BuildInitialCows(records, reportDate, params.Model.VoluntaryWaitingPeriod)
	p.initialSnap = herd.InitialSnapshot(p.initialCows, reportDate)
	p.manualPlan = make(map[string]int, len(params.Purchases))
	for i := range params.Purchases {
		item := &params.Purchases[i]
		p.manualPlan[herd.DayKey(item.DateIn.Time)] += item.Count
	}
	return p, nil
}

// buildModelConfig wires samplers per the scenario mode into the daily model.
func buildModelConfig(params ScenarioParams, records []herd.AnimalRecord) *herd.ModelConfig {
	ages, daysToDry, servicePeriods := herd.EmpiricalLists(records)
	ageS, spS, dtdS := herd.FitTheoreticalSamplers(ages, servicePeriods, daysToDry)
	if params.Mode == ModeEmpirical {
		// Empirical draws where the dataset has samples, fitted fallback
		// where it does not.
		if len(ages) > 0 {
			ageS = &herd.EmpiricalSampler{Values: ages}
		}
		if len(servicePeriods) > 0 {
			spS = &herd.EmpiricalSampler{Values: servicePeriods}
		}
		if len(daysToDry) > 0 {
			dtdS = &herd.EmpiricalSampler{Values: daysToDry}
		}
	}

	m := params.Model
	return &herd.ModelConfig{
		AgeFirstInsemDays:        ageS,
		ServicePeriodDays:        spS,
		ConceptionToDryDays:      dtdS,
		MinFirstInsemAgeDays:     m.MinFirstInsemAgeDays,
		VoluntaryWaitingPeriod:   m.VoluntaryWaitingPeriod,
		MaxServicePeriodAfterVWP: m.MaxServicePeriodAfterVWP,
		PopulationRegulation:     m.PopulationRegulation,
		GestationLo:              m.GestationLo,
		GestationHi:              m.GestationHi,
		GestationMu:              m.GestationMu,
		GestationSigma:           m.GestationSigma,
		HeiferBirthProb:          m.HeiferBirthProb,
		PurchasedDaysToCalvingLo: m.PurchasedDaysToCalvingLo,
		PurchasedDaysToCalvingHi: m.PurchasedDaysToCalvingHi,
	}
}

func buildDailyHazards(params ScenarioParams, records []herd.AnimalRecord, reportDate time.Time) *herd.DailyHazards {
	if params.Culling.EstimateFromDataset {
		return herd.EstimateDailyHazards(records, reportDate)
	}
	// Flat fallback hazard, spread from monthly to daily.
	daily := params.Culling.FallbackMonthlyHazard / 30.0
	byLact := make(map[int]float64)
	for l := 0; l <= 15; l++ {
		byLact[l] = daily
	}
	return &herd.DailyHazards{ByLactation: byLact, ByMonth: map[time.Month]float64{}}
}

func (r *Runner) buildCullPolicy(params ScenarioParams, records []herd.AnimalRecord, reportDate time.Time) *herd.CullingPolicy {
	if params.Culling.EstimateFromDataset {
		return herd.EstimateCullingPolicy(records, reportDate,
			params.Culling.FallbackMonthlyHazard, params.Culling.Grouping, params.Culling.AgeBandYears)
	}
	return &herd.CullingPolicy{
		MonthlyHazardByGroup:  map[string]float64{},
		FallbackMonthlyHazard: params.Culling.FallbackMonthlyHazard,
		Grouping:              params.Culling.Grouping,
		AgeBandYears:          params.Culling.AgeBandYears,
	}
}

// runOne executes a single simulation run with its own seeded RNG stream.
func (p *plan) runOne(seed int64) *runSeries {
	if p.params.Engine == EngineLegacy {
		return p.runLegacy(seed)
	}
	return p.runDaily(seed)
}

func (p *plan) runDaily(seed int64) *runSeries {
	sim := herd.NewSimulation(herd.SimulationConfig{
		InitialCows:        herd.CloneHerd(p.initialCows),
		Model:              p.model,
		StartDate:          p.reportDate,
		Hazards:            p.hazards,
		PurchasePolicy:     p.newPurchasePolicy(),
		ManualPurchasePlan: p.manualPlan,
		Seed:               seed,
		RecordMonthly:      true,
	})
	hist := sim.Run(p.totalDays)

	rs := &runSeries{
		points: make([]pointSample, len(p.targets)),
		events: make(map[time.Time]*herd.MonthlyEvents),
	}

	// The report-date row is the pristine starting snapshot and contributes
	// no events. Every later target is a month start whose recorded metrics
	// carry the counts accumulated since the previous recording; events are
	// keyed by the target date itself.
	j := 0
	var last *herd.DailyMetrics
	for i, target := range p.targets {
		if target.Equal(p.reportDate) {
			rs.points[i] = metricSample(p.initialSnap)
			continue
		}
		for j < len(hist) && !hist[j].Day.After(target) {
			last = &hist[j]
			j++
		}
		if last == nil {
			rs.points[i] = metricSample(p.initialSnap)
			rs.events[target] = &herd.MonthlyEvents{MonthStart: target}
			continue
		}
		rs.points[i] = metricSample(*last)
		rs.events[target] = &herd.MonthlyEvents{
			MonthStart:   target,
			Calvings:     last.CalvingsCount,
			Dryoffs:      last.DryoffsCount,
			Culls:        last.CulledCount,
			PurchasesIn:  last.PurchasesInCount,
			HeiferIntros: last.HeiferIntrosCount,
		}
	}
	return rs
}

func metricSample(m herd.DailyMetrics) pointSample {
	avg := m.AvgDaysInMilk
	return pointSample{
		milking:    m.MilkingCount,
		dry:        m.DryCount,
		heifer:     m.HeiferCount,
		pregHeifer: m.PregnantHeiferCount,
		avgDIM:     &avg,
	}
}

// newPurchasePolicy builds a fresh stateful policy for one run.
func (p *plan) newPurchasePolicy() herd.PurchasePolicy {
	switch p.params.PurchasePolicy {
	case PolicyAutoCounter:
		return &herd.AutoCounterPurchasePolicy{}
	case PolicyAutoForecast:
		return &herd.AutoForecastPurchasePolicy{
			TargetMilking: p.initialSnap.MilkingCount,
			LeadTimeDays:  p.params.LeadTimeDays,
		}
	default:
		return herd.ManualPurchasePolicy{}
	}
}

func (p *plan) runLegacy(seed int64) *runSeries {
	rng := rand.New(rand.NewSource(seed))
	animals := herd.BuildInitialAnimals(p.records, p.reportDate)

	eng := herd.NewEngine(animals, rng, herd.EngineConfig{
		ReportDate: p.reportDate,
		HorizonEnd: p.horizonEnd,
		Service: herd.ServicePeriodPolicy{
			MeanDays:            p.params.ServicePeriod.MeanDays,
			StdDays:             p.params.ServicePeriod.StdDays,
			MinDaysAfterCalving: p.params.ServicePeriod.MinDaysAfterCalving,
		},
		Heifer: herd.HeiferInsemPolicy{
			MinAgeDays: p.params.HeiferInsem.MinAgeDays,
			MaxAgeDays: p.params.HeiferInsem.MaxAgeDays,
		},
		Cull: p.cullPolicy,
		Replacement: herd.ReplacementPolicy{
			Enabled:           p.params.Replacement.Enabled,
			AnnualHeiferRatio: p.params.Replacement.AnnualHeiferRatio,
			LookaheadMonths:   p.params.Replacement.LookaheadMonths,
		},
		DIM: herd.DIMMode(p.params.DIMMode),
	})

	herd.SeedKnownEvents(eng, p.reportDate, p.horizonEnd)
	for i := range p.params.Purchases {
		item := &p.params.Purchases[i]
		d := item.DateIn.Time
		if !d.After(p.reportDate) || d.After(p.horizonEnd) {
			continue
		}
		payload := &herd.PurchasePayload{Count: item.Count, DaysPregnant: item.DaysPregnant}
		if item.ExpectedCalvingDate != nil {
			t := item.ExpectedCalvingDate.Time
			payload.ExpectedCalvingDate = &t
		}
		eng.Push(d, herd.EventPurchaseIn, 0, payload)
	}
	eng.InitSchedules(p.reportDate)

	snaps := eng.Run(p.targets)

	rs := &runSeries{
		points: make([]pointSample, len(snaps)),
		events: make(map[time.Time]*herd.MonthlyEvents),
	}
	for i, s := range snaps {
		rs.points[i] = pointSample{
			milking:    s.Milking,
			dry:        s.Dry,
			heifer:     s.Heifer,
			pregHeifer: s.PregnantHeifer,
			avgDIM:     s.AvgDaysInMilk,
		}
	}
	for month, ev := range eng.Months {
		cp := *ev
		rs.events[month] = &cp
	}
	return rs
}

// aggregate folds per-run outputs into percentile series, averaged events
// and the optional future point.
func (r *Runner) aggregate(p *plan, results []*runSeries) *Result {
	completed := len(results)
	low, high := bandLevels(p.params.ConfidenceCentral)
	withBands := completed > 1

	n := len(p.targets)
	p50 := make([]ForecastPoint, n)
	var pLow, pHigh []ForecastPoint
	if withBands {
		pLow = make([]ForecastPoint, n)
		pHigh = make([]ForecastPoint, n)
	}

	milking := make([]float64, completed)
	dry := make([]float64, completed)
	heifer := make([]float64, completed)
	pregHeifer := make([]float64, completed)
	avgDIM := make([]float64, 0, completed)

	for i := 0; i < n; i++ {
		avgDIM = avgDIM[:0]
		for k, rs := range results {
			s := rs.points[i]
			milking[k] = float64(s.milking)
			dry[k] = float64(s.dry)
			heifer[k] = float64(s.heifer)
			pregHeifer[k] = float64(s.pregHeifer)
			if s.avgDIM != nil {
				avgDIM = append(avgDIM, *s.avgDIM)
			}
		}
		date := herd.DateOf(p.targets[i])
		p50[i] = quantilePoint(date, milking, dry, heifer, pregHeifer, avgDIM, 0.5)
		if withBands {
			pLow[i] = quantilePoint(date, milking, dry, heifer, pregHeifer, avgDIM, low)
			pHigh[i] = quantilePoint(date, milking, dry, heifer, pregHeifer, avgDIM, high)
		}
	}

	events := aggregateEvents(results, completed)

	var future *ForecastPoint
	if p.futureIdx >= 0 {
		f := p50[p.futureIdx]
		future = &f
	}

	return &Result{
		SeriesP50:   p50,
		SeriesP10:   pLow,
		SeriesP90:   pHigh,
		Events:      events,
		FuturePoint: future,
		Meta: ResultMeta{
			Engine:            p.params.Engine,
			Mode:              p.params.Mode,
			PurchasePolicy:    p.params.PurchasePolicy,
			Seed:              p.params.Seed,
			MCRuns:            p.params.MCRuns,
			CompletedRuns:     completed,
			ConfidenceCentral: p.params.ConfidenceCentral,
			Assumptions: map[string]any{
				"report_date":             p.reportDate.Format("2006-01-02"),
				"horizon_end":             p.horizonEnd.Format("2006-01-02"),
				"total_days":              p.totalDays,
				"voluntary_waiting_period": p.params.Model.VoluntaryWaitingPeriod,
				"gestation_mu":            p.params.Model.GestationMu,
				"gestation_sigma":         p.params.Model.GestationSigma,
				"fallback_monthly_hazard": p.params.Culling.FallbackMonthlyHazard,
			},
			Warnings:          p.warnings,
			SimulationVersion: r.cfg.SimulationVersion,
		},
	}
}

func quantilePoint(date herd.Date, milking, dry, heifer, pregHeifer, avgDIM []float64, q float64) ForecastPoint {
	pt := ForecastPoint{
		Date:                date,
		MilkingCount:        quantileInt(milking, q),
		DryCount:            quantileInt(dry, q),
		HeiferCount:         quantileInt(heifer, q),
		PregnantHeiferCount: quantileInt(pregHeifer, q),
	}
	if len(avgDIM) > 0 {
		v := quantile(avgDIM, q)
		pt.AvgDaysInMilk = &v
	}
	return pt
}

// aggregateEvents sums monthly events across runs and averages over the
// completed run count when more than one run contributed.
func aggregateEvents(results []*runSeries, completed int) []EventsByMonth {
	sums := make(map[time.Time]*herd.MonthlyEvents)
	for _, rs := range results {
		for month, ev := range rs.events {
			acc, ok := sums[month]
			if !ok {
				acc = &herd.MonthlyEvents{MonthStart: month}
				sums[month] = acc
			}
			acc.Calvings += ev.Calvings
			acc.Dryoffs += ev.Dryoffs
			acc.Culls += ev.Culls
			acc.PurchasesIn += ev.PurchasesIn
			acc.HeiferIntros += ev.HeiferIntros
		}
	}

	months := make([]time.Time, 0, len(sums))
	for m := range sums {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	avg := func(v int) int {
		if completed <= 1 {
			return v
		}
		return int(math.Round(float64(v) / float64(completed)))
	}

	out := make([]EventsByMonth, 0, len(months))
	for _, m := range months {
		ev := sums[m]
		out = append(out, EventsByMonth{
			Month:        herd.DateOf(m),
			Calvings:     avg(ev.Calvings),
			Dryoffs:      avg(ev.Dryoffs),
			Culled:       avg(ev.Culls),
			PurchasesIn:  avg(ev.PurchasesIn),
			HeiferIntros: avg(ev.HeiferIntros),
		})
	}
	return out
}
