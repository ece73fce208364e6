package herd

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// CowState is the fine-grained status of the daily-tick engine.
type CowState string

const (
	CowHeifer           CowState = "heifer"
	CowPregnantHeifer   CowState = "pregnant_heifer"
	CowFresh            CowState = "fresh"
	CowReadyForBreeding CowState = "ready_for_breeding"
	CowPregnant         CowState = "pregnant"
	CowDry              CowState = "dry"
	CowCulled           CowState = "culled"
)

// Cow is the per-animal record of the daily-tick engine.
type Cow struct {
	ID        string
	BirthDate time.Time
	State     CowState
	Lactation int

	LastCalving       *time.Time
	Conception        *time.Time
	DryDate           *time.Time
	PlannedDry        *time.Time
	PlannedCalving    *time.Time
	PlannedFirstInsem *time.Time
	PlannedConception *time.Time

	DaysInStatus int
	DaysInMilk   int
}

// IsMilking reports whether the cow counts toward the milking head count.
func (c *Cow) IsMilking() bool {
	return c.State == CowFresh || c.State == CowReadyForBreeding || c.State == CowPregnant
}

// ResetForNewLactation transitions the cow into a fresh lactation after
// calving.
func (c *Cow) ResetForNewLactation(calvingDate time.Time) {
	c.State = CowFresh
	c.Lactation++
	d := calvingDate
	c.LastCalving = &d
	c.DaysInMilk = 0
	c.Conception = nil
	c.DryDate = nil
	c.PlannedDry = nil
	c.PlannedCalving = nil
	c.DaysInStatus = 0
}

// Clone returns a deep copy so Monte Carlo runs never share mutable state.
func (c *Cow) Clone() *Cow {
	cp := *c
	cp.LastCalving = copyDate(c.LastCalving)
	cp.Conception = copyDate(c.Conception)
	cp.DryDate = copyDate(c.DryDate)
	cp.PlannedDry = copyDate(c.PlannedDry)
	cp.PlannedCalving = copyDate(c.PlannedCalving)
	cp.PlannedFirstInsem = copyDate(c.PlannedFirstInsem)
	cp.PlannedConception = copyDate(c.PlannedConception)
	return &cp
}

func copyDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := *t
	return &d
}

// CloneHerd deep-copies a herd.
func CloneHerd(herd []*Cow) []*Cow {
	out := make([]*Cow, len(herd))
	for i, c := range herd {
		out[i] = c.Clone()
	}
	return out
}

// ModelConfig parameterizes the daily-tick engine.
type ModelConfig struct {
	AgeFirstInsemDays   IntSampler
	ServicePeriodDays   IntSampler
	ConceptionToDryDays IntSampler

	MinFirstInsemAgeDays     int
	VoluntaryWaitingPeriod   int
	MaxServicePeriodAfterVWP int
	PopulationRegulation     float64

	GestationLo    int
	GestationHi    int
	GestationMu    float64
	GestationSigma float64

	HeiferBirthProb float64

	PurchasedDaysToCalvingLo int
	PurchasedDaysToCalvingHi int
}

// SampleGestationDays draws a truncated-normal gestation length.
func (m *ModelConfig) SampleGestationDays(rng *rand.Rand) int {
	x := int(math.Round(rng.NormFloat64()*m.GestationSigma + m.GestationMu))
	if x < m.GestationLo {
		return m.GestationLo
	}
	if x > m.GestationHi {
		return m.GestationHi
	}
	return x
}

// DailyMetrics is one metrics snapshot. In monthly recording mode the event
// counters accumulate since the previous snapshot.
type DailyMetrics struct {
	Day                 time.Time
	MilkingCount        int
	DryCount            int
	HeiferCount         int
	PregnantHeiferCount int
	AvgDaysInMilk       float64
	CulledCount         int
	CalvingsCount       int
	DryoffsCount        int
	PurchasesInCount    int
	HeiferIntrosCount   int
}

// Simulation advances a herd one day at a time under the daily-tick model.
type Simulation struct {
	Herd  []*Cow
	Cfg   *ModelConfig
	Today time.Time

	rng     *rand.Rand
	hazards *DailyHazards
	policy  PurchasePolicy

	manualPlan    map[string]int
	recordMonthly bool

	History []DailyMetrics

	culledToday, culledSinceRecord             int
	calvingsToday, calvingsSinceRecord         int
	dryoffsToday, dryoffsSinceRecord           int
	purchasesToday, purchasesSinceRecord       int
	heiferIntrosToday, heiferIntrosSinceRecord int
}

// SimulationConfig bundles Simulation constructor arguments.
type SimulationConfig struct {
	InitialCows        []*Cow
	Model              *ModelConfig
	StartDate          time.Time
	Hazards            *DailyHazards
	PurchasePolicy     PurchasePolicy
	ManualPurchasePlan map[string]int // keys are YYYY-MM-DD
	Seed               int64
	RecordMonthly      bool
}

// NewSimulation creates a simulation with its own seeded RNG stream.
func NewSimulation(cfg SimulationConfig) *Simulation {
	policy := cfg.PurchasePolicy
	if policy == nil {
		policy = ManualPurchasePolicy{}
	}
	plan := cfg.ManualPurchasePlan
	if plan == nil {
		plan = map[string]int{}
	}
	return &Simulation{
		Herd:          cfg.InitialCows,
		Cfg:           cfg.Model,
		Today:         cfg.StartDate,
		rng:           rand.New(rand.NewSource(cfg.Seed)),
		hazards:       cfg.Hazards,
		policy:        policy,
		manualPlan:    plan,
		recordMonthly: cfg.RecordMonthly,
	}
}

// DayKey formats a date as a manual-plan map key.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// ForecastMilkingCount projects the milking head count on futureDay by
// advancing each cow through its planned transitions without mutating it.
func (s *Simulation) ForecastMilkingCount(futureDay time.Time) int {
	cnt := 0
	for _, c := range s.Herd {
		st := s.projectedState(c, futureDay)
		if st == CowFresh || st == CowReadyForBreeding || st == CowPregnant {
			cnt++
		}
	}
	return cnt
}

func (s *Simulation) projectedState(c *Cow, futureDay time.Time) CowState {
	if c.State == CowCulled {
		return CowCulled
	}
	if c.PlannedCalving != nil && !futureDay.Before(*c.PlannedCalving) {
		return CowFresh
	}
	if c.PlannedDry != nil && !futureDay.Before(*c.PlannedDry) {
		return CowDry
	}
	if c.Conception != nil && c.PlannedCalving != nil {
		return CowPregnant
	}
	if c.State == CowHeifer {
		if c.PlannedFirstInsem != nil && !futureDay.Before(*c.PlannedFirstInsem) {
			return CowPregnantHeifer
		}
		return CowHeifer
	}
	return c.State
}

// StepDay advances the simulation by one day.
func (s *Simulation) StepDay() {
	s.culledToday = 0
	s.calvingsToday = 0
	s.dryoffsToday = 0
	s.purchasesToday = 0
	s.heiferIntrosToday = 0

	manualCnt := s.manualPlan[DayKey(s.Today)]
	autoCnt := s.policy.PurchasesToday(s, manualCnt)

	if manualCnt > 0 {
		s.buyPregnantHeifers(manualCnt, "manual")
	}
	if autoCnt > 0 {
		s.buyPregnantHeifers(autoCnt, "auto")
	}

	var newAnimals []*Cow
	survivors := s.Herd[:0]

	for _, cow := range s.Herd {
		p := s.hazards.Combined(cow.Lactation, s.Today, s.Cfg.PopulationRegulation)
		if s.rng.Float64() < p {
			cow.State = CowCulled
			s.policy.OnRemoved(1)
			s.culledToday++
			s.culledSinceRecord++
			continue
		}

		culled := false
		switch cow.State {
		case CowHeifer:
			s.tickHeifer(cow)
		case CowPregnantHeifer:
			newAnimals = s.tickPregnantHeifer(cow, newAnimals)
		case CowFresh:
			s.tickFresh(cow)
		case CowReadyForBreeding:
			culled = s.tickReadyForBreeding(cow)
		case CowPregnant:
			s.tickPregnant(cow)
		case CowDry:
			newAnimals = s.tickDry(cow, newAnimals)
		}
		if culled {
			continue
		}

		if cow.IsMilking() {
			cow.DaysInMilk++
		}
		cow.DaysInStatus++
		survivors = append(survivors, cow)
	}
	s.Herd = survivors

	if len(newAnimals) > 0 {
		s.Herd = append(s.Herd, newAnimals...)
		s.policy.OnAdded(len(newAnimals))
	}

	if !s.recordMonthly || s.Today.Day() == 1 {
		s.recordMetrics()
	}

	s.Today = s.Today.AddDate(0, 0, 1)
}

func (s *Simulation) tickHeifer(cow *Cow) {
	if cow.PlannedFirstInsem == nil {
		age := s.Cfg.AgeFirstInsemDays.Sample(s.rng)
		if age < s.Cfg.MinFirstInsemAgeDays {
			age = s.Cfg.MinFirstInsemAgeDays
		}
		d := cow.BirthDate.AddDate(0, 0, age)
		cow.PlannedFirstInsem = &d
	}
	if !s.Today.Before(*cow.PlannedFirstInsem) {
		cow.State = CowPregnantHeifer
		today := s.Today
		cow.Conception = &today
		cow.DaysInStatus = 0
		gd := s.Cfg.SampleGestationDays(s.rng)
		calving := s.Today.AddDate(0, 0, gd)
		cow.PlannedCalving = &calving
	}
}

func (s *Simulation) tickPregnantHeifer(cow *Cow, newAnimals []*Cow) []*Cow {
	if cow.PlannedCalving != nil && !s.Today.Before(*cow.PlannedCalving) {
		return s.doCalving(cow, newAnimals)
	}
	return newAnimals
}

func (s *Simulation) tickFresh(cow *Cow) {
	if cow.DaysInStatus >= s.Cfg.VoluntaryWaitingPeriod {
		cow.State = CowReadyForBreeding
		cow.DaysInStatus = 0
		if cow.LastCalving != nil {
			sp := s.Cfg.ServicePeriodDays.Sample(s.rng)
			if sp < s.Cfg.VoluntaryWaitingPeriod {
				sp = s.Cfg.VoluntaryWaitingPeriod
			}
			d := cow.LastCalving.AddDate(0, 0, sp)
			cow.PlannedConception = &d
		}
	}
}

// tickReadyForBreeding returns true when the cow was culled for exceeding
// the maximum service period.
func (s *Simulation) tickReadyForBreeding(cow *Cow) bool {
	if cow.DaysInStatus >= s.Cfg.MaxServicePeriodAfterVWP {
		cow.State = CowCulled
		s.policy.OnRemoved(1)
		s.culledToday++
		s.culledSinceRecord++
		return true
	}

	if cow.PlannedConception == nil {
		sp := s.Cfg.ServicePeriodDays.Sample(s.rng)
		if sp < 1 {
			sp = 1
		}
		d := s.Today.AddDate(0, 0, sp)
		cow.PlannedConception = &d
	}

	if !s.Today.Before(*cow.PlannedConception) {
		cow.State = CowPregnant
		today := s.Today
		cow.Conception = &today
		cow.DaysInStatus = 0

		gd := s.Cfg.SampleGestationDays(s.rng)
		calving := s.Today.AddDate(0, 0, gd)
		cow.PlannedCalving = &calving

		dtd := s.Cfg.ConceptionToDryDays.Sample(s.rng)
		dry := s.Today.AddDate(0, 0, dtd)
		if !dry.Before(calving) {
			dry = calving.AddDate(0, 0, -1)
		}
		cow.PlannedDry = &dry
	}
	return false
}

func (s *Simulation) tickPregnant(cow *Cow) {
	if cow.PlannedDry != nil && !s.Today.Before(*cow.PlannedDry) {
		cow.State = CowDry
		today := s.Today
		cow.DryDate = &today
		cow.DaysInStatus = 0
		s.dryoffsToday++
		s.dryoffsSinceRecord++
	}
}

func (s *Simulation) tickDry(cow *Cow, newAnimals []*Cow) []*Cow {
	if cow.PlannedCalving != nil && !s.Today.Before(*cow.PlannedCalving) {
		return s.doCalving(cow, newAnimals)
	}
	return newAnimals
}

func (s *Simulation) doCalving(cow *Cow, newAnimals []*Cow) []*Cow {
	s.calvingsToday++
	s.calvingsSinceRecord++
	if s.rng.Float64() < s.Cfg.HeiferBirthProb {
		newAnimals = append(newAnimals, &Cow{
			ID:        fmt.Sprintf("BORN_%s_%d", DayKey(s.Today), len(newAnimals)),
			BirthDate: s.Today,
			State:     CowHeifer,
		})
	}
	cow.ResetForNewLactation(s.Today)
	return newAnimals
}

func (s *Simulation) buyPregnantHeifers(count int, mode string) {
	if count <= 0 {
		return
	}
	s.purchasesToday += count
	s.purchasesSinceRecord += count

	for i := 0; i < count; i++ {
		daysToCalving := randIntInclusive(s.rng, s.Cfg.PurchasedDaysToCalvingLo, s.Cfg.PurchasedDaysToCalvingHi)
		calving := s.Today.AddDate(0, 0, daysToCalving)

		gd := s.Cfg.SampleGestationDays(s.rng)
		conception := calving.AddDate(0, 0, -gd)

		ageInsem := s.Cfg.AgeFirstInsemDays.Sample(s.rng)
		if ageInsem < s.Cfg.MinFirstInsemAgeDays {
			ageInsem = s.Cfg.MinFirstInsemAgeDays
		}
		birth := conception.AddDate(0, 0, -ageInsem)

		cow := &Cow{
			ID:             fmt.Sprintf("PURCHASE_%s_%s_%d", mode, DayKey(s.Today), i),
			BirthDate:      birth,
			State:          CowPregnantHeifer,
			Conception:     &conception,
			PlannedCalving: &calving,
		}
		s.Herd = append(s.Herd, cow)
		s.policy.OnAdded(1)
	}
}

func (s *Simulation) recordMetrics() {
	var milking, dry, heifer, pregHeifer, dimSum int

	var culled, calvings, dryoffs, purchases, heiferIntros int
	if s.recordMonthly {
		culled = s.culledSinceRecord
		calvings = s.calvingsSinceRecord
		dryoffs = s.dryoffsSinceRecord
		purchases = s.purchasesSinceRecord
		heiferIntros = s.heiferIntrosSinceRecord
	} else {
		culled = s.culledToday
		calvings = s.calvingsToday
		dryoffs = s.dryoffsToday
		purchases = s.purchasesToday
		heiferIntros = s.heiferIntrosToday
	}

	for _, c := range s.Herd {
		switch c.State {
		case CowDry:
			dry++
		case CowHeifer:
			heifer++
		case CowPregnantHeifer:
			pregHeifer++
		}
		if c.IsMilking() {
			milking++
			dimSum += c.DaysInMilk
		}
	}

	avgDIM := 0.0
	if milking > 0 {
		avgDIM = float64(dimSum) / float64(milking)
	}

	s.History = append(s.History, DailyMetrics{
		Day:                 s.Today,
		MilkingCount:        milking,
		DryCount:            dry,
		HeiferCount:         heifer,
		PregnantHeiferCount: pregHeifer,
		AvgDaysInMilk:       avgDIM,
		CulledCount:         culled,
		CalvingsCount:       calvings,
		DryoffsCount:        dryoffs,
		PurchasesInCount:    purchases,
		HeiferIntrosCount:   heiferIntros,
	})

	if s.recordMonthly {
		s.culledSinceRecord = 0
		s.calvingsSinceRecord = 0
		s.dryoffsSinceRecord = 0
		s.purchasesSinceRecord = 0
		s.heiferIntrosSinceRecord = 0
	}
}

// Run advances the simulation for the given number of days and returns the
// recorded history.
func (s *Simulation) Run(days int) []DailyMetrics {
	for i := 0; i < days; i++ {
		s.StepDay()
	}
	return s.History
}
