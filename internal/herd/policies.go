package herd

import (
	"math/rand"
	"time"
)

// ServicePeriodPolicy decides when a lactating cow reaches her next
// successful insemination (legacy engine).
type ServicePeriodPolicy struct {
	MeanDays            int
	StdDays             int
	MinDaysAfterCalving int
}

// DefaultServicePeriodPolicy matches the model defaults.
func DefaultServicePeriodPolicy() ServicePeriodPolicy {
	return ServicePeriodPolicy{MeanDays: 115, StdDays: 10, MinDaysAfterCalving: 50}
}

// SampleSuccessInsemDate returns the expected success-insemination date for
// a cow: last calving plus a drawn service period, clamped to the minimum
// days after calving. Overdue targets are pushed 0..30 days ahead of the
// report date.
func (p ServicePeriodPolicy) SampleSuccessInsemDate(rng *rand.Rand, a *Animal, reportDate time.Time) time.Time {
	if a.LastCalving == nil {
		return reportDate
	}
	sp := float64(p.MeanDays)
	if p.StdDays > 0 {
		sp = rng.NormFloat64()*float64(p.StdDays) + float64(p.MeanDays)
	}
	days := int(sp)
	if days < p.MinDaysAfterCalving {
		days = p.MinDaysAfterCalving
	}
	target := a.LastCalving.AddDate(0, 0, days)
	if !target.After(reportDate) {
		target = reportDate.AddDate(0, 0, randIntInclusive(rng, 0, 30))
	}
	return target
}

// HeiferInsemPolicy decides a heifer's first successful insemination
// (legacy engine).
type HeiferInsemPolicy struct {
	MinAgeDays int
	MaxAgeDays int
}

// DefaultHeiferInsemPolicy matches the model defaults.
func DefaultHeiferInsemPolicy() HeiferInsemPolicy {
	return HeiferInsemPolicy{MinAgeDays: 365, MaxAgeDays: 395}
}

// SampleFirstSuccessInsem draws a uniform insemination age and anchors it to
// the birth date; past targets are pushed 0..30 days ahead.
func (p HeiferInsemPolicy) SampleFirstSuccessInsem(rng *rand.Rand, birthDate, reportDate time.Time) time.Time {
	age := randIntInclusive(rng, p.MinAgeDays, p.MaxAgeDays)
	target := birthDate.AddDate(0, 0, age)
	if !target.After(reportDate) {
		target = reportDate.AddDate(0, 0, randIntInclusive(rng, 0, 30))
	}
	return target
}

// ReplacementPolicy keeps first-calving supply in line with herd size
// (legacy engine). On each month start the engine checks scheduled first
// calvings in the lookahead window against the annual target and covers any
// deficit with HEIFER_INTRO events.
type ReplacementPolicy struct {
	Enabled           bool
	AnnualHeiferRatio float64
	LookaheadMonths   int
}

// DefaultReplacementPolicy matches the model defaults.
func DefaultReplacementPolicy() ReplacementPolicy {
	return ReplacementPolicy{Enabled: true, AnnualHeiferRatio: 0.30, LookaheadMonths: 12}
}

// TargetFirstCalvings returns the target first-calving count for a year
// given the current milking head count.
func (p ReplacementPolicy) TargetFirstCalvings(milkingCount int) int {
	return int(p.AnnualHeiferRatio*float64(milkingCount) + 0.5)
}

// PurchasePolicy drives pregnant-heifer buys in the daily-tick engine.
// Manual purchases hold a plan, the counter variant a signed balance, the
// forecast variant a milking-count target.
type PurchasePolicy interface {
	// PurchasesToday returns how many pregnant heifers to buy today on top
	// of the manual plan.
	PurchasesToday(sim *Simulation, manualPlanned int) int
	// OnAdded observes animals entering the herd (births and purchases).
	OnAdded(count int)
	// OnRemoved observes animals leaving the herd (culls).
	OnRemoved(count int)
}

// ManualPurchasePolicy buys only what the manual plan dictates; the plan
// itself is consumed by the simulation.
type ManualPurchasePolicy struct{}

func (ManualPurchasePolicy) PurchasesToday(*Simulation, int) int { return 0 }
func (ManualPurchasePolicy) OnAdded(int)                         {}
func (ManualPurchasePolicy) OnRemoved(int)                       {}

// AutoCounterPurchasePolicy runs a signed balance of additions minus
// removals and buys the shortfall on each month start.
type AutoCounterPurchasePolicy struct {
	Balance int
}

func (p *AutoCounterPurchasePolicy) PurchasesToday(sim *Simulation, _ int) int {
	if sim.Today.Day() != 1 {
		return 0
	}
	if p.Balance < 0 {
		return -p.Balance
	}
	return 0
}

func (p *AutoCounterPurchasePolicy) OnAdded(count int)   { p.Balance += count }
func (p *AutoCounterPurchasePolicy) OnRemoved(count int) { p.Balance -= count }

// AutoForecastPurchasePolicy projects the milking count lead-time days
// ahead on each month start and buys enough pregnant heifers to close the
// gap to the target.
type AutoForecastPurchasePolicy struct {
	TargetMilking int
	LeadTimeDays  int
	Buffer        int
	MaxBuy        int
}

func (p *AutoForecastPurchasePolicy) PurchasesToday(sim *Simulation, _ int) int {
	if sim.Today.Day() != 1 {
		return 0
	}
	future := sim.Today.AddDate(0, 0, p.LeadTimeDays)
	projected := sim.ForecastMilkingCount(future)
	need := p.TargetMilking + p.Buffer - projected
	if need <= 0 {
		return 0
	}
	maxBuy := p.MaxBuy
	if maxBuy <= 0 {
		maxBuy = 10000
	}
	if need > maxBuy {
		need = maxBuy
	}
	return need
}

func (p *AutoForecastPurchasePolicy) OnAdded(int)   {}
func (p *AutoForecastPurchasePolicy) OnRemoved(int) {}
