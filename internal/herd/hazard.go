package herd

import (
	"fmt"
	"math/rand"
	"time"
)

// CullingPolicy holds monthly culling hazards per stratum for the legacy
// event-queue engine. Strata are lactation groups by default; grouping can
// also combine status or use age bands.
type CullingPolicy struct {
	MonthlyHazardByGroup  map[string]float64
	FallbackMonthlyHazard float64
	Grouping              string
	AgeBandYears          int
}

// DefaultFallbackMonthlyHazard applies to strata with too few animals to
// estimate from.
const DefaultFallbackMonthlyHazard = 0.008

// hazardWindowDays is the look-back window for hazard estimation.
const hazardWindowDays = 730

// minStratumSize is the smallest stratum estimated from data; smaller
// groups use the fallback hazard.
const minStratumSize = 30

// LactationGroup maps a lactation number to its stratum label.
func LactationGroup(lact int) string {
	switch {
	case lact <= 0:
		return "L0"
	case lact <= 3:
		return fmt.Sprintf("L%d", lact)
	default:
		return "L4+"
	}
}

func (p *CullingPolicy) groupKey(r *AnimalRecord, reportDate time.Time) string {
	switch p.Grouping {
	case "lactation_status":
		st := r.StatusGroup
		if st == "" {
			st = "other"
		}
		return LactationGroup(r.Lactation) + "|" + st
	case "age_band":
		band := p.AgeBandYears
		if band < 1 {
			band = 2
		}
		ageYears := float64(DaysBetween(r.BirthDate, reportDate)) / 365.25
		if ageYears < 0 {
			ageYears = 0
		}
		b := int(ageYears) / band
		return fmt.Sprintf("age_%d-%d", b*band, (b+1)*band)
	default:
		return LactationGroup(r.Lactation)
	}
}

// EstimateCullingPolicy estimates monthly hazards per stratum from the
// dataset: culls inside the 730-day window as events, animals alive on the
// report date as at-risk, exposure approximated as (alive + 0.5*culled) * 24
// months. Groups under 30 animals get the fallback hazard; estimates cap at
// 0.2.
func EstimateCullingPolicy(records []AnimalRecord, reportDate time.Time, fallback float64, grouping string, ageBandYears int) *CullingPolicy {
	p := &CullingPolicy{
		MonthlyHazardByGroup:  make(map[string]float64),
		FallbackMonthlyHazard: fallback,
		Grouping:              grouping,
		AgeBandYears:          ageBandYears,
	}
	windowStart := reportDate.AddDate(0, 0, -hazardWindowDays)

	culled := make(map[string]int)
	alive := make(map[string]int)
	seen := make(map[string]bool)
	for i := range records {
		r := &records[i]
		g := p.groupKey(r, reportDate)
		seen[g] = true
		if r.Archive != nil && !r.Archive.Before(windowStart) && !r.Archive.After(reportDate) {
			culled[g]++
		}
		if r.Archive == nil || r.Archive.After(reportDate) {
			alive[g]++
		}
	}

	for g := range seen {
		c, a := culled[g], alive[g]
		if a+c < minStratumSize {
			p.MonthlyHazardByGroup[g] = fallback
			continue
		}
		exposureMonths := (float64(a) + 0.5*float64(c)) * 24.0
		if exposureMonths < 1 {
			exposureMonths = 1
		}
		h := float64(c) / exposureMonths
		if h > 0.2 {
			h = 0.2
		}
		if h < 0 {
			h = 0
		}
		p.MonthlyHazardByGroup[g] = h
	}
	return p
}

// HazardFor returns the monthly hazard for an animal's lactation stratum.
func (p *CullingPolicy) HazardFor(lactation int) float64 {
	if h, ok := p.MonthlyHazardByGroup[LactationGroup(lactation)]; ok {
		return h
	}
	return p.FallbackMonthlyHazard
}

// SampleCullDate iterates month by month from startDate running a Bernoulli
// trial against the stratum hazard. On success it picks a uniform day in
// 1..28 of that month, snapped to >= startDate. Returns nil when no trial
// succeeds before endDate.
func (p *CullingPolicy) SampleCullDate(rng *rand.Rand, lactation int, startDate, endDate time.Time) *time.Time {
	hazard := p.HazardFor(lactation)
	if hazard <= 0 {
		return nil
	}
	cur := MonthStart(startDate)
	for cur.Before(endDate) {
		if rng.Float64() < hazard {
			day := randIntInclusive(rng, 1, 28)
			d := time.Date(cur.Year(), cur.Month(), day, 0, 0, 0, 0, time.UTC)
			if d.Before(startDate) {
				d = startDate
			}
			return &d
		}
		cur = cur.AddDate(0, 1, 0)
	}
	return nil
}

// DailyHazards holds the daily-tick engine's per-day culling probabilities:
// a lifetime-exposure hazard by lactation number and a seasonal hazard by
// calendar month. The engine combines them assuming independence.
type DailyHazards struct {
	ByLactation map[int]float64
	ByMonth     map[time.Month]float64
}

// EstimateDailyHazards estimates both daily hazard tables from the dataset.
// Exposure is counted in animal-days from birth (heifers) or last calving
// (cows) until archive or the report date.
func EstimateDailyHazards(records []AnimalRecord, reportDate time.Time) *DailyHazards {
	totalDays := make(map[int]int)
	exited := make(map[int]int)
	monthDays := make(map[time.Month]int)
	monthExits := make(map[time.Month]int)

	for i := range records {
		r := &records[i]
		// Rows flagged culled without an archive date carry no exposure end.
		if r.Culled && r.Archive == nil {
			continue
		}

		end := reportDate
		if r.Archive != nil {
			end = *r.Archive
		}

		// Lactation-stratified lifetime hazard.
		start := r.BirthDate
		if r.Lactation > 0 {
			if r.LastCalving == nil {
				start = time.Time{}
			} else {
				start = *r.LastCalving
			}
		}
		if !start.IsZero() && end.After(start) {
			totalDays[r.Lactation] += DaysBetween(start, end)
			if r.Archive != nil || r.Culled {
				exited[r.Lactation]++
			}
		}

		// Seasonal hazard by calendar month, walking exposure month by month.
		if end.After(r.BirthDate) {
			cur := r.BirthDate
			for cur.Before(end) {
				next := MonthStart(cur).AddDate(0, 1, 0)
				if next.After(end) {
					next = end
				}
				monthDays[cur.Month()] += DaysBetween(cur, next)
				if r.Archive != nil && cur.Year() == r.Archive.Year() && cur.Month() == r.Archive.Month() {
					monthExits[cur.Month()]++
				}
				cur = next
			}
		}
	}

	h := &DailyHazards{
		ByLactation: make(map[int]float64),
		ByMonth:     make(map[time.Month]float64),
	}
	for lact, days := range totalDays {
		if days > 0 {
			h.ByLactation[lact] = float64(exited[lact]) / float64(days)
		}
	}
	for m := time.January; m <= time.December; m++ {
		if d := monthDays[m]; d > 0 {
			h.ByMonth[m] = float64(monthExits[m]) / float64(d)
		}
	}
	return h
}

// Combined returns the daily cull probability for a cow of the given
// lactation on the given day: p = p_lact + p_month - p_lact*p_month, scaled
// by the population-regulation factor.
func (h *DailyHazards) Combined(lactation int, day time.Time, populationRegulation float64) float64 {
	pl := h.ByLactation[lactation]
	pm := h.ByMonth[day.Month()]
	return (pl + pm - pl*pm) * populationRegulation
}
