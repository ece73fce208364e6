package forecast

import (
	"math"
	"sort"

	"github.com/herdcast/herdcast/internal/herd"
)

// ForecastPoint is one dated herd snapshot in an output series. AvgDaysInMilk
// is nil when the legacy engine had no milking animals on that date.
type ForecastPoint struct {
	Date                herd.Date `json:"date"`
	MilkingCount        int       `json:"milking_count"`
	DryCount            int       `json:"dry_count"`
	HeiferCount         int       `json:"heifer_count"`
	PregnantHeiferCount int       `json:"pregnant_heifer_count"`
	AvgDaysInMilk       *float64  `json:"avg_days_in_milk"`
}

// EventsByMonth aggregates simulated events for one calendar month.
type EventsByMonth struct {
	Month        herd.Date `json:"month"`
	Calvings     int       `json:"calvings"`
	Dryoffs      int       `json:"dryoffs"`
	Culled       int       `json:"culled"`
	PurchasesIn  int       `json:"purchases_in"`
	HeiferIntros int       `json:"heifer_intros"`
}

// ResultMeta carries run provenance alongside the series.
type ResultMeta struct {
	Engine            string            `json:"engine"`
	Mode              string            `json:"mode"`
	PurchasePolicy    string            `json:"purchase_policy"`
	Seed              int64             `json:"seed"`
	MCRuns            int               `json:"mc_runs"`
	CompletedRuns     int               `json:"completed_runs"`
	ConfidenceCentral float64           `json:"confidence_central"`
	Assumptions       map[string]any    `json:"assumptions,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	SimulationVersion string            `json:"simulation_version"`
}

// Result is the aggregated forecast. SeriesP10 and SeriesP90 are nil when a
// single run completed; their actual quantile levels follow
// Meta.ConfidenceCentral.
type Result struct {
	SeriesP50   []ForecastPoint `json:"series_p50"`
	SeriesP10   []ForecastPoint `json:"series_p10,omitempty"`
	SeriesP90   []ForecastPoint `json:"series_p90,omitempty"`
	Events      []EventsByMonth `json:"events"`
	FuturePoint *ForecastPoint  `json:"future_point,omitempty"`
	Meta        ResultMeta      `json:"meta"`
}

// quantile returns the q-quantile of values by linear interpolation at
// position q*(n-1). Values are sorted in place.
func quantile(values []float64, q float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sort.Float64s(values)
	if n == 1 {
		return values[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return values[lo]
	}
	frac := pos - float64(lo)
	return values[lo] + (values[hi]-values[lo])*frac
}

// quantileInt rounds the interpolated quantile to the nearest head count.
func quantileInt(values []float64, q float64) int {
	return int(math.Round(quantile(values, q)))
}

// bandLevels maps a central confidence to its (low, high) quantile levels.
func bandLevels(confidenceCentral float64) (low, high float64) {
	low = (1 - confidenceCentral) / 2
	return low, 1 - low
}
