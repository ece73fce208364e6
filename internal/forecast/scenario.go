// Package forecast implements the Monte Carlo orchestration layer: scenario
// validation, fan-out of simulation runs over a bounded worker pool,
// quantile aggregation into percentile series, and result export.
package forecast

import (
	"fmt"

	"github.com/herdcast/herdcast/internal/apierrors"
	"github.com/herdcast/herdcast/internal/herd"
)

// Engine selection for a scenario.
const (
	EngineM5     = "herd_m5"
	EngineLegacy = "legacy"
)

// Sampling modes.
const (
	ModeEmpirical   = "empirical"
	ModeTheoretical = "theoretical"
)

// Purchase policies.
const (
	PolicyManual       = "manual"
	PolicyAutoCounter  = "auto_counter"
	PolicyAutoForecast = "auto_forecast"
)

// PurchaseItem is one manual purchase plan entry. Exactly one of
// ExpectedCalvingDate and DaysPregnant must be set.
type PurchaseItem struct {
	DateIn              herd.Date `json:"date_in"`
	Count               int       `json:"count"`
	ExpectedCalvingDate *herd.Date `json:"expected_calving_date,omitempty"`
	DaysPregnant        *int      `json:"days_pregnant,omitempty"`
}

// Validate enforces bounds and the exactly-one-of constraint.
func (p *PurchaseItem) Validate() error {
	if p.DateIn.IsZero() {
		return fmt.Errorf("date_in is required")
	}
	if p.Count < 1 || p.Count > 5000 {
		return fmt.Errorf("count must be in [1, 5000], got %d", p.Count)
	}
	hasCalving := p.ExpectedCalvingDate != nil && !p.ExpectedCalvingDate.IsZero()
	hasDays := p.DaysPregnant != nil
	if hasCalving && hasDays {
		return fmt.Errorf("provide either expected_calving_date or days_pregnant, not both")
	}
	if !hasCalving && !hasDays {
		return fmt.Errorf("provide expected_calving_date or days_pregnant")
	}
	if hasDays && (*p.DaysPregnant < 0 || *p.DaysPregnant > 280) {
		return fmt.Errorf("days_pregnant must be in [0, 280], got %d", *p.DaysPregnant)
	}
	return nil
}

// ModelParams parameterizes the daily-tick model.
type ModelParams struct {
	GestationMu    float64 `json:"gestation_mu"`
	GestationSigma float64 `json:"gestation_sigma"`
	GestationLo    int     `json:"gestation_lo"`
	GestationHi    int     `json:"gestation_hi"`

	VoluntaryWaitingPeriod   int     `json:"voluntary_waiting_period"`
	MaxServicePeriodAfterVWP int     `json:"max_service_period_after_vwp"`
	MinFirstInsemAgeDays     int     `json:"min_first_insem_age_days"`
	HeiferBirthProb          float64 `json:"heifer_birth_prob"`

	PurchasedDaysToCalvingLo int `json:"purchased_days_to_calving_lo"`
	PurchasedDaysToCalvingHi int `json:"purchased_days_to_calving_hi"`

	PopulationRegulation float64 `json:"population_regulation"`
}

// DefaultModelParams returns the documented model defaults.
func DefaultModelParams() ModelParams {
	return ModelParams{
		GestationMu:              277.5,
		GestationSigma:           2.0,
		GestationLo:              275,
		GestationHi:              280,
		VoluntaryWaitingPeriod:   50,
		MaxServicePeriodAfterVWP: 300,
		MinFirstInsemAgeDays:     365,
		HeiferBirthProb:          0.5,
		PurchasedDaysToCalvingLo: 1,
		PurchasedDaysToCalvingHi: 280,
		PopulationRegulation:     1.0,
	}
}

// ServicePeriodParams tunes the legacy service-period policy.
type ServicePeriodParams struct {
	MeanDays            int `json:"mean_days"`
	StdDays             int `json:"std_days"`
	MinDaysAfterCalving int `json:"min_days_after_calving"`
}

// HeiferInsemParams tunes the legacy heifer first-insemination policy.
type HeiferInsemParams struct {
	MinAgeDays int `json:"min_age_days"`
	MaxAgeDays int `json:"max_age_days"`
}

// CullingParams tunes culling-hazard estimation.
type CullingParams struct {
	EstimateFromDataset   bool    `json:"estimate_from_dataset"`
	Grouping              string  `json:"grouping"`
	FallbackMonthlyHazard float64 `json:"fallback_monthly_hazard"`
	AgeBandYears          int     `json:"age_band_years"`
}

// ReplacementParams tunes the legacy replacement policy.
type ReplacementParams struct {
	Enabled           bool    `json:"enabled"`
	AnnualHeiferRatio float64 `json:"annual_heifer_ratio"`
	LookaheadMonths   int     `json:"lookahead_months"`
}

// ScenarioParams is the full input to one forecast.
type ScenarioParams struct {
	DatasetID     string     `json:"dataset_id"`
	ReportDate    herd.Date  `json:"report_date"`
	HorizonMonths int        `json:"horizon_months"`
	FutureDate    *herd.Date `json:"future_date,omitempty"`
	Seed          int64      `json:"seed"`
	MCRuns        int        `json:"mc_runs"`

	ConfidenceCentral float64 `json:"confidence_central"`
	Mode              string  `json:"mode"`
	Engine            string  `json:"engine"`
	PurchasePolicy    string  `json:"purchase_policy"`
	LeadTimeDays      int     `json:"lead_time_days"`

	Model ModelParams `json:"model"`

	ServicePeriod ServicePeriodParams `json:"service_period"`
	HeiferInsem   HeiferInsemParams   `json:"heifer_insem"`
	Culling       CullingParams       `json:"culling"`
	Replacement   ReplacementParams   `json:"replacement"`
	DIMMode       string              `json:"dim_mode"`

	Purchases []PurchaseItem `json:"purchases"`
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (p *ScenarioParams) ApplyDefaults() {
	if p.HorizonMonths == 0 {
		p.HorizonMonths = 36
	}
	if p.Seed == 0 {
		p.Seed = 42
	}
	if p.MCRuns == 0 {
		p.MCRuns = 1
	}
	if p.ConfidenceCentral == 0 {
		p.ConfidenceCentral = 0.8
	}
	if p.Mode == "" {
		p.Mode = ModeEmpirical
	}
	if p.Engine == "" {
		p.Engine = EngineM5
	}
	if p.PurchasePolicy == "" {
		p.PurchasePolicy = PolicyManual
	}
	if p.LeadTimeDays == 0 {
		p.LeadTimeDays = 90
	}
	if p.Model == (ModelParams{}) {
		p.Model = DefaultModelParams()
	}
	if p.ServicePeriod == (ServicePeriodParams{}) {
		p.ServicePeriod = ServicePeriodParams{MeanDays: 115, StdDays: 10, MinDaysAfterCalving: 50}
	}
	if p.HeiferInsem == (HeiferInsemParams{}) {
		p.HeiferInsem = HeiferInsemParams{MinAgeDays: 365, MaxAgeDays: 395}
	}
	if p.Culling == (CullingParams{}) {
		p.Culling = CullingParams{
			EstimateFromDataset:   true,
			Grouping:              "lactation",
			FallbackMonthlyHazard: herd.DefaultFallbackMonthlyHazard,
			AgeBandYears:          2,
		}
	}
	if p.Replacement == (ReplacementParams{}) {
		p.Replacement = ReplacementParams{Enabled: true, AnnualHeiferRatio: 0.30, LookaheadMonths: 12}
	}
	if p.DIMMode == "" {
		p.DIMMode = string(herd.DIMFromCalving)
	}
}

// Validate checks bounds and enumerations; violations surface as
// REQUEST_VALIDATION_ERROR at the boundary.
func (p *ScenarioParams) Validate() error {
	if p.DatasetID == "" {
		return validationError("dataset_id is required")
	}
	if p.HorizonMonths < 1 || p.HorizonMonths > 120 {
		return validationError(fmt.Sprintf("horizon_months must be in [1, 120], got %d", p.HorizonMonths))
	}
	if p.MCRuns < 1 || p.MCRuns > 500 {
		return validationError(fmt.Sprintf("mc_runs must be in [1, 500], got %d", p.MCRuns))
	}
	if p.ConfidenceCentral <= 0 || p.ConfidenceCentral >= 1 {
		return validationError(fmt.Sprintf("confidence_central must be in (0, 1), got %v", p.ConfidenceCentral))
	}
	switch p.Mode {
	case ModeEmpirical, ModeTheoretical:
	default:
		return validationError(fmt.Sprintf("mode must be empirical or theoretical, got %q", p.Mode))
	}
	switch p.Engine {
	case EngineM5, EngineLegacy:
	default:
		return validationError(fmt.Sprintf("engine must be %s or %s, got %q", EngineM5, EngineLegacy, p.Engine))
	}
	switch p.PurchasePolicy {
	case PolicyManual, PolicyAutoCounter, PolicyAutoForecast:
	default:
		return validationError(fmt.Sprintf("purchase_policy must be manual, auto_counter or auto_forecast, got %q", p.PurchasePolicy))
	}
	switch p.DIMMode {
	case string(herd.DIMFromCalving), string(herd.DIMFromDatasetField):
	default:
		return validationError(fmt.Sprintf("dim_mode must be from_calving or from_dataset_field, got %q", p.DIMMode))
	}
	for i := range p.Purchases {
		if err := p.Purchases[i].Validate(); err != nil {
			return validationError(fmt.Sprintf("purchases[%d]: %v", i, err))
		}
	}
	return nil
}

func validationError(msg string) error {
	return apierrors.New(apierrors.CodeRequestValidation, msg)
}
