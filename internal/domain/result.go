package domain

import (
	"time"

	"github.com/google/uuid"
)

// Component names in the order they appear in an attribution breakdown.
const (
	ComponentCurrent       = "current"
	ComponentGrowthChange  = "growth_change"
	ComponentClimateChange = "climate_change"
	ComponentMeasureChange = "measure_change"
)

// Component is one named additive delta of a breakdown.
type Component struct {
	Name    string  `json:"name"`
	Measure string  `json:"measure,omitempty"`
	Value   float64 `json:"value"`
}

// MeasureAttribution is the effect and economics of one measure.
type MeasureAttribution struct {
	Name             string  `json:"name"`
	Change           float64 `json:"measure_change"`
	WithMeasure      float64 `json:"measure_climate"`
	Cost             float64 `json:"cost"`
	CostCurrency     string  `json:"units_currency"`
	BenefitPerYear   float64 `json:"benefit_per_year"`
	TotalBenefit     float64 `json:"total_benefit"`
	CostBenefitRatio float64 `json:"costbenefit"`
}

// AttributionResult is the breakdown of one return period.
type AttributionResult struct {
	Year         int          `json:"year"`
	PresentYear  int          `json:"present_year"`
	ScenarioName string       `json:"scenario_name"`
	HazardType   HazardType   `json:"hazard_type"`
	ReturnPeriod ReturnPeriod `json:"return_period"`
	Units        string       `json:"units"`

	Current       float64              `json:"current_climate"`
	GrowthChange  float64              `json:"growth_change"`
	ClimateChange float64              `json:"climate_change"`
	Future        float64              `json:"future_climate"`
	Measures      []MeasureAttribution `json:"measures,omitempty"`

	ExceedanceCurve *ExceedanceCurve `json:"exceedance_curve,omitempty"`
}

// Components returns the ordered deltas: current, growth change, climate
// change, then one measure change per measure.
func (r AttributionResult) Components() []Component {
	out := []Component{
		{Name: ComponentCurrent, Value: r.Current},
		{Name: ComponentGrowthChange, Value: r.GrowthChange},
		{Name: ComponentClimateChange, Value: r.ClimateChange},
	}
	for _, m := range r.Measures {
		out = append(out, Component{Name: ComponentMeasureChange, Measure: m.Name, Value: m.Change})
	}
	return out
}

// TimelineBar is the breakdown for one year of a timeline.
type TimelineBar struct {
	Year          int     `json:"year_value"`
	Current       float64 `json:"current_climate"`
	GrowthChange  float64 `json:"population_change"`
	ClimateChange float64 `json:"climate_change"`
	Future        float64 `json:"future_climate"`
}

// Timeline is a per-year breakdown for one return period.
type Timeline struct {
	ScenarioName string        `json:"scenario_name"`
	HazardType   HazardType    `json:"hazard_type"`
	ReturnPeriod ReturnPeriod  `json:"return_period"`
	Units        string        `json:"units"`
	Bars         []TimelineBar `json:"items"`
}

// ReportKind distinguishes the calculations a job can run.
type ReportKind string

const (
	ReportCostBenefit ReportKind = "costbenefit"
	ReportTimeline    ReportKind = "timeline"
)

// Report is the final output of a job.
type Report struct {
	Kind         ReportKind          `json:"kind"`
	Attributions []AttributionResult `json:"attributions,omitempty"`
	Timelines    []Timeline          `json:"timelines,omitempty"`
}

// JobStatus is the externally visible state of a job.
type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobSuccess JobStatus = "SUCCESS"
	JobFailure JobStatus = "FAILURE"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool { return s == JobSuccess || s == JobFailure }

// JobRecord tracks one submitted job. A record moves from Pending to exactly
// one terminal status; a Success result is never retracted.
type JobRecord struct {
	ID          uuid.UUID  `json:"job_id"`
	Kind        ReportKind `json:"kind"`
	Status      JobStatus  `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Result      *Report    `json:"response,omitempty"`
	Message     string     `json:"message,omitempty"`

	// Owner identifies the process running the job.
	Owner string `json:"-"`
}
