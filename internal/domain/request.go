package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// HazardType names a modelled hazard.
type HazardType string

const (
	HazardTropicalCyclone HazardType = "tropical_cyclone"
	HazardExtremeHeat     HazardType = "extreme_heat"
)

// Valid reports whether h is a hazard the model boundary knows about.
func (h HazardType) Valid() bool {
	switch h {
	case HazardTropicalCyclone, HazardExtremeHeat:
		return true
	default:
		return false
	}
}

// Scenario name used for any component computed at the present year.
const ScenarioHistorical = "historical"

// Response units supported by attribution. Unit conversion is handled elsewhere.
const (
	UnitsDollars = "dollars"
	UnitsPeople  = "people"
)

// ExposureTypeForImpact maps an impact type onto the exposure it is computed from.
func ExposureTypeForImpact(impactType string) (string, error) {
	switch impactType {
	case "people_affected":
		return "people", nil
	case "economic_loss", "assets_affected":
		return "economic_assets", nil
	default:
		return "", fmt.Errorf("%w: impact type must be one of people_affected, economic_loss, assets_affected: got %q",
			ErrInvalidRequest, impactType)
	}
}

// ReturnPeriod selects one value from an impact result: a recurrence interval
// in years, or "aai" for the average annual impact.
type ReturnPeriod string

// AverageAnnualImpact is the aggregate expected impact per year.
const AverageAnnualImpact ReturnPeriod = "aai"

// ParseReturnPeriod validates a return period selector and returns it in
// canonical form, so "10", "10.0" and "1e1" are the same selector.
func ParseReturnPeriod(s string) (ReturnPeriod, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == string(AverageAnnualImpact) {
		return AverageAnnualImpact, nil
	}
	years, err := strconv.ParseFloat(s, 64)
	if err != nil || years <= 0 {
		return "", fmt.Errorf("%w: return period must be %q or a positive number of years: got %q",
			ErrInvalidRequest, AverageAnnualImpact, s)
	}
	return ReturnPeriod(strconv.FormatFloat(years, 'f', -1, 64)), nil
}

// IsAAI reports whether rp selects the average annual impact.
func (rp ReturnPeriod) IsAAI() bool { return rp == AverageAnnualImpact }

// Location identifies the area a calculation covers.
type Location struct {
	CountryISO3 string  `json:"country,omitempty" yaml:"country,omitempty"`
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	Poly        string  `json:"poly,omitempty" yaml:"poly,omitempty"` // WKT bounding polygon
	Lat         float64 `json:"lat,omitempty" yaml:"lat,omitempty"`
	Lon         float64 `json:"lon,omitempty" yaml:"lon,omitempty"`
}

// MeasureRef describes an adaptation measure applied to one scenario job.
type MeasureRef struct {
	Name         string     `json:"name" yaml:"name"`
	Slug         string     `json:"slug,omitempty" yaml:"slug"`
	Description  string     `json:"description,omitempty" yaml:"description"`
	HazardType   HazardType `json:"hazard_type" yaml:"hazard_type"`
	ExposureType string     `json:"exposure_type,omitempty" yaml:"exposure_type"`
	Cost         float64    `json:"cost" yaml:"cost"`
	CostCurrency string     `json:"units_currency" yaml:"units_currency"`

	// Zero means unset for every transform below.
	HazardCutoff           float64 `json:"hazard_cutoff,omitempty" yaml:"hazard_cutoff"`
	ReturnPeriodCutoff     float64 `json:"return_period_cutoff,omitempty" yaml:"return_period_cutoff"`
	HazardChangeMultiplier float64 `json:"hazard_change_multiplier,omitempty" yaml:"hazard_change_multiplier"`
	HazardChangeConstant   float64 `json:"hazard_change_constant,omitempty" yaml:"hazard_change_constant"`

	PercentageCoverage      float64 `json:"percentage_coverage" yaml:"percentage_coverage"`
	PercentageEffectiveness float64 `json:"percentage_effectiveness" yaml:"percentage_effectiveness"`
}

// MeasureTransform is the part of a measure the impact model reads. Naming,
// pricing and description are left out so they never split a cache key.
type MeasureTransform struct {
	HazardType   HazardType `json:"hazard_type"`
	ExposureType string     `json:"exposure_type,omitempty"`

	HazardCutoff           float64 `json:"hazard_cutoff,omitempty"`
	ReturnPeriodCutoff     float64 `json:"return_period_cutoff,omitempty"`
	HazardChangeMultiplier float64 `json:"hazard_change_multiplier,omitempty"`
	HazardChangeConstant   float64 `json:"hazard_change_constant,omitempty"`

	PercentageCoverage      float64 `json:"percentage_coverage"`
	PercentageEffectiveness float64 `json:"percentage_effectiveness"`
}

// Transform returns the model-facing fields of m.
func (m MeasureRef) Transform() MeasureTransform {
	return MeasureTransform{
		HazardType:              m.HazardType,
		ExposureType:            m.ExposureType,
		HazardCutoff:            m.HazardCutoff,
		ReturnPeriodCutoff:      m.ReturnPeriodCutoff,
		HazardChangeMultiplier:  m.HazardChangeMultiplier,
		HazardChangeConstant:    m.HazardChangeConstant,
		PercentageCoverage:      m.PercentageCoverage,
		PercentageEffectiveness: m.PercentageEffectiveness,
	}
}

// ScenarioRequest is a user request for an attribution breakdown.
type ScenarioRequest struct {
	HazardType      HazardType     `json:"hazard_type"`
	ImpactType      string         `json:"impact_type"`
	ExposureType    string         `json:"exposure_type,omitempty"`
	Location        Location       `json:"location"`
	ScenarioName    string         `json:"scenario_name"`
	ScenarioGrowth  string         `json:"scenario_growth,omitempty"`
	ScenarioClimate string         `json:"scenario_climate,omitempty"`
	TargetYear      int            `json:"scenario_year"`
	ReturnPeriods   []ReturnPeriod `json:"return_periods"`
	Measures        []MeasureRef   `json:"measures,omitempty"`
	MeasureSlugs    []string       `json:"measure_ids,omitempty"`
	UnitsResponse   string         `json:"units_response,omitempty"`
	UnitsWarming    string         `json:"units_warming,omitempty"`

	// SaveFrequencyCurve asks for the exceedance curve of the future scenario.
	SaveFrequencyCurve bool `json:"save_frequency_curve,omitempty"`
}

// Standardise fills derived defaults: exposure type from impact type, growth
// and climate scenarios from the scenario name, "aai" when no return period
// was requested, and response units from the exposure type.
func (r *ScenarioRequest) Standardise() error {
	if r.ExposureType == "" {
		exp, err := ExposureTypeForImpact(r.ImpactType)
		if err != nil {
			return err
		}
		r.ExposureType = exp
	}
	if r.ScenarioName == "" {
		r.ScenarioName = ScenarioHistorical
	}
	if r.ScenarioGrowth == "" {
		r.ScenarioGrowth = r.ScenarioName
	}
	if r.ScenarioClimate == "" {
		r.ScenarioClimate = r.ScenarioName
	}
	if len(r.ReturnPeriods) == 0 {
		r.ReturnPeriods = []ReturnPeriod{AverageAnnualImpact}
	}
	for i, rp := range r.ReturnPeriods {
		parsed, err := ParseReturnPeriod(string(rp))
		if err != nil {
			return err
		}
		r.ReturnPeriods[i] = parsed
	}
	if r.UnitsResponse == "" {
		if r.ExposureType == "people" {
			r.UnitsResponse = UnitsPeople
		} else {
			r.UnitsResponse = UnitsDollars
		}
	}
	if r.UnitsWarming == "" {
		r.UnitsWarming = "celsius"
	}
	return nil
}
