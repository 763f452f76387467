package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReturnPeriod(t *testing.T) {
	t.Run("aai", func(t *testing.T) {
		rp, err := ParseReturnPeriod(" AAI ")
		require.NoError(t, err)
		assert.True(t, rp.IsAAI())
	})

	for _, spelling := range []string{"10", "10.0", " 1e1", "010"} {
		t.Run("canonical "+spelling, func(t *testing.T) {
			rp, err := ParseReturnPeriod(spelling)
			require.NoError(t, err)
			assert.Equal(t, ReturnPeriod("10"), rp)
		})
	}

	t.Run("fractional years", func(t *testing.T) {
		rp, err := ParseReturnPeriod("2.50")
		require.NoError(t, err)
		assert.Equal(t, ReturnPeriod("2.5"), rp)
	})

	for _, bad := range []string{"", "0", "-10", "often"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseReturnPeriod(bad)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestScenarioRequest_Standardise(t *testing.T) {
	req := ScenarioRequest{
		HazardType:   HazardTropicalCyclone,
		ImpactType:   "people_affected",
		ScenarioName: "ssp245",
	}
	require.NoError(t, req.Standardise())

	assert.Equal(t, "people", req.ExposureType)
	assert.Equal(t, "ssp245", req.ScenarioGrowth)
	assert.Equal(t, "ssp245", req.ScenarioClimate)
	assert.Equal(t, []ReturnPeriod{AverageAnnualImpact}, req.ReturnPeriods)
	assert.Equal(t, UnitsPeople, req.UnitsResponse)
}

func TestScenarioRequest_Standardise_UnknownImpact(t *testing.T) {
	req := ScenarioRequest{ImpactType: "vibes"}
	assert.ErrorIs(t, req.Standardise(), ErrInvalidRequest)
}

func TestMeasureRef_Transform(t *testing.T) {
	m := MeasureRef{
		Name: "Mangroves", Slug: "mangroves", Description: "coastal planting",
		HazardType: HazardTropicalCyclone, ExposureType: "economic_assets",
		Cost: 1_000_000, CostCurrency: "USD",
		HazardChangeMultiplier: 0.8, PercentageCoverage: 100, PercentageEffectiveness: 50,
	}
	repriced := m
	repriced.Cost = 2_500_000
	repriced.CostCurrency = "EUR"
	repriced.Description = "updated pricing"

	assert.Equal(t, m.Transform(), repriced.Transform())
	assert.Equal(t, 0.8, m.Transform().HazardChangeMultiplier)

	weaker := m
	weaker.PercentageEffectiveness = 25
	assert.NotEqual(t, m.Transform(), weaker.Transform())
}

func TestAttributionResult_Components(t *testing.T) {
	r := AttributionResult{
		Current:       10,
		GrowthChange:  2,
		ClimateChange: 3,
		Measures:      []MeasureAttribution{{Name: "M1", Change: -4}},
	}

	got := r.Components()
	require.Len(t, got, 4)
	assert.Equal(t, ComponentCurrent, got[0].Name)
	assert.Equal(t, ComponentMeasureChange, got[3].Name)
	assert.Equal(t, "M1", got[3].Measure)
	assert.Equal(t, -4.0, got[3].Value)
}
