package adherence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimingAccuracy(t *testing.T) {
	tests := []struct {
		minutes int
		want    float64
	}{
		{0, 100},
		{15, 100},
		{-15, 100},
		{16, 90},
		{30, 90},
		{45, 75},
		{-45, 75},
		{60, 75},
		{90, 50},
		{120, 50},
		{121, 25},
		{200, 25},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TimingAccuracy(tt.minutes), "minutes=%d", tt.minutes)
	}
}

func TestDoseAccuracy(t *testing.T) {
	assert.Equal(t, 100.0, DoseAccuracy("", "10mg"))
	assert.Equal(t, 100.0, DoseAccuracy("10mg", "10mg"))
	assert.Equal(t, 100.0, DoseAccuracy("10 MG", "10 mg"))
	assert.Equal(t, 50.0, DoseAccuracy("5mg", "10mg"))
	assert.Equal(t, 100.0, DoseAccuracy("20mg", "10mg"), "capped at 100")
	assert.InDelta(t, 75.0, DoseAccuracy("0.75 tablet", "1 tablet"), 0.0001)
	assert.Equal(t, UnparseableDoseAccuracy, DoseAccuracy("half a tablet", "1 tablet"))
	assert.Equal(t, UnparseableDoseAccuracy, DoseAccuracy("5mg", "as directed"))
}

func TestCircumstanceCompliance(t *testing.T) {
	assert.Equal(t, 100.0, CircumstanceCompliance(Circumstances{}))
	assert.Equal(t, 100.0, CircumstanceCompliance(Circumstances{FoodRequired: true, TakenWithFood: true}))
	assert.Equal(t, 80.0, CircumstanceCompliance(Circumstances{FoodRequired: true}))
	assert.Equal(t, 90.0, CircumstanceCompliance(Circumstances{Symptomatic: true}))
	assert.Equal(t, 70.0, CircumstanceCompliance(Circumstances{FoodRequired: true, Symptomatic: true}))
}

func TestCompute_OverallIsMean(t *testing.T) {
	s := Compute("5mg", "10mg", 45, Circumstances{FoodRequired: true})

	assert.Equal(t, 50.0, s.DoseAccuracy)
	assert.Equal(t, 75.0, s.TimingAccuracy)
	assert.Equal(t, 80.0, s.CircumstanceCompliance)
	assert.InDelta(t, (50.0+75.0+80.0)/3, s.Overall, 0.0001)
}
