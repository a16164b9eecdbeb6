package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeanAndStdDev(t *testing.T) {
	tests := []struct {
		name string
		data []float64
		mean float64
		sd   float64
	}{
		{"empty", nil, 0, 0},
		{"constant", []float64{5, 5, 5}, 5, 0},
		{"spike", []float64{100, 100, 100, 100, 100, 100, 400}, 1000.0 / 7, math.Sqrt(540000.0 / 49)},
		{"two points", []float64{2, 4}, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Mean(tt.data)
			assert.InDelta(t, tt.mean, m, 1e-9)
			assert.InDelta(t, tt.sd, PopulationStdDev(tt.data, m), 1e-9)
		})
	}
}

func TestCoefficientOfVariation(t *testing.T) {
	cv, ok := CoefficientOfVariation([]float64{90, 110})
	assert.True(t, ok)
	assert.InDelta(t, 0.1, cv, 1e-9)

	_, ok = CoefficientOfVariation([]float64{0, 0})
	assert.False(t, ok)
}
