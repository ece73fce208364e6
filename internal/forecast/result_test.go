package forecast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuantileInterpolates(t *testing.T) {
	values := []float64{40, 10, 30, 20}

	assert.Equal(t, 25.0, quantile(values, 0.5))
	assert.Equal(t, 10.0, quantile(values, 0.0))
	assert.Equal(t, 40.0, quantile(values, 1.0))
	// Position 0.9 * 3 = 2.7 lands between 30 and 40.
	assert.InDelta(t, 37.0, quantile(values, 0.9), 1e-9)
}

func TestQuantileDegenerateInputs(t *testing.T) {
	assert.Equal(t, 0.0, quantile(nil, 0.5))
	assert.Equal(t, 7.5, quantile([]float64{7.5}, 0.1))
}

func TestQuantileIntRounds(t *testing.T) {
	assert.Equal(t, 25, quantileInt([]float64{20, 30}, 0.5))
	assert.Equal(t, 37, quantileInt([]float64{10, 20, 30, 40}, 0.9))
	assert.Equal(t, 23, quantileInt([]float64{20, 25}, 0.5))
}

func TestBandLevels(t *testing.T) {
	low, high := bandLevels(0.8)
	assert.InDelta(t, 0.1, low, 1e-12)
	assert.InDelta(t, 0.9, high, 1e-12)

	low, high = bandLevels(0.5)
	assert.InDelta(t, 0.25, low, 1e-12)
	assert.InDelta(t, 0.75, high, 1e-12)
}
