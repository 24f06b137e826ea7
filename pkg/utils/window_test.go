package utils_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/timenic/timenic-daemon/pkg/utils"
)

func TestWindowRMS(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		samples []float64
		rms     float64
	}{
		{"empty", 4, nil, 0},
		{"alternating", 4, []float64{10, -10, 10, -10}, 10},
		{"partial", 8, []float64{3, 4}, math.Sqrt(12.5)},
		{"evicts oldest", 2, []float64{1000, 6, -8}, math.Sqrt(50)},
		{"zeros", 3, []float64{0, 0, 0, 0}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := utils.NewWindow(tc.size)
			for _, s := range tc.samples {
				w.Insert(s)
			}
			assert.InDelta(t, tc.rms, w.RMS(), 1e-9)
			assert.GreaterOrEqual(t, w.RMS(), 0.0)
		})
	}
}

func TestWindowRotation(t *testing.T) {
	w := utils.NewWindow(3)
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, 0.0, w.LastInserted())

	for i := 1; i <= 10; i++ {
		w.Insert(float64(i))
		assert.LessOrEqual(t, w.Len(), 3)
	}
	assert.True(t, w.Full())
	assert.Equal(t, 10.0, w.LastInserted())
	assert.Equal(t, 9.0, w.Mean())
	assert.Equal(t, 10.0, w.AbsMax())

	w.Reset()
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, 0.0, w.RMS())
}
