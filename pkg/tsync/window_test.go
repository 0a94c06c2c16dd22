// ABOUTME: Tests for the calibration window ring buffer
// ABOUTME: Tests capacity, eviction, running statistics and median
package tsync

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowCapacity(t *testing.T) {
	w := NewCalibrationWindow(4)
	assert.Equal(t, 4, w.Cap())
	assert.Equal(t, 0, w.Len())
	assert.False(t, w.Full())

	for i := int64(1); i <= 10; i++ {
		w.Push(i)
		assert.LessOrEqual(t, w.Len(), w.Cap())
	}
	assert.True(t, w.Full())

	// holds 7, 8, 9, 10
	assert.InDelta(t, 8.5, w.Mean(), 1e-9)
	assert.Equal(t, int64(8), w.Median())
	assert.InDelta(t, 1.25, w.Variance(), 1e-9)
}

func TestWindowZeroCapacity(t *testing.T) {
	w := NewCalibrationWindow(0)
	assert.Equal(t, 1, w.Cap())
	w.Push(5)
	w.Push(9)
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, int64(9), w.Median())
	assert.Zero(t, w.Variance())
}

func TestWindowEmpty(t *testing.T) {
	w := NewCalibrationWindow(8)
	assert.Zero(t, w.Mean())
	assert.Zero(t, w.Variance())
	assert.Zero(t, w.Median())
}

func TestWindowMedian(t *testing.T) {
	tests := []struct {
		name string
		in   []int64
		want int64
	}{
		{"odd", []int64{5, 1, 3}, 3},
		{"even", []int64{4, 1, 3, 2}, 2},
		{"negative even", []int64{-3, -4}, -4},
		{"single", []int64{42}, 42},
		{"large", []int64{1_700_000_000_000_000, 1_700_000_000_000_010, 1_700_000_000_000_004}, 1_700_000_000_000_004},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewCalibrationWindow(len(tt.in))
			for _, v := range tt.in {
				w.Push(v)
			}
			assert.Equal(t, tt.want, w.Median())
		})
	}
}

func TestWindowStatisticsMatchNaive(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	w := NewCalibrationWindow(37)

	var all []int64
	for i := 0; i < 1000; i++ {
		// large absolute offsets with small spread
		v := int64(3_600_000_000) + rng.Int64N(20_000) - 10_000
		w.Push(v)
		all = append(all, v)

		held := all[max(0, len(all)-w.Cap()):]
		mean, variance := naiveStats(held)
		assert.InDelta(t, mean, w.Mean(), 1e-6)
		assert.InDelta(t, variance, w.Variance(), variance*1e-9+1e-6)
	}

	held := slices.Clone(all[len(all)-w.Cap():])
	slices.Sort(held)
	assert.Equal(t, held[len(held)/2], w.Median())
}

func TestWindowReset(t *testing.T) {
	w := NewCalibrationWindow(3)
	w.Push(100)
	w.Push(200)
	w.Reset()

	assert.Equal(t, 0, w.Len())
	w.Push(-7)
	assert.Equal(t, -7.0, w.Mean())
	assert.Equal(t, int64(-7), w.Median())
}

func naiveStats(v []int64) (mean, variance float64) {
	for _, x := range v {
		mean += float64(x)
	}
	mean /= float64(len(v))
	for _, x := range v {
		d := float64(x) - mean
		variance += d * d
	}
	variance /= float64(len(v))
	return mean, math.Max(variance, 0)
}
