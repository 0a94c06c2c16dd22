// ABOUTME: Fixed-capacity ring buffer of offset samples
// ABOUTME: Running mean and population variance in O(1), median on demand
package tsync

import (
	"math"
	"slices"
)

// CalibrationWindow keeps the newest offsets in microseconds. Values are
// stored relative to the first pushed value so large absolute offsets keep
// full precision in the squared sums.
type CalibrationWindow struct {
	buf   []int64
	head  int
	n     int
	pivot int64

	sum   int64
	sumSq float64
}

// NewCalibrationWindow creates a window holding at most capacity samples
func NewCalibrationWindow(capacity int) *CalibrationWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &CalibrationWindow{buf: make([]int64, capacity)}
}

// Push appends v, evicting the oldest sample once the window is full
func (w *CalibrationWindow) Push(v int64) {
	if w.n == 0 && w.head == 0 {
		w.pivot = v
	}
	d := v - w.pivot

	if w.n == len(w.buf) {
		old := w.buf[w.head]
		w.sum -= old
		w.sumSq -= float64(old) * float64(old)
	} else {
		w.n++
	}
	w.buf[w.head] = d
	w.sum += d
	w.sumSq += float64(d) * float64(d)

	w.head++
	if w.head == len(w.buf) {
		w.head = 0
		// resum once per lap so float error cannot accumulate
		w.sumSq = 0
		for _, x := range w.buf[:w.n] {
			w.sumSq += float64(x) * float64(x)
		}
	}
}

// Len returns the number of samples held
func (w *CalibrationWindow) Len() int {
	return w.n
}

// Cap returns the capacity
func (w *CalibrationWindow) Cap() int {
	return len(w.buf)
}

// Full reports whether the window holds Cap samples
func (w *CalibrationWindow) Full() bool {
	return w.n == len(w.buf)
}

// Mean returns the mean of the held samples, 0 when empty
func (w *CalibrationWindow) Mean() float64 {
	if w.n == 0 {
		return 0
	}
	return float64(w.pivot) + float64(w.sum)/float64(w.n)
}

// Variance returns the population variance of the held samples
func (w *CalibrationWindow) Variance() float64 {
	if w.n == 0 {
		return 0
	}
	m := float64(w.sum) / float64(w.n)
	v := w.sumSq/float64(w.n) - m*m
	if v < 0 {
		return 0
	}
	return v
}

// StdDev returns the population standard deviation
func (w *CalibrationWindow) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// Median returns the median of the held samples. For an even count it is
// the midpoint of the two middle values, rounded down.
func (w *CalibrationWindow) Median() int64 {
	if w.n == 0 {
		return 0
	}
	s := slices.Clone(w.buf[:w.n])
	slices.Sort(s)

	mid := w.n / 2
	if w.n%2 == 1 {
		return w.pivot + s[mid]
	}
	lo, hi := s[mid-1], s[mid]
	return w.pivot + lo + (hi-lo)/2
}

// Reset drops every sample
func (w *CalibrationWindow) Reset() {
	clear(w.buf)
	w.head = 0
	w.n = 0
	w.pivot = 0
	w.sum = 0
	w.sumSq = 0
}

