// ABOUTME: Tests for the sample-counting synchronizer
// ABOUTME: Tests periodic sources, drift correction, outliers, gating and file output
package tsync

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/Resonate-Protocol/streamsync/pkg/clock"
	"github.com/Resonate-Protocol/streamsync/pkg/tsyncfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreqCounterDefaults(t *testing.T) {
	h := &recordingHandler{}
	f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, h)

	assert.Equal(t, 5*time.Millisecond, f.Tolerance())
	assert.Equal(t, ShiftForward|ShiftBackward, f.Strategies())
	assert.Zero(t, f.CalibrationWindowSize(), "window is derived from the first block")
	require.Len(t, h.details, 1)
	assert.Equal(t, detailsEvent{"counter", ShiftForward | ShiftBackward, 5 * time.Millisecond}, h.details[0])
}

func TestFreqCounterWindowDerivedFromBlockRate(t *testing.T) {
	tests := []struct {
		freq  float64
		block int
		want  int
	}{
		{100, 10, 39},
		{100, 1, 993},
		{30000, 1000, 233},
		{1000, 1000, 24},
		{2, 1, 24},
	}

	for _, tt := range tests {
		f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), tt.freq, nil)
		require.NoError(t, f.Start())
		f.ProcessTimestamps(1_000_000, 0, 1, counterBlock(0, tt.block))
		assert.Equal(t, tt.want, f.CalibrationWindowSize(), "freq %g block %d", tt.freq, tt.block)
	}
}

func TestFreqCounterPeriodicStaysAtZero(t *testing.T) {
	for _, jitter := range []int64{0, 2000} {
		clk := clock.NewManualClock(0)
		f := NewFreqCounterSynchronizer("counter", clk, 100, nil)
		require.NoError(t, f.Start())

		rng := rand.New(rand.NewPCG(7, 11))
		for k := 0; k < 5000; k++ {
			idx := []uint64{uint64(k)}
			recv := int64(k+1)*10_000 + 3_000
			if jitter > 0 {
				recv += rng.Int64N(jitter)
			}
			clk.Set(recv)
			f.ProcessTimestamps(recv, 0, 1, idx)

			if idx[0] != uint64(k) {
				t.Fatalf("jitter %d: block %d index changed to %d", jitter, k, idx[0])
			}
		}
		assert.True(t, f.IsCalibrated())
		assert.Zero(t, f.IndexOffset())
		if jitter == 0 {
			assert.Equal(t, -3*time.Millisecond, f.ExpectedOffset())
			assert.Zero(t, f.ExpectedStdDev())
		}
	}
}

func TestFreqCounterBackdatesBlocksOfBatch(t *testing.T) {
	f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, nil)
	require.NoError(t, f.Start())

	// three blocks of 10 samples arrive together every 300ms
	k := 0
	for batch := 0; batch < 100; batch++ {
		recv := int64(batch+1) * 300_000
		for b := 0; b < 3; b++ {
			idx := counterBlock(k, 10)
			f.ProcessTimestamps(recv, b, 3, idx)
			assert.Equal(t, uint64(k*10), idx[0])
			k++
		}
	}
	require.True(t, f.IsCalibrated())
	assert.Zero(t, f.ExpectedOffset())
	assert.Zero(t, f.Deviation())
	assert.Zero(t, f.IndexOffset())
}

func TestFreqCounterDeviceLatency(t *testing.T) {
	run := func(latency time.Duration) time.Duration {
		f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, nil)
		f.SetDeviceLatency(latency)
		require.NoError(t, f.Start())
		for k := 0; k < 100; k++ {
			f.ProcessTimestamps(int64(k+1)*100_000, 0, 1, counterBlock(k, 10))
		}
		require.True(t, f.IsCalibrated())
		return f.ExpectedOffset()
	}

	assert.Equal(t, run(0)+4*time.Millisecond, run(4*time.Millisecond))
}

// driftingRecv is the master time at which block k of a 100Hz source with
// 10-sample blocks arrives when the device clock runs 1% fast
func driftingRecv(k int) int64 {
	return int64(math.Round(float64(k+1) * 10 * 1e6 / (100 * 1.01)))
}

func TestFreqCounterFollowsDrift(t *testing.T) {
	f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, nil)
	f.SetTolerance(5 * time.Millisecond)
	require.NoError(t, f.Start())

	const blocks = 2000
	calibratedAt, firstShift := -1, -1

	// deviation grows by about 990µs per block; corrections lag by the
	// window mean, the filter and the cooldown
	window := 39
	bound := int64((2.5*float64(window) + 10) * 990)

	for k := 0; k < blocks; k++ {
		idx := counterBlock(k, 10)
		recv := driftingRecv(k)
		f.ProcessTimestamps(recv, 0, 1, idx)

		if calibratedAt < 0 && f.IsCalibrated() {
			calibratedAt = k
			assert.Equal(t, window, f.CalibrationWindowSize())
		}
		if firstShift < 0 && f.IndexOffset() != 0 {
			firstShift = k
		}
		if firstShift >= 0 {
			corrected := int64(math.Round(float64(idx[9]+1)*1e6/100)) - recv
			errMicros := corrected - f.ExpectedOffset().Microseconds()
			if errMicros > bound || errMicros < -bound {
				t.Fatalf("block %d: corrected error %dµs exceeds %dµs", k, errMicros, bound)
			}
		}
	}

	require.Equal(t, 2*window-1, calibratedAt)
	require.GreaterOrEqual(t, firstShift, 0, "no index offset was ever applied")
	assert.LessOrEqual(t, (firstShift-calibratedAt)*10, 500, "correction started too late")
	assert.Positive(t, f.IndexOffset(), "a fast device needs indices shifted back")

	// uncorrected the deviation would have grown to almost two seconds
	blocksSeen, outliers, changes := f.Stats()
	assert.Equal(t, int64(blocks), blocksSeen)
	assert.Zero(t, outliers)
	assert.Greater(t, changes, int64(10))
}

func TestFreqCounterDirectionGating(t *testing.T) {
	tests := []struct {
		name       string
		strategies Strategy
		shifted    bool
	}{
		{"both", ShiftForward | ShiftBackward, true},
		{"backward only", ShiftBackward, true},
		{"forward only", ShiftForward, false},
		{"none", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, nil)
			f.SetStrategies(tt.strategies)
			require.NoError(t, f.Start())

			shifted := false
			for k := 0; k < 400; k++ {
				idx := counterBlock(k, 10)
				f.ProcessTimestamps(driftingRecv(k), 0, 1, idx)
				if idx[0] != uint64(k*10) {
					shifted = true
				}
			}
			assert.NotZero(t, f.IndexOffset(), "the offset is computed regardless of gating")
			assert.Equal(t, tt.shifted, shifted)
		})
	}
}

func TestFreqCounterIgnoresOutlierBlock(t *testing.T) {
	for _, delay := range []int64{100_000, 1_000_000} {
		f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, nil)
		require.NoError(t, f.Start())

		for k := 0; k < 300; k++ {
			idx := counterBlock(k, 10)
			recv := int64(k+1) * 100_000
			if k == 150 {
				// one block stuck in transport
				recv += delay
			}
			f.ProcessTimestamps(recv, 0, 1, idx)
			require.Equal(t, uint64(k*10), idx[0], "delay %d block %d", delay, k)
			require.Zero(t, f.IndexOffset(), "delay %d block %d", delay, k)
			require.Zero(t, f.Deviation(), "delay %d block %d", delay, k)
		}
		assert.Zero(t, f.ExpectedOffset())

		_, outliers, changes := f.Stats()
		assert.Equal(t, int64(1), outliers, "delay %d", delay)
		assert.Zero(t, changes, "delay %d", delay)
	}
}

func TestFreqCounterOutlierKeepsIndexOffset(t *testing.T) {
	f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, nil)
	require.NoError(t, f.Start())

	var prev uint64
	for k := 0; k < 1011; k++ {
		idx := counterBlock(k, 10)
		recv := driftingRecv(k)
		if k == 1000 {
			require.NotZero(t, f.IndexOffset())
			recv += 100_000
		}
		before := f.IndexOffset()
		f.ProcessTimestamps(recv, 0, 1, idx)

		if k == 1000 {
			assert.Equal(t, before, f.IndexOffset())
			assert.Equal(t, uint64(k*10)-uint64(before), idx[0], "the current offset still applies")
		}
		if k >= 990 {
			require.Equal(t, prev+1, idx[0], "block %d continues the previous one", k)
		}
		prev = idx[9]
	}

	_, outliers, _ := f.Stats()
	assert.Equal(t, int64(1), outliers)
}

func TestFreqCounterAdmitsPersistentStep(t *testing.T) {
	f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, nil)
	require.NoError(t, f.Start())

	for k := 0; k < 400; k++ {
		recv := int64(k+1) * 100_000
		if k >= 150 {
			// transport latency grows by 50ms for good
			recv += 50_000
		}
		f.ProcessTimestamps(recv, 0, 1, counterBlock(k, 10))
	}

	_, outliers, _ := f.Stats()
	assert.Greater(t, outliers, int64(maxConsecutiveOutliers))
	assert.Equal(t, -50*time.Millisecond, f.Deviation())
	assert.Equal(t, int64(-5), f.IndexOffset())
}

func TestFreqCounterStartStop(t *testing.T) {
	f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, nil)

	// not started yet, blocks pass through untouched
	f.ProcessTimestamps(100, 0, 1, counterBlock(0, 10))
	assert.False(t, f.IsCalibrated())

	require.NoError(t, f.Start())
	require.NoError(t, f.Start(), "restart during warm-up is allowed")

	for k := 0; k < 100; k++ {
		f.ProcessTimestamps(int64(k+1)*100_000, 0, 1, counterBlock(k, 10))
	}
	require.True(t, f.IsCalibrated())
	assert.ErrorIs(t, f.Start(), ErrAlreadyCalibrated)

	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop())
	assert.ErrorIs(t, f.Start(), ErrStopped)
}

func TestFreqCounterRejectsChangesAfterCalibration(t *testing.T) {
	h := &recordingHandler{}
	f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, h)
	f.SetTolerance(8 * time.Millisecond)
	f.SetCalibrationWindowSize(30)
	require.NoError(t, f.Start())

	for k := 0; k < 60; k++ {
		f.ProcessTimestamps(int64(k+1)*100_000, 0, 1, counterBlock(k, 10))
	}
	require.True(t, f.IsCalibrated())
	detailCount := len(h.details)

	f.SetTolerance(time.Millisecond)
	f.SetCalibrationWindowSize(100)
	f.SetStrategies(0)
	f.SetDeviceLatency(time.Second)

	assert.Equal(t, 8*time.Millisecond, f.Tolerance())
	assert.Equal(t, 30, f.CalibrationWindowSize())
	assert.Equal(t, ShiftForward|ShiftBackward, f.Strategies())
	assert.Len(t, h.details, detailCount)
	require.Len(t, h.offsets, 1, "first calibration is reported")
}

func TestFreqCounterLogFile(t *testing.T) {
	base := filepath.Join(t.TempDir(), "counter")
	f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, nil)
	f.SetTimeSyncBasename(base)
	f.SetStrategies(DefaultStrategies)
	require.NoError(t, f.Start())

	for k := 0; k < 400; k++ {
		f.ProcessTimestamps(driftingRecv(k), 0, 1, counterBlock(k, 10))
	}
	require.NoError(t, f.Stop())

	file, err := tsyncfile.ReadFile(base + tsyncfile.FileExtension)
	require.NoError(t, err)
	assert.True(t, file.Intact())
	assert.Equal(t, tsyncfile.UnitIndex, file.Header.Device.Unit)
	assert.Equal(t, tsyncfile.EncodingUInt64, file.Header.Device.Encoding)
	assert.Equal(t, "counter", file.Header.Metadata["stream"])
	assert.EqualValues(t, 5000, file.Header.Metadata["tolerance_us"])

	_, _, changes := f.Stats()
	// calibration point, every change, final point
	require.Len(t, file.Records, int(changes)+2)
	for i := 1; i < len(file.Records); i++ {
		assert.GreaterOrEqual(t, file.Records[i].Device, file.Records[i-1].Device)
		assert.GreaterOrEqual(t, file.Records[i].Master, file.Records[i-1].Master)
	}

	last := file.Records[len(file.Records)-1]
	assert.Equal(t, int64(399*10+9), last.Device)
	assert.Equal(t, driftingRecv(399), last.Master)
}

func TestFreqCounterStartFailsWithoutBasename(t *testing.T) {
	f := NewFreqCounterSynchronizer("counter", clock.NewManualClock(0), 100, nil)
	f.SetStrategies(WriteLogFile)
	assert.ErrorIs(t, f.Start(), ErrNoBasename)
}

func TestShiftIndices(t *testing.T) {
	idx := []uint64{0, 1, 5}
	shiftIndices(idx, 2)
	assert.Equal(t, []uint64{0, 0, 3}, idx)

	shiftIndices(idx, -4)
	assert.Equal(t, []uint64{4, 4, 7}, idx)

	shiftIndices(idx, 0)
	assert.Equal(t, []uint64{4, 4, 7}, idx)
}
