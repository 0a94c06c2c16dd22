// ABOUTME: Synchronizer for sources that only count samples at a nominal frequency
// ABOUTME: Estimates index drift against block arrival times and shifts indices in place
package tsync

import (
	"math"
	"time"

	"github.com/Resonate-Protocol/streamsync/pkg/clock"
	"github.com/Resonate-Protocol/streamsync/pkg/tsyncfile"
)

const (
	// freqCounterMaxWindow caps the warm-up collection duration
	freqCounterMaxWindow = 10 * time.Second

	freqCounterOutlierK = 1.5

	// freqCounterCooldown is the fraction of the window, in blocks, that must
	// pass between two index offset changes
	freqCounterCooldown = 1.2
)

// FreqCounterSynchronizer aligns a source that delivers blocks of
// sequentially indexed samples at a nominal frequency. The index of a sample
// divided by the frequency is its device time; the synchronizer corrects the
// index so that device time tracks the master clock.
//
// A FreqCounterSynchronizer must be driven by a single goroutine.
type FreqCounterSynchronizer struct {
	calibrator

	latency int64

	timeCorrection float64
	indexOffset    int64
	cooldown       int
	sinceChange    int

	lastIdx      uint64
	lastAssumed  int64
	haveBlock    bool
	blocks       int64
	outliers     int64
	offsetChange int64
}

// NewFreqCounterSynchronizer creates a synchronizer for a source counting
// samples at freqHz. Without a Module the log file strategy is off until a
// basename is set and SetStrategies enables it.
func NewFreqCounterSynchronizer(id string, clk clock.Clock, freqHz float64, handler EventHandler) *FreqCounterSynchronizer {
	f := &FreqCounterSynchronizer{
		calibrator: newCalibrator(id, "freqcounter", clk, handler, freqHz),
	}
	f.outlierK = freqCounterOutlierK
	f.deviceUnit = tsyncfile.UnitIndex
	f.deviceEnc = tsyncfile.EncodingUInt64
	f.notifyDetails()
	return f
}

// Frequency returns the nominal sample frequency in Hz
func (f *FreqCounterSynchronizer) Frequency() float64 {
	return f.freqHz
}

// SetDeviceLatency sets a constant transport delay between the acquisition
// of a block and its arrival. Ignored once calibrated.
func (f *FreqCounterSynchronizer) SetDeviceLatency(d time.Duration) {
	if f.rejectCalibrated("device latency") {
		return
	}
	if d < 0 {
		f.logf("ignoring negative device latency %v", d)
		return
	}
	f.latency = d.Microseconds()
}

// IndexOffset returns the index correction currently computed, before
// direction gating
func (f *FreqCounterSynchronizer) IndexOffset() int64 {
	return f.indexOffset
}

// Stats returns counters of processed blocks, rejected outlier blocks and
// index offset changes
func (f *FreqCounterSynchronizer) Stats() (blocks, outliers, changes int64) {
	return f.blocks, f.outliers, f.offsetChange
}

// Start resets the synchronizer and opens the log file if requested.
// It fails once calibrated or stopped.
func (f *FreqCounterSynchronizer) Start() error {
	if err := f.start(); err != nil {
		return err
	}
	f.timeCorrection = 0
	f.indexOffset = 0
	f.sinceChange = 0
	f.haveBlock = false
	f.blocks, f.outliers, f.offsetChange = 0, 0, 0
	return nil
}

// Stop writes a final correspondence point for the last block and closes
// the log file. Calling Stop more than once is a no-op.
func (f *FreqCounterSynchronizer) Stop() error {
	if f.stopped {
		return nil
	}
	if f.haveBlock {
		f.writeRecord(int64(f.lastIdx), f.lastAssumed)
	}
	return f.stop()
}

// ProcessTimestamps processes one block of a batch. recvMicros is the master
// time the batch arrived, blockIndex the position of this block within a
// batch of blockCount blocks, and idx the sample indices of the block, which
// are shifted in place when a correction applies.
func (f *FreqCounterSynchronizer) ProcessTimestamps(recvMicros int64, blockIndex, blockCount int, idx []uint64) {
	if len(idx) == 0 || !f.started || f.stopped {
		return
	}
	size := len(idx)
	f.ensureWindow(windowSizeFor(f.freqHz/float64(size), freqCounterMaxWindow))
	f.blocks++

	// back-date by the duration of the blocks that arrived after this one
	behind := max(blockCount-blockIndex-1, 0)
	assumed := recvMicros - f.latency - int64(math.Round(float64(behind*size)*1e6/f.freqHz))

	lastIdx := idx[size-1]
	offset := int64(math.Round(float64(lastIdx+1)*1e6/f.freqHz)) - assumed
	f.lastIdx, f.lastAssumed, f.haveBlock = lastIdx, assumed, true

	outlier, calibratedNow := f.observe(offset)
	if calibratedNow {
		f.cooldown = int(math.Ceil(freqCounterCooldown * float64(f.window.Cap())))
		f.sinceChange = f.cooldown
		f.writeRecord(int64(lastIdx), assumed)
		return
	}
	if !f.calibrated {
		return
	}
	if outlier {
		// the offset in effect still applies, only its update is skipped
		f.outliers++
		shiftIndices(idx, f.gate(f.indexOffset))
		return
	}

	f.trackOffset()
	f.sinceChange++

	if f.withinTolerance() {
		f.timeCorrection /= 2
		if f.indexOffset != 0 {
			f.setIndexOffset(f.indexOffset / 2)
		}
	} else {
		f.timeCorrection += (float64(f.deviation) - f.timeCorrection) / 3
		candidate := int64(math.Round(f.timeCorrection * f.freqHz / 1e6))
		if candidate != f.indexOffset && f.sinceChange >= f.cooldown {
			f.setIndexOffset(candidate)
			f.sinceChange = 0
		}
	}

	shiftIndices(idx, f.gate(f.indexOffset))
}

func (f *FreqCounterSynchronizer) setIndexOffset(v int64) {
	f.logf("index offset %d -> %d (deviation %dµs)", f.indexOffset, v, f.deviation)
	f.indexOffset = v
	f.offsetChange++
	f.writeRecord(int64(f.lastIdx), f.lastAssumed)
}

// shiftIndices subtracts off from every index, saturating at zero
func shiftIndices(idx []uint64, off int64) {
	switch {
	case off > 0:
		d := uint64(off)
		for i, v := range idx {
			if v >= d {
				idx[i] = v - d
			} else {
				idx[i] = 0
			}
		}
	case off < 0:
		d := uint64(-off)
		for i := range idx {
			idx[i] += d
		}
	}
}
