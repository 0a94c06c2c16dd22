// ABOUTME: Synchronizer for sources that timestamp every sample with their own clock
// ABOUTME: Maps device timestamps onto the master clock with smoothed, rate-limited corrections
package tsync

import (
	"math"
	"time"

	"github.com/Resonate-Protocol/streamsync/pkg/clock"
)

const (
	// secondaryMaxWindow caps the warm-up collection duration
	secondaryMaxWindow = 90 * time.Second

	secondaryOutlierK = 2.0

	// secondaryCooldown is the fraction of the window, in updates, that must
	// pass between two corrective steps
	secondaryCooldown = 0.65
)

// SecondaryClockSynchronizer aligns a source that reports an absolute device
// timestamp with every sample, at a possibly irregular rate.
//
// A SecondaryClockSynchronizer must be driven by a single goroutine.
type SecondaryClockSynchronizer struct {
	calibrator

	correction int64
	cooldown   int
	sinceStep  int

	lastMaster int64
	lastDevice int64
	haveLast   bool

	processed   int64
	flukes      int64
	corrections int64
}

// NewSecondaryClockSynchronizer creates a synchronizer and derives its
// window and tolerance from freqHz when it is positive
func NewSecondaryClockSynchronizer(id string, clk clock.Clock, freqHz float64, handler EventHandler) *SecondaryClockSynchronizer {
	s := &SecondaryClockSynchronizer{
		calibrator: newCalibrator(id, "secondary", clk, handler, 0),
	}
	s.outlierK = secondaryOutlierK
	if freqHz > 0 {
		s.applyFrequency(freqHz)
	} else {
		s.windowSize = minWindowSize
	}
	s.notifyDetails()
	return s
}

// SetExpectedClockFrequencyHz derives the calibration window and the
// tolerance from the expected sample rate. Ignored once calibrated or for
// non-positive frequencies.
func (s *SecondaryClockSynchronizer) SetExpectedClockFrequencyHz(freqHz float64) {
	if s.rejectCalibrated("expected clock frequency") {
		return
	}
	if freqHz <= 0 {
		s.logf("ignoring invalid expected frequency %gHz", freqHz)
		return
	}
	s.applyFrequency(freqHz)
	s.notifyDetails()
}

func (s *SecondaryClockSynchronizer) applyFrequency(freqHz float64) {
	s.freqHz = freqHz
	s.windowSize = windowSizeFor(freqHz, secondaryMaxWindow)
	s.tolerance = halfPeriodMicros(freqHz)
	s.window = nil
	s.samples = 0
}

// CorrectionOffset returns the correction currently computed, before
// direction gating
func (s *SecondaryClockSynchronizer) CorrectionOffset() time.Duration {
	return toDuration(s.correction)
}

// Stats returns counters of processed samples, extrapolated flukes and
// correction changes
func (s *SecondaryClockSynchronizer) Stats() (samples, flukes, corrections int64) {
	return s.processed, s.flukes, s.corrections
}

// Start resets the synchronizer and opens the log file if requested.
// It fails once calibrated or stopped.
func (s *SecondaryClockSynchronizer) Start() error {
	if err := s.start(); err != nil {
		return err
	}
	s.correction = 0
	s.sinceStep = 0
	s.haveLast = false
	s.processed, s.flukes, s.corrections = 0, 0, 0
	return nil
}

// Stop writes a final correspondence point for the last sample and closes
// the log file. Calling Stop more than once is a no-op.
func (s *SecondaryClockSynchronizer) Stop() error {
	if s.stopped {
		return nil
	}
	if s.haveLast {
		s.writeRecord(s.lastDevice, s.lastMaster)
	}
	return s.stop()
}

// ProcessTimestamp returns the master time of a sample taken at
// deviceMicros on the device clock and received at masterMicros.
// The returned sequence never decreases.
func (s *SecondaryClockSynchronizer) ProcessTimestamp(masterMicros, deviceMicros int64) int64 {
	if !s.started || s.stopped {
		return masterMicros
	}
	s.ensureWindow(minWindowSize)
	s.processed++

	outlier, calibratedNow := s.observe(deviceMicros - masterMicros)
	if calibratedNow {
		s.cooldown = int(math.Ceil(secondaryCooldown * float64(s.window.Cap())))
		s.sinceStep = 2 * s.cooldown
	}

	var out int64
	changed := false
	switch {
	case !s.calibrated || calibratedNow:
		out = masterMicros
		changed = calibratedNow
	case outlier && s.haveLast:
		s.flukes++
		out = s.lastMaster + (deviceMicros - s.lastDevice)
		if out <= s.lastMaster {
			out = s.lastMaster + 1
		}
	default:
		s.trackOffset()
		changed = s.updateCorrection()
		out = deviceMicros - s.expectedOffset - s.gate(s.correction)
	}

	if s.haveLast && out < s.lastMaster {
		out = s.lastMaster + 1
	}
	s.lastMaster, s.lastDevice, s.haveLast = out, deviceMicros, true

	if changed {
		s.writeRecord(deviceMicros, out)
	}
	return out
}

// updateCorrection relaxes the correction while within tolerance and steps
// it toward the deviation otherwise. It reports whether it changed.
func (s *SecondaryClockSynchronizer) updateCorrection() bool {
	s.sinceStep++

	if s.withinTolerance() {
		if s.correction == 0 {
			return false
		}
		// divide by 1.25
		s.correction = s.correction * 4 / 5
		s.corrections++
		return true
	}

	if s.sinceStep < s.cooldown {
		return false
	}
	// the step shrinks when the previous one was recent, counted in updates
	gain := min(1, float64(s.sinceStep)/float64(2*s.cooldown)) / 3
	step := int64(math.Round(float64(s.deviation-s.correction) * gain))
	if step == 0 {
		return false
	}
	s.logf("correction %dµs -> %dµs (deviation %dµs)", s.correction, s.correction+step, s.deviation)
	s.correction += step
	s.sinceStep = 0
	s.corrections++
	return true
}
