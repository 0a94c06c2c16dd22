// ABOUTME: Stream clock synchronization package
// ABOUTME: Online drift estimators that map device time onto the master clock
// Package tsync aligns independently clocked data streams to one master clock.
//
// Two synchronizers share the same calibration machinery:
//   - FreqCounterSynchronizer: sources that only count samples at a nominal
//     frequency; corrects sample indices in place
//   - SecondaryClockSynchronizer: sources that timestamp every sample with
//     their own clock; returns corrected master timestamps
//
// Both collect offsets in a CalibrationWindow until twice the window size
// has been seen, then freeze the expected offset (median) and spread. From
// then on the running mean deviation is compared against the tolerance and
// smoothed corrections are applied when it is exceeded. Every change of the
// correction can be logged to a .tsync file (see package tsyncfile).
//
// Example:
//
//	mod := tsync.NewModule("camera", clock.NewMasterClock(), tsync.WithDataDir("session"))
//	_ = mod.Prepare()
//	s, err := mod.NewSecondaryClockSynchronizer("front", 30)
//	if err != nil {
//	    return err
//	}
//	_ = mod.Start()
//	master := s.ProcessTimestamp(recvMicros, frameDeviceMicros)
package tsync
