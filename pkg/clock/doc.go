// ABOUTME: Master clock package
// ABOUTME: Single monotonic microsecond timeline shared by all streams
// Package clock provides the master clock every acquired stream is aligned to.
//
// The master clock counts microseconds since it was created. It is never
// reset, and every synchronizer in the process reads the same instance.
//
// Example:
//
//	master := clock.NewMasterClock()
//	recvTime := master.NowMicros()
package clock
