// ABOUTME: Process-wide master clock in monotonic microseconds
// ABOUTME: Provides the MasterClock shared by every synchronizer and a manual clock for simulation
package clock

import (
	"sync/atomic"
	"time"
)

// Clock supplies "now" on the master timeline, in microseconds.
type Clock interface {
	NowMicros() int64
}

// MasterClock is a monotonically increasing microsecond counter.
// It is created once per process and never reset.
type MasterClock struct {
	start time.Time
}

// NewMasterClock creates a master clock starting at zero
func NewMasterClock() *MasterClock {
	return &MasterClock{start: time.Now()}
}

// NowMicros returns the master clock in microseconds
func (c *MasterClock) NowMicros() int64 {
	return time.Since(c.start).Microseconds()
}

// StartTime returns the wall clock time at which the master clock read zero
func (c *MasterClock) StartTime() time.Time {
	return c.start
}

// ManualClock is a Clock whose value only changes when told to.
// Used to run acquisition faster than real time.
type ManualClock struct {
	now atomic.Int64
}

// NewManualClock creates a manual clock at the given microsecond value
func NewManualClock(startMicros int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(startMicros)
	return c
}

// NowMicros returns the current manual time
func (c *ManualClock) NowMicros() int64 {
	return c.now.Load()
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *ManualClock) Set(t int64) {
	for {
		cur := c.now.Load()
		if t <= cur {
			return
		}
		if c.now.CompareAndSwap(cur, t) {
			return
		}
	}
}

// Advance moves the clock forward by d microseconds
func (c *ManualClock) Advance(d int64) {
	if d <= 0 {
		return
	}
	c.now.Add(d)
}
