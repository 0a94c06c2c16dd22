// ABOUTME: Shared types for the stream clock synchronizers
// ABOUTME: Strategy flags, event handler interface, Synchronizer interface and errors
package tsync

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy is a set of flags controlling what a synchronizer may do
type Strategy uint8

const (
	// ShiftForward permits corrections that move output time later
	ShiftForward Strategy = 1 << iota
	// ShiftBackward permits corrections that move output time earlier
	ShiftBackward
	// AdjustClock is reserved for adjusting the device clock itself; it is
	// accepted but has no effect
	AdjustClock
	// WriteLogFile records correspondence points to a .tsync file
	WriteLogFile
)

// DefaultStrategies is used by synchronizers created through a Module
const DefaultStrategies = ShiftForward | ShiftBackward | WriteLogFile

var strategyNames = []struct {
	flag Strategy
	name string
}{
	{ShiftForward, "shift-forward"},
	{ShiftBackward, "shift-backward"},
	{AdjustClock, "adjust-clock"},
	{WriteLogFile, "write-log"},
}

// Has reports whether every flag in f is set
func (s Strategy) Has(f Strategy) bool {
	return s&f == f
}

func (s Strategy) String() string {
	var parts []string
	for _, n := range strategyNames {
		if s.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseStrategies parses a list of strategy names as produced by String.
// The names may be separated by '|' or ','.
func ParseStrategies(s string) (Strategy, error) {
	var out Strategy
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' })
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || f == "none" {
			continue
		}
		found := false
		for _, n := range strategyNames {
			if n.name == f {
				out |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown strategy %q", f)
		}
	}
	return out, nil
}

// EventHandler receives synchronizer notifications. Methods are called
// synchronously from the goroutine feeding the synchronizer and must not block.
type EventHandler interface {
	// SyncDetailsChanged is called at construction and whenever a parameter
	// changes before calibration completes
	SyncDetailsChanged(id string, strategies Strategy, tolerance time.Duration)

	// OffsetChanged reports the current mean deviation from the expected offset
	OffsetChanged(id string, deviation time.Duration)
}

// HandlerFuncs adapts plain functions to EventHandler. Nil fields are skipped.
type HandlerFuncs struct {
	OnSyncDetailsChanged func(id string, strategies Strategy, tolerance time.Duration)
	OnOffsetChanged      func(id string, deviation time.Duration)
}

func (h HandlerFuncs) SyncDetailsChanged(id string, strategies Strategy, tolerance time.Duration) {
	if h.OnSyncDetailsChanged != nil {
		h.OnSyncDetailsChanged(id, strategies, tolerance)
	}
}

func (h HandlerFuncs) OffsetChanged(id string, deviation time.Duration) {
	if h.OnOffsetChanged != nil {
		h.OnOffsetChanged(id, deviation)
	}
}

type nopHandler struct{}

func (nopHandler) SyncDetailsChanged(string, Strategy, time.Duration) {}
func (nopHandler) OffsetChanged(string, time.Duration)                {}

// MultiHandler fans notifications out to several handlers in order
type MultiHandler []EventHandler

func (m MultiHandler) SyncDetailsChanged(id string, strategies Strategy, tolerance time.Duration) {
	for _, h := range m {
		h.SyncDetailsChanged(id, strategies, tolerance)
	}
}

func (m MultiHandler) OffsetChanged(id string, deviation time.Duration) {
	for _, h := range m {
		h.OffsetChanged(id, deviation)
	}
}

// Synchronizer is the part of the API common to both synchronizer kinds
type Synchronizer interface {
	ID() string
	Start() error
	Stop() error
	IsCalibrated() bool
	ExpectedOffset() time.Duration
	ExpectedStdDev() time.Duration
	Deviation() time.Duration
	Tolerance() time.Duration
	Strategies() Strategy
	CalibrationWindowSize() int
}

var (
	ErrAlreadyCalibrated  = errors.New("tsync: synchronizer already calibrated")
	ErrStopped            = errors.New("tsync: synchronizer stopped")
	ErrNoBasename         = errors.New("tsync: log file requested but no basename set")
	ErrInvalidModuleState = errors.New("tsync: module not in a state that allows creating synchronizers")
	ErrInvalidFrequency   = errors.New("tsync: frequency must be positive")
)

const (
	// minWindowSize is the smallest calibration window ever derived
	minWindowSize = 24

	// offsetNotifyInterval throttles OffsetChanged while nothing crosses the
	// tolerance boundary
	offsetNotifyInterval = 20 * time.Second
)

// windowSizeFor derives a calibration window capacity from a sample rate.
// The collection duration approaches maxDur as the rate grows.
func windowSizeFor(rateHz float64, maxDur time.Duration) int {
	d := maxDur.Seconds() * (1 - math.Exp(-rateHz/20))
	n := int(math.Round(rateHz * d))
	if n < minWindowSize {
		return minWindowSize
	}
	return n
}

func toDuration(micros int64) time.Duration {
	return time.Duration(micros) * time.Microsecond
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
