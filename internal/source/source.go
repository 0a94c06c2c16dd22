// ABOUTME: Acquisition source interface and packet type
// ABOUTME: Sources hand over counter blocks or device timestamps with their master arrival time
package source

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Kind tells which synchronizer a source feeds
type Kind int

const (
	// KindCounter sources deliver blocks of sample indices
	KindCounter Kind = iota
	// KindClock sources deliver one device clock timestamp per sample
	KindClock
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindClock:
		return "clock"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Next after Close
var ErrClosed = errors.New("source closed")

// Packet is one hand-over from a source to the acquisition engine
type Packet struct {
	// Arrival is the master time at which the packet is handed over
	Arrival int64

	// Blocks holds the sample indices of a counter packet, one slice per block
	Blocks [][]uint64

	// Device is the device clock timestamp of a clock packet
	Device int64

	// Truth is the master time at which the data was really acquired.
	// Only simulated sources know it.
	Truth    int64
	HasTruth bool

	// Level is the peak amplitude of the packet's signal, 0..1
	Level float64
}

// Samples returns the number of samples carried by the packet
func (p Packet) Samples() int {
	if p.Blocks == nil {
		return 1
	}
	n := 0
	for _, b := range p.Blocks {
		n += len(b)
	}
	return n
}

// Source produces packets for one stream
type Source interface {
	Name() string
	Kind() Kind
	// Rate is the nominal sample rate in Hz
	Rate() float64
	// Next blocks until the next packet is available.
	// Simulated sources never block.
	Next() (Packet, error)
	Close() error
}

// Simulated is implemented by sources whose arrival times are computed,
// not observed, so the engine may run them faster than real time
type Simulated interface {
	Simulated() bool
}

// IsSimulated reports whether s can be driven by a manual clock
func IsSimulated(s Source) bool {
	sim, ok := s.(Simulated)
	return ok && sim.Simulated()
}

// jitter draws a symmetric delay in [-j, +j] microseconds
func jitter(rng *rand.Rand, j time.Duration) int64 {
	us := j.Microseconds()
	if us <= 0 {
		return 0
	}
	return rng.Int64N(2*us+1) - us
}

// driftScale converts a ppm drift into the device clock speed factor
func driftScale(ppm float64) float64 {
	return 1 + ppm*1e-6
}

func roundMicros(v float64) int64 {
	return int64(math.Round(v))
}
