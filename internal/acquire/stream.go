// ABOUTME: One acquisition stream: a source bound to its synchronizer
// ABOUTME: Dispatches packets to the synchronizer and keeps per-stream statistics
package acquire

import (
	"sync"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/source"
	"github.com/Resonate-Protocol/streamsync/pkg/tsync"
)

// StreamStats tracks stream metrics
type StreamStats struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	Packets int64 `json:"packets"`
	Samples int64 `json:"samples"`

	Calibrated     bool          `json:"calibrated"`
	ExpectedOffset time.Duration `json:"expected_offset"`
	ExpectedStdDev time.Duration `json:"expected_stddev"`
	Deviation      time.Duration `json:"deviation"`
	Tolerance      time.Duration `json:"tolerance"`

	// Correction is the secondary clock correction, IndexOffset the
	// sample counter correction
	Correction  time.Duration `json:"correction"`
	IndexOffset int64         `json:"index_offset"`

	// Rejected counts outlier blocks or extrapolated flukes
	Rejected    int64 `json:"rejected"`
	Corrections int64 `json:"corrections"`

	// Error is the corrected timeline against the true acquisition time,
	// relative to the first packet. Only simulated sources know it.
	Error    time.Duration `json:"error"`
	MaxError time.Duration `json:"max_error"`
	HasError bool          `json:"has_error"`

	Level      float64 `json:"level"`
	LastMaster int64   `json:"last_master"`
}

// Stream binds a source to the synchronizer created for it
type Stream struct {
	src     source.Source
	counter *tsync.FreqCounterSynchronizer
	device  *tsync.SecondaryClockSynchronizer

	// base shifts simulated arrival and truth times onto the master clock
	base int64

	residual0   int64
	haveResidue bool

	statsMu sync.Mutex
	stats   StreamStats
}

func newStream(src source.Source) *Stream {
	return &Stream{
		src: src,
		stats: StreamStats{
			Name: src.Name(),
			Kind: src.Kind().String(),
		},
	}
}

// Name returns the stream name
func (s *Stream) Name() string {
	return s.src.Name()
}

// Source returns the stream source
func (s *Stream) Source() source.Source {
	return s.src
}

// Synchronizer returns the stream synchronizer
func (s *Stream) Synchronizer() tsync.Synchronizer {
	if s.counter != nil {
		return s.counter
	}
	return s.device
}

// Stats returns a snapshot of the stream statistics
func (s *Stream) Stats() StreamStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// dispatch feeds one packet to the synchronizer. Must be called from the
// stream's worker goroutine only.
func (s *Stream) dispatch(p source.Packet) {
	var residual int64
	switch {
	case s.counter != nil:
		for i, block := range p.Blocks {
			s.counter.ProcessTimestamps(p.Arrival, i, len(p.Blocks), block)
		}
		if n := len(p.Blocks); n > 0 && len(p.Blocks[n-1]) > 0 {
			last := p.Blocks[n-1][len(p.Blocks[n-1])-1]
			corrected := int64(float64(last+1) * 1e6 / s.src.Rate())
			residual = corrected - p.Truth
		}
	case s.device != nil:
		out := s.device.ProcessTimestamp(p.Arrival, p.Device)
		residual = out - p.Truth
	}

	if p.HasTruth && !s.haveResidue {
		s.residual0, s.haveResidue = residual, true
	}
	s.update(p, residual)
}

// update copies the synchronizer state into the stats snapshot
func (s *Stream) update(p source.Packet, residual int64) {
	sy := s.Synchronizer()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	st := &s.stats
	st.Packets++
	st.Samples += int64(p.Samples())
	st.Level = p.Level
	st.LastMaster = p.Arrival
	st.Calibrated = sy.IsCalibrated()
	st.ExpectedOffset = sy.ExpectedOffset()
	st.ExpectedStdDev = sy.ExpectedStdDev()
	st.Deviation = sy.Deviation()
	st.Tolerance = sy.Tolerance()

	switch {
	case s.counter != nil:
		st.IndexOffset = s.counter.IndexOffset()
		_, st.Rejected, st.Corrections = s.counter.Stats()
	case s.device != nil:
		st.Correction = s.device.CorrectionOffset()
		_, st.Rejected, st.Corrections = s.device.Stats()
	}

	if p.HasTruth {
		st.HasError = true
		st.Error = time.Duration(residual-s.residual0) * time.Microsecond
		st.MaxError = max(st.MaxError, st.Error.Abs())
	}
}
