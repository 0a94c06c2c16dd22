// ABOUTME: Shared test helpers for the synchronizer tests
// ABOUTME: Recording event handler and stream simulators
package tsync

import (
	"time"
)

type detailsEvent struct {
	id         string
	strategies Strategy
	tolerance  time.Duration
}

// recordingHandler keeps every notification it receives
type recordingHandler struct {
	details []detailsEvent
	offsets []time.Duration
}

func (r *recordingHandler) SyncDetailsChanged(id string, strategies Strategy, tolerance time.Duration) {
	r.details = append(r.details, detailsEvent{id, strategies, tolerance})
}

func (r *recordingHandler) OffsetChanged(_ string, deviation time.Duration) {
	r.offsets = append(r.offsets, deviation)
}

// counterBlock returns the indices of block k of a source delivering
// blocks of size samples
func counterBlock(k, size int) []uint64 {
	idx := make([]uint64, size)
	for i := range idx {
		idx[i] = uint64(k*size + i)
	}
	return idx
}
