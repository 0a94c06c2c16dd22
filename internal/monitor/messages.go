// ABOUTME: JSON message types of the monitor feed
// ABOUTME: Every message is a {type, payload} envelope
package monitor

import (
	"github.com/Resonate-Protocol/streamsync/internal/acquire"
)

// Message types
const (
	TypeHello    = "monitor/hello"
	TypeSnapshot = "monitor/snapshot"
	TypeDetails  = "sync/details"
	TypeOffset   = "sync/offset"
	TypeStats    = "stream/stats"
	TypeError    = "monitor/error"
)

// Message is the top-level wrapper for all monitor messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hello is sent once on connect
type Hello struct {
	Module          string `json:"module"`
	CollectionID    string `json:"collection_id"`
	Product         string `json:"product"`
	SoftwareVersion string `json:"software_version"`
}

// SyncDetails reports a synchronizer's configuration
type SyncDetails struct {
	Stream          string `json:"stream"`
	Strategies      string `json:"strategies"`
	ToleranceMicros int64  `json:"tolerance_us"`
}

// SyncOffset reports the deviation of a stream from its calibrated offset
type SyncOffset struct {
	Stream          string `json:"stream"`
	DeviationMicros int64  `json:"deviation_us"`
}

// Snapshot is the last known state of every stream
type Snapshot struct {
	Details []SyncDetails         `json:"details"`
	Offsets []SyncOffset          `json:"offsets"`
	Stats   []acquire.StreamStats `json:"stats"`
}

// ErrorPayload answers a request the hub does not understand
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
