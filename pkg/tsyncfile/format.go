// ABOUTME: On-disk layout constants and header types for .tsync files
// ABOUTME: Defines sync modes, time units, integer encodings and channel descriptors
package tsyncfile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// FileExtension is appended to file names that lack it
	FileExtension = ".tsync"

	// Magic opens every file
	Magic uint64 = 0xC6BBDFBC5354_5359

	// BlockSentinel terminates the header and every record block
	BlockSentinel uint64 = 0xD79BB2E9_71FA_0F4D

	// VersionMajor and VersionMinor describe the format written by this package
	VersionMajor uint16 = 2
	VersionMinor uint16 = 0

	// DefaultBlockSize is the number of records per checksummed block
	DefaultBlockSize = 2048

	terminatorLen = 16
	headerAlign   = 8
)

// SyncMode tells readers how the records relate to the stream
type SyncMode uint16

const (
	// SyncModeContinuous stores one record per sample
	SyncModeContinuous SyncMode = iota + 1
	// SyncModeSyncPoints stores only points where the mapping changed
	SyncModeSyncPoints
)

func (m SyncMode) String() string {
	switch m {
	case SyncModeContinuous:
		return "continuous"
	case SyncModeSyncPoints:
		return "syncpoints"
	}
	return fmt.Sprintf("SyncMode(%d)", uint16(m))
}

// TimeUnit is the unit of a time channel
type TimeUnit uint16

const (
	UnitIndex TimeUnit = iota + 1
	UnitMicroseconds
	UnitMilliseconds
	UnitSeconds
)

func (u TimeUnit) String() string {
	switch u {
	case UnitIndex:
		return "index"
	case UnitMicroseconds:
		return "microseconds"
	case UnitMilliseconds:
		return "milliseconds"
	case UnitSeconds:
		return "seconds"
	}
	return fmt.Sprintf("TimeUnit(%d)", uint16(u))
}

// Encoding is the integer representation of a time channel on disk
type Encoding uint16

const (
	EncodingInt16 Encoding = iota + 1
	EncodingInt32
	EncodingInt64
	EncodingUInt16
	EncodingUInt32
	EncodingUInt64
)

func (e Encoding) String() string {
	switch e {
	case EncodingInt16:
		return "int16"
	case EncodingInt32:
		return "int32"
	case EncodingInt64:
		return "int64"
	case EncodingUInt16:
		return "uint16"
	case EncodingUInt32:
		return "uint32"
	case EncodingUInt64:
		return "uint64"
	}
	return fmt.Sprintf("Encoding(%d)", uint16(e))
}

// Size returns the encoded width in bytes, or 0 for unknown encodings
func (e Encoding) Size() int {
	switch e {
	case EncodingInt16, EncodingUInt16:
		return 2
	case EncodingInt32, EncodingUInt32:
		return 4
	case EncodingInt64, EncodingUInt64:
		return 8
	}
	return 0
}

// Channel describes one of the two time columns
type Channel struct {
	Name     string
	Unit     TimeUnit
	Encoding Encoding
}

// Header is everything stored ahead of the first record block
type Header struct {
	VersionMajor uint16
	VersionMinor uint16
	CreationTime time.Time
	ModuleName   string
	CollectionID uuid.UUID
	Metadata     map[string]any
	SyncMode     SyncMode
	BlockSize    int
	Device       Channel
	Master       Channel
}

// RecordSize returns the number of bytes one record occupies
func (h *Header) RecordSize() int {
	return h.Device.Encoding.Size() + h.Master.Encoding.Size()
}

func (h *Header) validate() error {
	if h.BlockSize <= 0 {
		return fmt.Errorf("%w: block size %d", ErrInvalidHeader, h.BlockSize)
	}
	if h.Device.Encoding.Size() == 0 || h.Master.Encoding.Size() == 0 {
		return fmt.Errorf("%w: unknown channel encoding", ErrInvalidHeader)
	}
	if h.SyncMode != SyncModeContinuous && h.SyncMode != SyncModeSyncPoints {
		return fmt.Errorf("%w: sync mode %d", ErrInvalidHeader, h.SyncMode)
	}
	return nil
}

// Record is one (device, master) correspondence pair
type Record struct {
	Device int64
	Master int64
}

// WithExtension appends FileExtension when name does not already end in it
func WithExtension(name string) string {
	if strings.HasSuffix(name, FileExtension) {
		return name
	}
	return name + FileExtension
}

var (
	ErrInvalidHeader      = errors.New("tsync: invalid header")
	ErrBadMagic           = errors.New("tsync: not a tsync file")
	ErrUnsupportedVersion = errors.New("tsync: unsupported format version")
	ErrHeaderChecksum     = errors.New("tsync: header checksum mismatch")
	ErrTruncated          = errors.New("tsync: file truncated")
	ErrCorrupt            = errors.New("tsync: invalid block terminator")
	ErrValueRange         = errors.New("tsync: value out of range for channel encoding")
	ErrClosed             = errors.New("tsync: writer closed")
	ErrLocked             = errors.New("tsync: file is locked by another writer")
)
