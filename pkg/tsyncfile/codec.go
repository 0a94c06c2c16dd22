// ABOUTME: Binary encoding helpers for .tsync headers and records
// ABOUTME: Little-endian fixed-width integers with per-encoding range checks
package tsyncfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/xxh3"
)

// putValue encodes v into dst using enc; dst must be enc.Size() bytes long
func putValue(dst []byte, enc Encoding, v int64) error {
	switch enc {
	case EncodingInt16:
		if v < math.MinInt16 || v > math.MaxInt16 {
			return fmt.Errorf("%w: %d does not fit %s", ErrValueRange, v, enc)
		}
		binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
	case EncodingInt32:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("%w: %d does not fit %s", ErrValueRange, v, enc)
		}
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	case EncodingInt64:
		binary.LittleEndian.PutUint64(dst, uint64(v))
	case EncodingUInt16:
		if v < 0 || v > math.MaxUint16 {
			return fmt.Errorf("%w: %d does not fit %s", ErrValueRange, v, enc)
		}
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case EncodingUInt32:
		if v < 0 || v > math.MaxUint32 {
			return fmt.Errorf("%w: %d does not fit %s", ErrValueRange, v, enc)
		}
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case EncodingUInt64:
		if v < 0 {
			return fmt.Errorf("%w: %d does not fit %s", ErrValueRange, v, enc)
		}
		binary.LittleEndian.PutUint64(dst, uint64(v))
	default:
		return fmt.Errorf("%w: unknown encoding %d", ErrInvalidHeader, enc)
	}
	return nil
}

// getValue decodes one value of encoding enc from src
func getValue(src []byte, enc Encoding) int64 {
	switch enc {
	case EncodingInt16:
		return int64(int16(binary.LittleEndian.Uint16(src)))
	case EncodingInt32:
		return int64(int32(binary.LittleEndian.Uint32(src)))
	case EncodingInt64:
		return int64(binary.LittleEndian.Uint64(src))
	case EncodingUInt16:
		return int64(binary.LittleEndian.Uint16(src))
	case EncodingUInt32:
		return int64(binary.LittleEndian.Uint32(src))
	case EncodingUInt64:
		return int64(binary.LittleEndian.Uint64(src))
	}
	return 0
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func appendChannel(b []byte, c Channel) []byte {
	b = appendString(b, c.Name)
	b = binary.LittleEndian.AppendUint16(b, uint16(c.Unit))
	return binary.LittleEndian.AppendUint16(b, uint16(c.Encoding))
}

// encodeHeader serializes h including padding, sentinel and checksum
//
//	+-------+-------+-------+---------+--------+------+----------+------+-------+--------+--------+-----+----------+----------+
//	| magic | major | minor | created | module | uuid | metadata | mode | block | chan A | chan B | pad | sentinel | xxh3     |
//	+-------+-------+-------+---------+--------+------+----------+------+-------+--------+--------+-----+----------+----------+
//	   8       2       2        8       4+n      16      4+n       2      4     4+n+4    4+n+4   0-7      8          8
func encodeHeader(h *Header) ([]byte, error) {
	meta := h.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaBytes, err := msgpack.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	b := make([]byte, 0, 256+len(metaBytes))
	b = binary.LittleEndian.AppendUint64(b, Magic)
	b = binary.LittleEndian.AppendUint16(b, h.VersionMajor)
	b = binary.LittleEndian.AppendUint16(b, h.VersionMinor)
	b = binary.LittleEndian.AppendUint64(b, uint64(h.CreationTime.UnixMicro()))
	b = appendString(b, h.ModuleName)
	b = append(b, h.CollectionID[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(metaBytes)))
	b = append(b, metaBytes...)
	b = binary.LittleEndian.AppendUint16(b, uint16(h.SyncMode))
	b = binary.LittleEndian.AppendUint32(b, uint32(h.BlockSize))
	b = appendChannel(b, h.Device)
	b = appendChannel(b, h.Master)

	for len(b)%headerAlign != 0 {
		b = append(b, 0)
	}

	sum := xxh3.Hash(b)
	b = binary.LittleEndian.AppendUint64(b, BlockSentinel)
	b = binary.LittleEndian.AppendUint64(b, sum)
	return b, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)

	var meta map[string]any
	if err := dec.Decode(&meta); err != nil {
		return nil, err
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return meta, nil
}
