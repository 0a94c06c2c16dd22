// ABOUTME: Reader for .tsync correspondence logs
// ABOUTME: Verifies header and block checksums, salvaging data from damaged intermediate blocks
package tsyncfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// maxFieldLen bounds length-prefixed header fields so a damaged length
// cannot trigger a huge allocation
const maxFieldLen = 16 << 20

// File is the decoded content of a .tsync file
type File struct {
	Header  Header
	Records []Record

	// Blocks is the number of terminated blocks, including a short final one
	Blocks int

	// CorruptBlocks lists blocks whose checksum did not match. Their records
	// are still part of Records but may be unreliable.
	CorruptBlocks []int
}

// Intact reports whether every block checksum matched
func (f *File) Intact() bool {
	return len(f.CorruptBlocks) == 0
}

// ReadFile reads and verifies a .tsync file from disk
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return Read(f)
}

// Read decodes a complete .tsync stream. Header problems, truncation and
// invalid block terminators abort reading and return no data.
func Read(r io.Reader) (*File, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	header, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	out := &File{Header: *header}
	if err := readBody(br, out); err != nil {
		return nil, err
	}
	return out, nil
}

// headerReader reads header fields while hashing and counting them
type headerReader struct {
	r      *bufio.Reader
	hasher *xxh3.Hasher
	n      int
}

func (h *headerReader) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(h.r, buf); err != nil {
		return nil, truncation(err)
	}
	_, _ = h.hasher.Write(buf)
	h.n += n
	return buf, nil
}

func (h *headerReader) u16() (uint16, error) {
	b, err := h.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (h *headerReader) u32() (uint32, error) {
	b, err := h.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (h *headerReader) u64() (uint64, error) {
	b, err := h.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (h *headerReader) bytes() ([]byte, error) {
	n, err := h.u32()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, fmt.Errorf("%w: field length %d", ErrInvalidHeader, n)
	}
	return h.read(int(n))
}

func (h *headerReader) channel() (Channel, error) {
	var c Channel
	name, err := h.bytes()
	if err != nil {
		return c, err
	}
	unit, err := h.u16()
	if err != nil {
		return c, err
	}
	enc, err := h.u16()
	if err != nil {
		return c, err
	}
	c.Name = string(name)
	c.Unit = TimeUnit(unit)
	c.Encoding = Encoding(enc)
	return c, nil
}

func readHeader(br *bufio.Reader) (*Header, error) {
	hr := &headerReader{r: br, hasher: xxh3.New()}

	magic, err := hr.u64()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}

	h := &Header{}
	if h.VersionMajor, err = hr.u16(); err != nil {
		return nil, err
	}
	if h.VersionMinor, err = hr.u16(); err != nil {
		return nil, err
	}
	if h.VersionMajor != VersionMajor || h.VersionMinor > VersionMinor {
		return nil, fmt.Errorf("%w: file is %d.%d, reader supports %d.%d",
			ErrUnsupportedVersion, h.VersionMajor, h.VersionMinor, VersionMajor, VersionMinor)
	}

	created, err := hr.u64()
	if err != nil {
		return nil, err
	}
	h.CreationTime = time.UnixMicro(int64(created))

	name, err := hr.bytes()
	if err != nil {
		return nil, err
	}
	h.ModuleName = string(name)

	id, err := hr.read(16)
	if err != nil {
		return nil, err
	}
	h.CollectionID, _ = uuid.FromBytes(id)

	metaRaw, err := hr.bytes()
	if err != nil {
		return nil, err
	}

	mode, err := hr.u16()
	if err != nil {
		return nil, err
	}
	h.SyncMode = SyncMode(mode)

	blockSize, err := hr.u32()
	if err != nil {
		return nil, err
	}
	h.BlockSize = int(blockSize)

	if h.Device, err = hr.channel(); err != nil {
		return nil, err
	}
	if h.Master, err = hr.channel(); err != nil {
		return nil, err
	}

	if pad := (headerAlign - hr.n%headerAlign) % headerAlign; pad > 0 {
		if _, err := hr.read(pad); err != nil {
			return nil, err
		}
	}

	var term [terminatorLen]byte
	if _, err := io.ReadFull(br, term[:]); err != nil {
		return nil, truncation(err)
	}
	if binary.LittleEndian.Uint64(term[:8]) != BlockSentinel {
		return nil, fmt.Errorf("%w: header", ErrCorrupt)
	}
	if binary.LittleEndian.Uint64(term[8:]) != hr.hasher.Sum64() {
		return nil, ErrHeaderChecksum
	}

	// only trust the remaining fields once the checksum matched
	if h.Metadata, err = decodeMetadata(metaRaw); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidHeader, err)
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func readBody(br *bufio.Reader, out *File) error {
	h := &out.Header
	recSize := h.RecordSize()
	devSize := h.Device.Encoding.Size()
	hasher := xxh3.New()
	rec := make([]byte, recSize)

	var pending []Record
	inBlock := 0

	// finishBlock consumes a terminator already known to start with the sentinel
	finishBlock := func(term []byte) {
		if binary.LittleEndian.Uint64(term[8:]) != hasher.Sum64() {
			log.Printf("tsync: checksum mismatch in block %d, data may be unreliable", out.Blocks)
			out.CorruptBlocks = append(out.CorruptBlocks, out.Blocks)
		}
		out.Records = append(out.Records, pending...)
		pending = pending[:0]
		hasher.Reset()
		inBlock = 0
		out.Blocks++
	}

	for {
		if inBlock == 0 {
			if _, err := br.Peek(1); err == io.EOF {
				return nil
			}
		} else {
			// a short final block ends with exactly one terminator
			p, _ := br.Peek(terminatorLen + 1)
			if len(p) == terminatorLen && binary.LittleEndian.Uint64(p[:8]) == BlockSentinel {
				term := make([]byte, terminatorLen)
				copy(term, p)
				_, _ = br.Discard(terminatorLen)
				finishBlock(term)
				return nil
			}
		}

		if _, err := io.ReadFull(br, rec); err != nil {
			return truncation(err)
		}
		_, _ = hasher.Write(rec)
		pending = append(pending, Record{
			Device: getValue(rec[:devSize], h.Device.Encoding),
			Master: getValue(rec[devSize:], h.Master.Encoding),
		})
		inBlock++

		if inBlock == h.BlockSize {
			var term [terminatorLen]byte
			if _, err := io.ReadFull(br, term[:]); err != nil {
				return truncation(err)
			}
			if binary.LittleEndian.Uint64(term[:8]) != BlockSentinel {
				return fmt.Errorf("%w: block %d", ErrCorrupt, out.Blocks)
			}
			finishBlock(term[:])
		}
	}
}

func truncation(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
