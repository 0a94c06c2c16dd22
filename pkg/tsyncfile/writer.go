// ABOUTME: Append-only writer for .tsync correspondence logs
// ABOUTME: Buffers records and closes every block with a sentinel and an xxHash3 checksum
package tsyncfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

const filePerm = 0644

// Writer appends time records to a .tsync stream
type Writer struct {
	header Header
	out    *bufio.Writer

	// set when the writer owns a file on disk
	file *os.File
	lock *flock.Flock
	path string

	hasher  *xxh3.Hasher
	recBuf  []byte
	devSize int

	inBlock int
	blocks  int
	records int64
	closed  bool
}

// Create creates (or truncates) a .tsync file and writes its header.
// The extension is appended to path if missing. An exclusive lock file is
// held next to it until Close.
func Create(path string, h Header) (*Writer, error) {
	path = WithExtension(path)

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		releaseLock(lock)
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	w, err := NewWriter(f, h)
	if err != nil {
		_ = f.Close()
		releaseLock(lock)
		return nil, err
	}
	w.file = f
	w.lock = lock
	w.path = path

	if err := w.Flush(); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter writes the header to out and returns a writer for the records.
// Missing header fields are filled in: current format version, creation time,
// collection ID and block size.
func NewWriter(out io.Writer, h Header) (*Writer, error) {
	h.VersionMajor = VersionMajor
	h.VersionMinor = VersionMinor
	if h.CreationTime.IsZero() {
		h.CreationTime = time.Now()
	}
	if h.CollectionID == uuid.Nil {
		h.CollectionID = uuid.New()
	}
	if h.BlockSize == 0 {
		h.BlockSize = DefaultBlockSize
	}
	if h.SyncMode == 0 {
		h.SyncMode = SyncModeSyncPoints
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	hdr, err := encodeHeader(&h)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		header:  h,
		out:     bufio.NewWriterSize(out, 64*1024),
		hasher:  xxh3.New(),
		recBuf:  make([]byte, h.RecordSize()),
		devSize: h.Device.Encoding.Size(),
	}
	if _, err := w.out.Write(hdr); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return w, nil
}

// Header returns the header as written
func (w *Writer) Header() Header {
	return w.header
}

// Path returns the file path, empty for writers not created by Create
func (w *Writer) Path() string {
	return w.path
}

// Records returns the number of records written so far
func (w *Writer) Records() int64 {
	return w.records
}

// WriteTimes appends one (device, master) record
func (w *Writer) WriteTimes(device, master int64) error {
	if w.closed {
		return ErrClosed
	}
	if err := putValue(w.recBuf[:w.devSize], w.header.Device.Encoding, device); err != nil {
		return err
	}
	if err := putValue(w.recBuf[w.devSize:], w.header.Master.Encoding, master); err != nil {
		return err
	}

	if _, err := w.out.Write(w.recBuf); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	_, _ = w.hasher.Write(w.recBuf)
	w.inBlock++
	w.records++

	if w.inBlock >= w.header.BlockSize {
		return w.terminateBlock()
	}
	return nil
}

// terminateBlock writes the sentinel and checksum of the current block
func (w *Writer) terminateBlock() error {
	var term [terminatorLen]byte
	binary.LittleEndian.PutUint64(term[:8], BlockSentinel)
	binary.LittleEndian.PutUint64(term[8:], w.hasher.Sum64())

	if _, err := w.out.Write(term[:]); err != nil {
		return fmt.Errorf("write block terminator: %w", err)
	}
	w.hasher.Reset()
	w.inBlock = 0
	w.blocks++
	return nil
}

// Flush pushes buffered bytes to the underlying writer
func (w *Writer) Flush() error {
	if w.closed {
		return ErrClosed
	}
	return w.out.Flush()
}

// Close terminates a partial trailing block, flushes and closes the file.
// Calling Close more than once is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	var errs []error
	if w.inBlock > 0 {
		errs = append(errs, w.terminateBlock())
	}
	errs = append(errs, w.out.Flush())
	w.closed = true

	if w.file != nil {
		errs = append(errs, w.file.Sync(), w.file.Close())
	}
	if w.lock != nil {
		releaseLock(w.lock)
	}
	return errors.Join(errs...)
}

func releaseLock(lock *flock.Flock) {
	_ = lock.Unlock()
	_ = os.Remove(lock.Path())
}
