// ABOUTME: Device clock source reading timestamps from a microcontroller over a serial line
// ABOUTME: Each line carries the device clock in microseconds, stamped with the master clock on arrival
package source

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/streamsync/pkg/clock"
	"github.com/tarm/serial"
)

const (
	defaultBaud       = 115200
	serialReadTimeout = 2 * time.Second
	maxBadLinesLogged = 5
)

// ErrBadLine is returned by ParseLine for lines that carry no timestamp
var ErrBadLine = errors.New("no device timestamp in line")

// SerialConfig describes a serial line device
type SerialConfig struct {
	Name string
	Port string
	Baud int
	Rate float64
}

// LineSource reads "<device micros>" lines from a reader
type LineSource struct {
	name  string
	rate  float64
	clock clock.Clock

	rc     io.ReadCloser
	closed atomic.Bool

	mu       sync.Mutex
	scanner  *bufio.Scanner
	badLines int
}

// OpenSerial opens a serial port and reads timestamps from it
func OpenSerial(cfg SerialConfig, clk clock.Clock) (*LineSource, error) {
	if cfg.Baud == 0 {
		cfg.Baud = defaultBaud
	}
	c := &serial.Config{Name: cfg.Port, Baud: cfg.Baud, ReadTimeout: serialReadTimeout}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("serial open %s: %w", cfg.Port, err)
	}
	return NewLineSource(cfg.Name, port, cfg.Rate, clk), nil
}

// retryReader turns read timeouts (empty reads) into retries until closed
type retryReader struct {
	r      io.Reader
	closed *atomic.Bool
}

func (r retryReader) Read(p []byte) (int, error) {
	for {
		n, err := r.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		if r.closed.Load() {
			return 0, io.EOF
		}
	}
}

// NewLineSource reads timestamps from rc, stamping arrivals with clk
func NewLineSource(name string, rc io.ReadCloser, rate float64, clk clock.Clock) *LineSource {
	s := &LineSource{
		name:  name,
		rate:  rate,
		clock: clk,
		rc:    rc,
	}
	s.scanner = bufio.NewScanner(retryReader{r: rc, closed: &s.closed})
	return s
}

func (s *LineSource) Name() string  { return s.name }
func (s *LineSource) Kind() Kind    { return KindClock }
func (s *LineSource) Rate() float64 { return s.rate }

// Next blocks until a line with a timestamp arrives
func (s *LineSource) Next() (Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed.Load() {
			return Packet{}, ErrClosed
		}
		if !s.scanner.Scan() {
			if s.closed.Load() {
				return Packet{}, ErrClosed
			}
			if err := s.scanner.Err(); err != nil {
				return Packet{}, fmt.Errorf("serial read %s: %w", s.name, err)
			}
			return Packet{}, io.EOF
		}
		arrival := s.clock.NowMicros()

		device, level, err := ParseLine(s.scanner.Text())
		if err != nil {
			s.badLines++
			if s.badLines <= maxBadLinesLogged {
				log.Printf("serial %s: skipping line: %v", s.name, err)
			}
			continue
		}
		return Packet{Arrival: arrival, Device: device, Level: level}, nil
	}
}

// BadLines returns how many lines could not be parsed
func (s *LineSource) BadLines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badLines
}

// Close may be called while Next is blocked
func (s *LineSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rc.Close()
}

// ParseLine extracts the device timestamp from a line. Accepted forms:
//
//	123456
//	T 123456
//	123456,0.75
//
// The optional second field is a signal level between 0 and 1.
// Lines starting with '#' are comments.
func ParseLine(line string) (device int64, level float64, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return 0, 0, ErrBadLine
	}
	line = strings.TrimPrefix(line, "T")

	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})
	if len(fields) == 0 {
		return 0, 0, ErrBadLine
	}

	device, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadLine, fields[0])
	}

	level = 1
	if len(fields) > 1 {
		if v, perr := strconv.ParseFloat(fields[1], 64); perr == nil {
			level = min(max(v, 0), 1)
		}
	}
	return device, level, nil
}
