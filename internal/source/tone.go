// ABOUTME: Simulated counter source generating a sine tone in blocks
// ABOUTME: Device sample clock drifts against the master clock and deliveries jitter
package source

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Default tone parameters
const (
	DefaultToneHz         = 440.0
	DefaultBlockSize      = 480
	DefaultBlocksPerBatch = 1
)

// ToneConfig describes a simulated sample-counting device
type ToneConfig struct {
	Name           string
	SampleRate     float64
	BlockSize      int
	BlocksPerBatch int
	ToneHz         float64
	// DriftPPM is how much faster the device sample clock runs than nominal
	DriftPPM float64
	Latency  time.Duration
	Jitter   time.Duration
	Seed     uint64
}

// ToneSource delivers batches of sample blocks. Sample k is acquired at
// master time k / (rate * (1 + drift)), the batch is handed over once its
// last sample is acquired plus latency and jitter.
type ToneSource struct {
	cfg ToneConfig

	sampleIndex uint64
	sampleMu    sync.Mutex
	lastArrival int64
	rng         *rand.Rand
	pcm         []int16
	closed      bool
}

// NewToneSource creates a tone source, filling zero config values
func NewToneSource(cfg ToneConfig) *ToneSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.BlocksPerBatch <= 0 {
		cfg.BlocksPerBatch = DefaultBlocksPerBatch
	}
	if cfg.ToneHz <= 0 {
		cfg.ToneHz = DefaultToneHz
	}
	return &ToneSource{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5eed)),
		pcm: make([]int16, cfg.BlockSize*cfg.BlocksPerBatch),
	}
}

func (s *ToneSource) Name() string    { return s.cfg.Name }
func (s *ToneSource) Kind() Kind      { return KindCounter }
func (s *ToneSource) Rate() float64   { return s.cfg.SampleRate }
func (s *ToneSource) Simulated() bool { return true }

// BlockSize returns the number of samples per block
func (s *ToneSource) BlockSize() int { return s.cfg.BlockSize }

// Read fills samples with the next tone samples (mono 16-bit PCM)
func (s *ToneSource) Read(samples []int16) (int, error) {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	s.fill(samples)
	s.sampleIndex += uint64(len(samples))
	return len(samples), nil
}

func (s *ToneSource) fill(samples []int16) {
	for i := range samples {
		t := float64(s.sampleIndex+uint64(i)) / s.cfg.SampleRate
		v := math.Sin(2 * math.Pi * s.cfg.ToneHz * t)
		samples[i] = int16(v * 32767.0 * 0.5) // 50% volume
	}
}

// Next generates one batch of blocks
func (s *ToneSource) Next() (Packet, error) {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()

	if s.closed {
		return Packet{}, ErrClosed
	}

	first := s.sampleIndex
	blocks := make([][]uint64, s.cfg.BlocksPerBatch)
	for b := range blocks {
		idx := make([]uint64, s.cfg.BlockSize)
		for i := range idx {
			idx[i] = first + uint64(b*s.cfg.BlockSize+i)
		}
		blocks[b] = idx
	}

	s.fill(s.pcm)
	var peak int16
	for _, v := range s.pcm {
		peak = max(peak, v, -v)
	}

	s.sampleIndex += uint64(len(s.pcm))

	// the last sample of the batch is index sampleIndex-1, it is complete
	// one sample period later
	truth := roundMicros(float64(s.sampleIndex) * 1e6 / (s.cfg.SampleRate * driftScale(s.cfg.DriftPPM)))
	arrival := truth + s.cfg.Latency.Microseconds() + jitter(s.rng, s.cfg.Jitter)
	arrival = max(arrival, s.lastArrival, truth)
	s.lastArrival = arrival

	return Packet{
		Arrival:  arrival,
		Blocks:   blocks,
		Truth:    truth,
		HasTruth: true,
		Level:    float64(peak) / 32767.0,
	}, nil
}

func (s *ToneSource) Close() error {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()
	s.closed = true
	return nil
}
