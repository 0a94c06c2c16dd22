// ABOUTME: Simulated device with its own clock delivering one timestamp per sample
// ABOUTME: Models clock offset, drift, step changes, transport jitter and late deliveries
package source

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DeviceConfig describes a simulated device clock
type DeviceConfig struct {
	Name string
	Rate float64
	// Offset is the device clock reading at master time zero
	Offset   time.Duration
	DriftPPM float64
	Latency  time.Duration
	Jitter   time.Duration
	// FlukeProbability is the chance that a sample is handed over FlukeDelay late
	FlukeProbability float64
	FlukeDelay       time.Duration
	// StepAt/StepBy jump the device clock once, at the given master time
	StepAt time.Duration
	StepBy time.Duration
	Seed   uint64
}

// DeviceSource delivers (device timestamp, arrival) pairs at the nominal rate
type DeviceSource struct {
	cfg DeviceConfig

	mu          sync.Mutex
	k           int64
	lastArrival int64
	rng         *rand.Rand
	closed      bool
}

// NewDeviceSource creates a device clock source, filling zero config values
func NewDeviceSource(cfg DeviceConfig) *DeviceSource {
	if cfg.Rate <= 0 {
		cfg.Rate = 30
	}
	if cfg.FlukeDelay <= 0 {
		cfg.FlukeDelay = 100 * time.Millisecond
	}
	return &DeviceSource{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xc10c)),
	}
}

func (s *DeviceSource) Name() string    { return s.cfg.Name }
func (s *DeviceSource) Kind() Kind      { return KindClock }
func (s *DeviceSource) Rate() float64   { return s.cfg.Rate }
func (s *DeviceSource) Simulated() bool { return true }

// DeviceTime returns the device clock reading at master time truth
func (s *DeviceSource) DeviceTime(truth int64) int64 {
	device := s.cfg.Offset.Microseconds() + roundMicros(float64(truth)*driftScale(s.cfg.DriftPPM))
	if s.cfg.StepBy != 0 && truth >= s.cfg.StepAt.Microseconds() {
		device += s.cfg.StepBy.Microseconds()
	}
	return device
}

// Next produces the next sample
func (s *DeviceSource) Next() (Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Packet{}, ErrClosed
	}

	truth := roundMicros(float64(s.k) * 1e6 / s.cfg.Rate)
	s.k++

	arrival := truth + s.cfg.Latency.Microseconds() + jitter(s.rng, s.cfg.Jitter)
	if s.cfg.FlukeProbability > 0 && s.rng.Float64() < s.cfg.FlukeProbability {
		arrival += s.cfg.FlukeDelay.Microseconds()
	}
	// samples queue up behind a late one
	arrival = max(arrival, s.lastArrival, truth)
	s.lastArrival = arrival

	return Packet{
		Arrival:  arrival,
		Device:   s.DeviceTime(truth),
		Truth:    truth,
		HasTruth: true,
		Level:    1,
	}, nil
}

func (s *DeviceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
