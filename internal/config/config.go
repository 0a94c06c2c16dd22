// ABOUTME: YAML configuration of an acquisition session
// ABOUTME: Module settings, session pacing, monitor endpoint and the stream list
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Resonate-Protocol/streamsync/pkg/tsync"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Stream kinds
const (
	KindTone   = "tone"
	KindDevice = "device"
	KindSerial = "serial"
)

var ErrInvalid = errors.New("invalid config")

// Config is one acquisition session
type Config struct {
	Module  ModuleConfig   `yaml:"module"`
	Session SessionConfig  `yaml:"session"`
	Monitor MonitorConfig  `yaml:"monitor"`
	Streams []StreamConfig `yaml:"streams"`
}

// ModuleConfig names the acquisition module and where it writes files
type ModuleConfig struct {
	Name                string `yaml:"name"`
	DataDir             string `yaml:"data_dir"`
	CollectionID        string `yaml:"collection_id"` // empty = random per session
	Strategies          string `yaml:"strategies"`    // e.g. "shift-forward|shift-backward|write-log"
	MaxModulesPerThread int    `yaml:"max_modules_per_thread"`
}

// SessionConfig controls pacing
type SessionConfig struct {
	Duration      string `yaml:"duration"` // master time, "0" = until interrupted
	Realtime      bool   `yaml:"realtime"`
	StatsInterval string `yaml:"stats_interval"`
	LogFile       string `yaml:"log_file"`
}

// MonitorConfig is the websocket status feed
type MonitorConfig struct {
	Port int  `yaml:"port"` // 0 = disabled
	MDNS bool `yaml:"mdns"`
}

// StreamConfig describes one stream and its source
type StreamConfig struct {
	Name string  `yaml:"name"`
	Kind string  `yaml:"kind"` // tone, device, serial
	Rate float64 `yaml:"rate"` // nominal Hz

	// tone
	BlockSize      int     `yaml:"block_size"`
	BlocksPerBatch int     `yaml:"blocks_per_batch"`
	ToneHz         float64 `yaml:"tone_hz"`

	// simulated device behaviour
	DriftPPM         float64 `yaml:"drift_ppm"`
	Offset           string  `yaml:"offset"`
	Latency          string  `yaml:"latency"`
	Jitter           string  `yaml:"jitter"`
	FlukeProbability float64 `yaml:"fluke_probability"`
	FlukeDelay       string  `yaml:"fluke_delay"`
	StepAt           string  `yaml:"step_at"`
	StepBy           string  `yaml:"step_by"`
	Seed             uint64  `yaml:"seed"`

	// serial
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`

	// synchronizer overrides, zero = derived from rate
	Tolerance  string `yaml:"tolerance"`
	WindowSize int    `yaml:"window_size"`
	Strategies string `yaml:"strategies"`
}

// Default returns a two-stream demo rig
func Default() *Config {
	return &Config{
		Module: ModuleConfig{
			Name:       "rig",
			Strategies: tsync.DefaultStrategies.String(),
		},
		Session: SessionConfig{
			Duration:      "2m",
			StatsInterval: "1s",
			LogFile:       "streamsync.log",
		},
		Streams: []StreamConfig{
			{
				Name:      "mic",
				Kind:      KindTone,
				Rate:      48000,
				BlockSize: 480,
				ToneHz:    440,
				DriftPPM:  150,
				Latency:   "5ms",
				Jitter:    "2ms",
				Seed:      1,
			},
			{
				Name:             "camera",
				Kind:             KindDevice,
				Rate:             30,
				Offset:           "1h",
				DriftPPM:         -40,
				Latency:          "15ms",
				Jitter:           "3ms",
				FlukeProbability: 0.002,
				FlukeDelay:       "120ms",
				WindowSize:       300,
				Seed:             2,
			},
		},
	}
}

// Load reads a YAML config
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Module.Name == "" {
		c.Module.Name = d.Module.Name
	}
	if c.Module.Strategies == "" {
		c.Module.Strategies = d.Module.Strategies
	}
	if c.Session.Duration == "" {
		c.Session.Duration = d.Session.Duration
	}
	if c.Session.StatsInterval == "" {
		c.Session.StatsInterval = d.Session.StatsInterval
	}
	if c.Session.LogFile == "" {
		c.Session.LogFile = d.Session.LogFile
	}
	if len(c.Streams) == 0 {
		c.Streams = d.Streams
	}
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("stream%d", i+1)
		}
		if s.Kind == KindTone && s.BlockSize == 0 {
			s.BlockSize = 480
		}
		if s.Kind == KindSerial && s.Baud == 0 {
			s.Baud = 115200
		}
	}
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	var errs []error
	if _, err := tsync.ParseStrategies(c.Module.Strategies); err != nil {
		errs = append(errs, fmt.Errorf("module.strategies: %w", err))
	}
	if c.Module.CollectionID != "" {
		if _, err := uuid.Parse(c.Module.CollectionID); err != nil {
			errs = append(errs, fmt.Errorf("module.collection_id: %w", err))
		}
	}
	if c.Module.MaxModulesPerThread < 0 {
		errs = append(errs, errors.New("module.max_modules_per_thread: must not be negative"))
	}
	for _, field := range []struct{ name, v string }{
		{"session.duration", c.Session.Duration},
		{"session.stats_interval", c.Session.StatsInterval},
	} {
		if _, err := parseDuration(field.v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field.name, err))
		}
	}

	seen := map[string]bool{}
	for i, s := range c.Streams {
		prefix := fmt.Sprintf("streams[%d] %s", i, s.Name)
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate stream name", prefix))
		}
		seen[s.Name] = true

		switch s.Kind {
		case KindTone, KindDevice:
		case KindSerial:
			if s.Port == "" {
				errs = append(errs, fmt.Errorf("%s: serial stream needs a port", prefix))
			}
			if !c.Session.Realtime {
				errs = append(errs, fmt.Errorf("%s: serial streams need session.realtime", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", prefix, s.Kind))
		}
		if s.Rate <= 0 {
			errs = append(errs, fmt.Errorf("%s: rate must be positive", prefix))
		}
		if s.FlukeProbability < 0 || s.FlukeProbability > 1 {
			errs = append(errs, fmt.Errorf("%s: fluke_probability must be within 0..1", prefix))
		}
		if s.Strategies != "" {
			if _, err := tsync.ParseStrategies(s.Strategies); err != nil {
				errs = append(errs, fmt.Errorf("%s: strategies: %w", prefix, err))
			}
		}
		for _, field := range []struct{ name, v string }{
			{"offset", s.Offset}, {"latency", s.Latency}, {"jitter", s.Jitter},
			{"fluke_delay", s.FlukeDelay}, {"step_at", s.StepAt}, {"step_by", s.StepBy},
			{"tolerance", s.Tolerance},
		} {
			if _, err := parseDuration(field.v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", prefix, field.name, err))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// DurationValue returns the session duration, zero for unlimited
func (s SessionConfig) DurationValue() time.Duration {
	d, _ := parseDuration(s.Duration)
	return d
}

// StatsIntervalValue returns the stats publication interval
func (s SessionConfig) StatsIntervalValue() time.Duration {
	d, _ := parseDuration(s.StatsInterval)
	return d
}

// Durations holds the parsed duration fields of a stream
type Durations struct {
	Offset, Latency, Jitter, FlukeDelay, StepAt, StepBy, Tolerance time.Duration
}

// Durations parses the duration fields. Validate has already checked them.
func (s StreamConfig) Durations() Durations {
	p := func(v string) time.Duration {
		d, _ := parseDuration(v)
		return d
	}
	return Durations{
		Offset:     p(s.Offset),
		Latency:    p(s.Latency),
		Jitter:     p(s.Jitter),
		FlukeDelay: p(s.FlukeDelay),
		StepAt:     p(s.StepAt),
		StepBy:     p(s.StepBy),
		Tolerance:  p(s.Tolerance),
	}
}

// StrategiesValue returns the stream strategies, zero for the module default
func (s StreamConfig) StrategiesValue() tsync.Strategy {
	if s.Strategies == "" {
		return 0
	}
	v, _ := tsync.ParseStrategies(s.Strategies)
	return v
}

// StrategiesValue returns the module strategies
func (m ModuleConfig) StrategiesValue() tsync.Strategy {
	v, _ := tsync.ParseStrategies(m.Strategies)
	return v
}

// CollectionUUID returns the configured collection ID or uuid.Nil
func (m ModuleConfig) CollectionUUID() uuid.UUID {
	id, err := uuid.Parse(m.CollectionID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" || v == "0" {
		return 0, nil
	}
	return time.ParseDuration(v)
}
