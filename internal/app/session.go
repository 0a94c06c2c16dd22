// ABOUTME: Acquisition session orchestration
// ABOUTME: Builds module, sources, engine, monitor feed, mDNS and TUI from a config
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/acquire"
	"github.com/Resonate-Protocol/streamsync/internal/config"
	"github.com/Resonate-Protocol/streamsync/internal/discovery"
	"github.com/Resonate-Protocol/streamsync/internal/monitor"
	"github.com/Resonate-Protocol/streamsync/internal/source"
	"github.com/Resonate-Protocol/streamsync/internal/ui"
	"github.com/Resonate-Protocol/streamsync/internal/version"
	"github.com/Resonate-Protocol/streamsync/pkg/clock"
	"github.com/Resonate-Protocol/streamsync/pkg/tsync"
	"github.com/google/uuid"
)

// Options holds what the command line adds to the config
type Options struct {
	UseTUI bool
	// MonitorAddr overrides monitor.port when set
	MonitorAddr string
	// Sinks receive stream stats in addition to the session's own
	Sinks []acquire.StatsSink
}

// Session is one acquisition run
type Session struct {
	cfg  *config.Config
	opts Options

	module  *tsync.Module
	engine  *acquire.Engine
	hub     *monitor.Hub
	disc    *discovery.Manager
	tui     *ui.TUI
	sources []source.Source

	monitorAddr net.Addr
}

// New builds a session. Nothing is started until Run.
func New(cfg *config.Config, opts Options) (*Session, error) {
	if opts.MonitorAddr == "" && cfg.Monitor.Port > 0 {
		opts.MonitorAddr = fmt.Sprintf(":%d", cfg.Monitor.Port)
	}

	s := &Session{cfg: cfg, opts: opts}

	var clk clock.Clock
	if cfg.Session.Realtime {
		clk = clock.NewMasterClock()
	} else {
		clk = clock.NewManualClock(0)
	}

	collectionID := cfg.Module.CollectionUUID()
	if collectionID == uuid.Nil {
		collectionID = uuid.New()
	}

	handlers := tsync.MultiHandler{}
	if opts.MonitorAddr != "" {
		s.hub = monitor.NewHub(monitor.Hello{
			Module:          cfg.Module.Name,
			CollectionID:    collectionID.String(),
			Product:         version.Product,
			SoftwareVersion: version.Version,
		})
		handlers = append(handlers, s.hub)
	}
	if opts.UseTUI {
		s.tui = ui.New(ui.Header{
			Module:       cfg.Module.Name,
			CollectionID: collectionID.String(),
			Realtime:     cfg.Session.Realtime,
			Monitor:      monitorURL(opts.MonitorAddr),
		})
		handlers = append(handlers, s.tui)
	} else {
		handlers = append(handlers, logHandler{})
	}

	moduleOpts := []tsync.ModuleOption{
		tsync.WithEventHandler(handlers),
		tsync.WithDataDir(cfg.Module.DataDir),
		tsync.WithStrategies(cfg.Module.StrategiesValue()),
		tsync.WithMaxModulesPerThread(cfg.Module.MaxModulesPerThread),
		tsync.WithCollectionID(collectionID),
	}
	s.module = tsync.NewModule(cfg.Module.Name, clk, moduleOpts...)

	specs, err := BuildStreams(cfg, clk)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		s.sources = append(s.sources, spec.Source)
	}

	sinks := append([]acquire.StatsSink{}, opts.Sinks...)
	if s.hub != nil {
		sinks = append(sinks, s.hub)
	}
	if s.tui != nil {
		sinks = append(sinks, s.tui)
	}

	s.engine, err = acquire.New(s.module, specs, acquire.Options{
		Realtime:      cfg.Session.Realtime,
		Duration:      cfg.Session.DurationValue(),
		StatsInterval: cfg.Session.StatsIntervalValue(),
		Sinks:         sinks,
	})
	if err != nil {
		s.closeSources()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return s, nil
}

// BuildStreams creates the source of every configured stream
func BuildStreams(cfg *config.Config, clk clock.Clock) ([]acquire.StreamSpec, error) {
	var specs []acquire.StreamSpec
	for _, sc := range cfg.Streams {
		d := sc.Durations()
		spec := acquire.StreamSpec{
			Tolerance:  d.Tolerance,
			WindowSize: sc.WindowSize,
			Strategies: sc.StrategiesValue(),
		}

		switch sc.Kind {
		case config.KindTone:
			spec.Source = source.NewToneSource(source.ToneConfig{
				Name:           sc.Name,
				SampleRate:     sc.Rate,
				BlockSize:      sc.BlockSize,
				BlocksPerBatch: sc.BlocksPerBatch,
				ToneHz:         sc.ToneHz,
				DriftPPM:       sc.DriftPPM,
				Latency:        d.Latency,
				Jitter:         d.Jitter,
				Seed:           sc.Seed,
			})
			spec.Latency = d.Latency
		case config.KindDevice:
			spec.Source = source.NewDeviceSource(source.DeviceConfig{
				Name:             sc.Name,
				Rate:             sc.Rate,
				Offset:           d.Offset,
				DriftPPM:         sc.DriftPPM,
				Latency:          d.Latency,
				Jitter:           d.Jitter,
				FlukeProbability: sc.FlukeProbability,
				FlukeDelay:       d.FlukeDelay,
				StepAt:           d.StepAt,
				StepBy:           d.StepBy,
				Seed:             sc.Seed,
			})
		case config.KindSerial:
			src, err := source.OpenSerial(source.SerialConfig{
				Name: sc.Name,
				Port: sc.Port,
				Baud: sc.Baud,
				Rate: sc.Rate,
			}, clk)
			if err != nil {
				for _, spec := range specs {
					spec.Source.Close()
				}
				return nil, fmt.Errorf("stream %s: %w", sc.Name, err)
			}
			spec.Source = src
		default:
			return nil, fmt.Errorf("stream %s: %w: unknown kind %q", sc.Name, config.ErrInvalid, sc.Kind)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Module returns the acquisition module
func (s *Session) Module() *tsync.Module {
	return s.module
}

// Engine returns the acquisition engine
func (s *Session) Engine() *acquire.Engine {
	return s.engine
}

// MonitorAddr returns the address the monitor listens on, nil when disabled
// or not started
func (s *Session) MonitorAddr() net.Addr {
	return s.monitorAddr
}

// Run acquires until the configured duration elapses, ctx is cancelled or
// the user quits the TUI. With a TUI the session waits for the user to quit
// after acquisition has finished.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.hub != nil {
		addr, err := s.hub.Start(s.opts.MonitorAddr)
		if err != nil {
			s.closeSources()
			return err
		}
		s.monitorAddr = addr
		defer s.hub.Stop()

		if s.cfg.Monitor.MDNS {
			s.advertise(addr)
			defer s.disc.Stop()
		}
	}

	tuiDone := make(chan error, 1)
	if s.tui != nil {
		go func() {
			tuiDone <- s.tui.Run()
		}()
		defer s.tui.Stop()

		go func() {
			select {
			case <-s.tui.Quit():
				log.Printf("Received quit signal from TUI")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	log.Printf("Session %s started: %d streams, collection %s",
		s.module.Name(), len(s.engine.Streams()), s.module.CollectionID())

	err := s.engine.Run(ctx)
	s.logSummary()

	if s.tui != nil {
		s.tui.Done(err)
		if err == nil {
			select {
			case <-ctx.Done():
			case tuiErr := <-tuiDone:
				if tuiErr != nil {
					log.Printf("TUI error: %v", tuiErr)
				}
			}
		}
	}

	if err != nil {
		return fmt.Errorf("acquisition: %w", err)
	}
	log.Printf("Session %s finished", s.module.Name())
	return nil
}

// Stop ends acquisition early
func (s *Session) Stop() {
	s.engine.Stop()
}

func (s *Session) advertise(addr net.Addr) {
	port := 0
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	s.disc = discovery.NewManager(discovery.Config{
		ServiceName:  s.module.Name(),
		Port:         port,
		Module:       s.module.Name(),
		CollectionID: s.module.CollectionID().String(),
	})
	if err := s.disc.Advertise(); err != nil {
		log.Printf("mDNS advertisement failed: %v", err)
	}
}

// monitorURL renders a listen address as the feed URL shown to the user
func monitorURL(addr string) string {
	if addr == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/ws"
}

func (s *Session) logSummary() {
	for _, st := range s.engine.Stats() {
		line := fmt.Sprintf("%s (%s): %d packets, calibrated=%v, expected offset %v, rejected %d, corrections %d",
			st.Name, st.Kind, st.Packets, st.Calibrated, st.ExpectedOffset, st.Rejected, st.Corrections)
		if st.HasError {
			line += fmt.Sprintf(", error %v (max %v)", st.Error, st.MaxError)
		}
		log.Print(line)
	}
}

func (s *Session) closeSources() {
	var errs []error
	for _, src := range s.sources {
		if err := src.Close(); err != nil && !errors.Is(err, source.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("Closing sources: %v", err)
	}
}

// logHandler writes synchronizer notifications to the log in -no-tui mode
type logHandler struct{}

func (logHandler) SyncDetailsChanged(id string, strategies tsync.Strategy, tolerance time.Duration) {
	log.Printf("[%s] sync details: strategies=%s tolerance=%v", id, strategies, tolerance)
}

func (logHandler) OffsetChanged(id string, deviation time.Duration) {
	log.Printf("[%s] offset deviation %v", id, deviation)
}
