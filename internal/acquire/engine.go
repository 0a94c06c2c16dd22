// ABOUTME: Acquisition engine driving stream sources through their synchronizers
// ABOUTME: Runs simulated sources on a manual clock or paces them in real time
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/source"
	"github.com/Resonate-Protocol/streamsync/pkg/clock"
	"github.com/Resonate-Protocol/streamsync/pkg/tsync"
	"golang.org/x/sync/errgroup"
)

// DefaultStatsInterval is the master time between two stats publications
const DefaultStatsInterval = time.Second

var (
	ErrNoStreams       = errors.New("no streams configured")
	ErrNeedManualClock = errors.New("fast mode needs a manual master clock")
	ErrNotSimulated    = errors.New("source cannot run faster than real time")
)

// StreamSpec is a source plus the synchronizer settings for its stream.
// Zero values keep the defaults derived from the source rate.
type StreamSpec struct {
	Source     source.Source
	Tolerance  time.Duration
	WindowSize int
	// Strategies replaces the module strategies when non-zero. A log file is
	// only written where the module allows it.
	Strategies tsync.Strategy
	// Latency is the transport delay of counter sources
	Latency time.Duration
}

// StatsSink receives stream statistics. It is called from worker
// goroutines and must be safe for concurrent use.
type StatsSink interface {
	StreamStats(StreamStats)
}

// StatsFunc adapts a function to StatsSink
type StatsFunc func(StreamStats)

func (f StatsFunc) StreamStats(s StreamStats) { f(s) }

// Options configures an Engine
type Options struct {
	// Realtime paces simulated sources against the master clock. Otherwise
	// the module clock must be a *clock.ManualClock which the engine advances.
	Realtime bool
	// Duration of master time to acquire, zero to run until stopped
	Duration      time.Duration
	StatsInterval time.Duration
	Sinks         []StatsSink
}

// Engine drives the streams of one module
type Engine struct {
	module  *tsync.Module
	clock   clock.Clock
	manual  *clock.ManualClock
	opts    Options
	streams []*Stream

	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates the synchronizers of every stream in module and marks it ready
func New(module *tsync.Module, specs []StreamSpec, opts Options) (*Engine, error) {
	if len(specs) == 0 {
		return nil, ErrNoStreams
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}

	e := &Engine{
		module:   module,
		clock:    module.Clock(),
		opts:     opts,
		stopChan: make(chan struct{}),
	}

	if !opts.Realtime {
		manual, ok := module.Clock().(*clock.ManualClock)
		if !ok {
			return nil, ErrNeedManualClock
		}
		e.manual = manual
		for _, spec := range specs {
			if !source.IsSimulated(spec.Source) {
				return nil, fmt.Errorf("stream %s: %w", spec.Source.Name(), ErrNotSimulated)
			}
		}
	}

	if module.State() == tsync.StateIdle {
		if err := module.Prepare(); err != nil {
			return nil, err
		}
	}

	for _, spec := range specs {
		st, err := e.addStream(spec)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", spec.Source.Name(), err)
		}
		e.streams = append(e.streams, st)
	}

	if err := module.MarkReady(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) addStream(spec StreamSpec) (*Stream, error) {
	src := spec.Source
	st := newStream(src)

	var sy interface {
		tsync.Synchronizer
		SetTolerance(time.Duration)
		SetCalibrationWindowSize(int)
		SetStrategies(tsync.Strategy)
	}

	switch src.Kind() {
	case source.KindCounter:
		f, err := e.module.NewFreqCounterSynchronizer(src.Name(), src.Rate())
		if err != nil {
			return nil, err
		}
		if spec.Latency > 0 {
			f.SetDeviceLatency(spec.Latency)
		}
		st.counter, sy = f, f
	case source.KindClock:
		s, err := e.module.NewSecondaryClockSynchronizer(src.Name(), src.Rate())
		if err != nil {
			return nil, err
		}
		st.device, sy = s, s
	default:
		return nil, fmt.Errorf("unknown source kind %s", src.Kind())
	}

	if spec.Tolerance > 0 {
		sy.SetTolerance(spec.Tolerance)
	}
	if spec.WindowSize > 0 {
		sy.SetCalibrationWindowSize(spec.WindowSize)
	}
	if spec.Strategies != 0 {
		strategies := spec.Strategies
		if !sy.Strategies().Has(tsync.WriteLogFile) {
			strategies &^= tsync.WriteLogFile
		}
		sy.SetStrategies(strategies)
	}

	log.Printf("Acquisition: stream %s (%s, %g Hz), window %d, tolerance %v, strategies %s",
		src.Name(), src.Kind(), src.Rate(), sy.CalibrationWindowSize(), sy.Tolerance(), sy.Strategies())
	return st, nil
}

// Streams returns the engine streams
func (e *Engine) Streams() []*Stream {
	return e.streams
}

// Stats returns a snapshot of every stream
func (e *Engine) Stats() []StreamStats {
	out := make([]StreamStats, len(e.streams))
	for i, st := range e.streams {
		out[i] = st.Stats()
	}
	return out
}

// Run starts the module, acquires until the duration elapses, every source
// is exhausted, ctx is cancelled or Stop is called, then stops the module.
// Cancellation and deadlines are a normal end and return nil.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("Acquisition engine starting: %d streams, realtime=%v", len(e.streams), e.opts.Realtime)

	if err := e.module.Start(); err != nil {
		return errors.Join(fmt.Errorf("start module: %w", err), e.module.Stop())
	}

	start := e.clock.NowMicros()
	var end int64
	if e.opts.Duration > 0 {
		end = start + e.opts.Duration.Microseconds()
	}
	for _, st := range e.streams {
		if source.IsSimulated(st.src) {
			st.base = start
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, group := range e.groups() {
		g.Go(func() error {
			return e.runWorker(gctx, group, start, end)
		})
	}

	// live sources block in Next; closing them is the only way out
	go func() {
		<-gctx.Done()
		for _, st := range e.streams {
			if !source.IsSimulated(st.src) {
				st.src.Close()
			}
		}
	}()

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	stopErr := e.module.Stop()
	for _, st := range e.streams {
		st.src.Close()
		e.publish(st)
	}

	log.Printf("Acquisition engine stopped")
	return errors.Join(err, stopErr)
}

// Stop ends Run
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
}

// groups splits the streams over worker goroutines. Fast mode uses a single
// worker so that the manual clock only moves forward. In real time, live
// sources get a worker each and simulated ones are grouped by the module's
// MaxModulesPerThread.
func (e *Engine) groups() [][]*Stream {
	if !e.opts.Realtime {
		return [][]*Stream{e.streams}
	}

	per := e.module.MaxModulesPerThread()
	if per <= 0 {
		per = 1
	}

	var groups [][]*Stream
	var cur []*Stream
	for _, st := range e.streams {
		if !source.IsSimulated(st.src) {
			groups = append(groups, []*Stream{st})
			continue
		}
		cur = append(cur, st)
		if len(cur) == per {
			groups = append(groups, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func (e *Engine) runWorker(ctx context.Context, streams []*Stream, start, end int64) error {
	if len(streams) == 1 && !source.IsSimulated(streams[0].src) {
		return e.runLive(ctx, streams[0], start, end)
	}

	q := NewPacketQueue()
	for _, st := range streams {
		if err := e.fetch(q, st); err != nil {
			return err
		}
	}

	nextStats := start + e.opts.StatsInterval.Microseconds()
	for q.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		arrival := q.peek().packet.Arrival
		if end > 0 && arrival > end {
			return nil
		}
		if e.opts.Realtime {
			if err := e.waitUntil(ctx, arrival); err != nil {
				return err
			}
		} else {
			e.manual.Set(arrival)
		}

		p := q.next()
		p.stream.dispatch(p.packet)
		if arrival >= nextStats {
			for _, st := range streams {
				e.publish(st)
			}
			for nextStats <= arrival {
				nextStats += e.opts.StatsInterval.Microseconds()
			}
		}

		if err := e.fetch(q, p.stream); err != nil {
			return err
		}
	}
	return nil
}

// runLive drives a source whose packets are stamped on arrival
func (e *Engine) runLive(ctx context.Context, st *Stream, start, end int64) error {
	nextStats := start + e.opts.StatsInterval.Microseconds()
	for {
		p, err := st.src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, source.ErrClosed) {
				log.Printf("Acquisition: stream %s ended", st.Name())
				return ctx.Err()
			}
			return fmt.Errorf("stream %s: %w", st.Name(), err)
		}
		if end > 0 && p.Arrival > end {
			return nil
		}

		st.dispatch(p)
		if p.Arrival >= nextStats {
			e.publish(st)
			nextStats = p.Arrival + e.opts.StatsInterval.Microseconds()
		}
	}
}

// fetch queues the next packet of st, shifted onto the master clock
func (e *Engine) fetch(q *PacketQueue, st *Stream) error {
	p, err := st.src.Next()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, source.ErrClosed) {
			log.Printf("Acquisition: stream %s exhausted", st.Name())
			return nil
		}
		return fmt.Errorf("stream %s: %w", st.Name(), err)
	}
	p.Arrival += st.base
	p.Truth += st.base
	q.add(st, p)
	return nil
}

func (e *Engine) waitUntil(ctx context.Context, t int64) error {
	d := time.Duration(t-e.clock.NowMicros()) * time.Microsecond
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) publish(st *Stream) {
	stats := st.Stats()
	for _, sink := range e.opts.Sinks {
		sink.StreamStats(stats)
	}
}
