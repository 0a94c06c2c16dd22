// ABOUTME: Acquisition module owning a set of stream synchronizers
// ABOUTME: Lifecycle state, collection ID and the synchronizer factory
package tsync

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Resonate-Protocol/streamsync/pkg/clock"
	"github.com/google/uuid"
)

// ModuleState is the lifecycle state of a Module
type ModuleState int

const (
	StateIdle ModuleState = iota
	StatePreparing
	StateReady
	StateRunning
	StateStopping
	StateError
)

func (s ModuleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("ModuleState(%d)", int(s))
}

// Module is an acquisition module that owns the synchronizers of its streams
type Module struct {
	mu sync.Mutex

	name         string
	clock        clock.Clock
	handler      EventHandler
	dataDir      string
	collectionID uuid.UUID
	strategies   Strategy
	maxPerThread int

	state ModuleState
	syncs []Synchronizer
}

// ModuleOption configures a Module
type ModuleOption func(*Module)

// WithEventHandler sets the handler every synchronizer reports to
func WithEventHandler(h EventHandler) ModuleOption {
	return func(m *Module) { m.handler = h }
}

// WithDataDir sets the directory .tsync files are written to. Without a
// data directory synchronizers do not write log files.
func WithDataDir(dir string) ModuleOption {
	return func(m *Module) { m.dataDir = dir }
}

// WithCollectionID sets the collection ID stored in every file header
func WithCollectionID(id uuid.UUID) ModuleOption {
	return func(m *Module) { m.collectionID = id }
}

// WithStrategies overrides DefaultStrategies for new synchronizers
func WithStrategies(s Strategy) ModuleOption {
	return func(m *Module) { m.strategies = s }
}

// WithMaxModulesPerThread limits how many stream workers share one goroutine
// in the acquisition engine. Zero means one goroutine per stream.
func WithMaxModulesPerThread(n int) ModuleOption {
	return func(m *Module) { m.maxPerThread = n }
}

// NewModule creates an idle module reading time from clk
func NewModule(name string, clk clock.Clock, opts ...ModuleOption) *Module {
	m := &Module{
		name:       name,
		clock:      clk,
		handler:    nopHandler{},
		strategies: DefaultStrategies,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.NewMasterClock()
	}
	if m.collectionID == uuid.Nil {
		m.collectionID = uuid.New()
	}
	if m.dataDir == "" {
		m.strategies &^= WriteLogFile
	}
	return m
}

// Name returns the module name
func (m *Module) Name() string {
	return m.name
}

// CollectionID returns the ID shared by all files of this module's session
func (m *Module) CollectionID() uuid.UUID {
	return m.collectionID
}

// Clock returns the master clock
func (m *Module) Clock() clock.Clock {
	return m.clock
}

// MaxModulesPerThread returns the configured worker grouping, 0 for none
func (m *Module) MaxModulesPerThread() int {
	return m.maxPerThread
}

// State returns the current lifecycle state
func (m *Module) State() ModuleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Synchronizers returns the synchronizers created so far
func (m *Module) Synchronizers() []Synchronizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Synchronizer, len(m.syncs))
	copy(out, m.syncs)
	return out
}

// Prepare moves an idle module to Preparing; synchronizers can be created from here on
func (m *Module) Prepare() error {
	return m.transition(StatePreparing, StateIdle)
}

// MarkReady signals that all streams are set up
func (m *Module) MarkReady() error {
	return m.transition(StateReady, StatePreparing)
}

func (m *Module) transition(to ModuleState, from ...ModuleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range from {
		if m.state == f {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: cannot go from %s to %s", ErrInvalidModuleState, m.state, to)
}

func (m *Module) canCreate() bool {
	switch m.state {
	case StatePreparing, StateReady, StateRunning:
		return true
	}
	return false
}

func (m *Module) basename(streamID string) string {
	if m.dataDir == "" {
		return ""
	}
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, streamID)
	return filepath.Join(m.dataDir, m.name+"_"+clean)
}

func (m *Module) configure(c *calibrator, streamID string) {
	c.moduleName = m.name
	c.collectionID = m.collectionID
	c.basename = m.basename(streamID)
	c.strategies = m.strategies
	c.notifyDetails()
}

// NewFreqCounterSynchronizer creates a synchronizer for a sample-counting
// stream. It fails unless the module is preparing, ready or running.
func (m *Module) NewFreqCounterSynchronizer(streamID string, freqHz float64) (*FreqCounterSynchronizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.canCreate() {
		log.Printf("tsync: module %s: cannot create synchronizer for %s in state %s", m.name, streamID, m.state)
		return nil, ErrInvalidModuleState
	}
	if freqHz <= 0 {
		log.Printf("tsync: module %s: invalid frequency %g for %s", m.name, freqHz, streamID)
		return nil, ErrInvalidFrequency
	}

	s := NewFreqCounterSynchronizer(streamID, m.clock, freqHz, nopHandler{})
	s.handler = m.handler
	m.configure(&s.calibrator, streamID)
	m.syncs = append(m.syncs, s)
	return s, nil
}

// NewSecondaryClockSynchronizer creates a synchronizer for a stream with its
// own device clock. It fails unless the module is preparing, ready or running.
func (m *Module) NewSecondaryClockSynchronizer(streamID string, freqHz float64) (*SecondaryClockSynchronizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.canCreate() {
		log.Printf("tsync: module %s: cannot create synchronizer for %s in state %s", m.name, streamID, m.state)
		return nil, ErrInvalidModuleState
	}
	if freqHz <= 0 {
		log.Printf("tsync: module %s: invalid frequency %g for %s", m.name, freqHz, streamID)
		return nil, ErrInvalidFrequency
	}

	s := NewSecondaryClockSynchronizer(streamID, m.clock, freqHz, nopHandler{})
	s.handler = m.handler
	m.configure(&s.calibrator, streamID)
	m.syncs = append(m.syncs, s)
	return s, nil
}

// Start starts every synchronizer and moves the module to Running. If any
// synchronizer fails the module enters the Error state.
func (m *Module) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateReady && m.state != StatePreparing {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidModuleState, m.state)
	}

	var errs []error
	for _, s := range m.syncs {
		if err := s.Start(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.ID(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.state = StateError
		return err
	}
	m.state = StateRunning
	log.Printf("tsync: module %s running with %d synchronizers", m.name, len(m.syncs))
	return nil
}

// Stop stops every synchronizer and returns the module to Idle. The
// synchronizers are discarded since they cannot be restarted.
func (m *Module) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return nil
	}
	m.state = StateStopping

	var errs []error
	for _, s := range m.syncs {
		if err := s.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.ID(), err))
		}
	}
	m.syncs = nil
	m.state = StateIdle
	return errors.Join(errs...)
}
