// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and feeds it synchronizer events and stats
package ui

import (
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/acquire"
	"github.com/Resonate-Protocol/streamsync/pkg/tsync"
	tea "github.com/charmbracelet/bubbletea"
)

// TUI manages the terminal monitor. It implements tsync.EventHandler and
// acquire.StatsSink; updates are dropped rather than blocking acquisition.
type TUI struct {
	program  *tea.Program
	updates  chan tea.Msg
	quitChan chan struct{}
}

var _ tsync.EventHandler = (*TUI)(nil)
var _ acquire.StatsSink = (*TUI)(nil)

// New creates a TUI for the session
func New(header Header) *TUI {
	t := &TUI{
		updates:  make(chan tea.Msg, 256),
		quitChan: make(chan struct{}, 1),
	}
	t.program = tea.NewProgram(NewModel(header, t.quitChan), tea.WithAltScreen())
	return t
}

// Run runs the TUI until the user quits or Stop is called
func (t *TUI) Run() error {
	go func() {
		for msg := range t.updates {
			t.program.Send(msg)
		}
	}()

	_, err := t.program.Run()
	return err
}

// Quit is signalled when the user asks to stop
func (t *TUI) Quit() <-chan struct{} {
	return t.quitChan
}

func (t *TUI) send(msg tea.Msg) {
	select {
	case t.updates <- msg:
	default:
		// Don't block if channel is full
	}
}

// SyncDetailsChanged implements tsync.EventHandler
func (t *TUI) SyncDetailsChanged(id string, strategies tsync.Strategy, tolerance time.Duration) {
	t.send(DetailsMsg{Stream: id, Strategies: strategies.String(), Tolerance: tolerance})
}

// OffsetChanged implements tsync.EventHandler
func (t *TUI) OffsetChanged(id string, deviation time.Duration) {
	t.send(OffsetMsg{Stream: id, Deviation: deviation, At: time.Now()})
}

// StreamStats implements acquire.StatsSink
func (t *TUI) StreamStats(s acquire.StreamStats) {
	t.send(StatsMsg(s))
}

// Done reports the end of acquisition
func (t *TUI) Done(err error) {
	t.send(DoneMsg{Err: err})
}

// Stop stops the TUI
func (t *TUI) Stop() {
	t.program.Quit()
}
