// ABOUTME: Bubbletea model of the acquisition monitor
// ABOUTME: Shows per-stream sync state and the latest offset notifications
package ui

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/acquire"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxEvents = 6

// Header is the static session information
type Header struct {
	Module       string
	CollectionID string
	Realtime     bool
	Monitor      string
}

// StatsMsg carries a stream stats snapshot
type StatsMsg acquire.StreamStats

// DetailsMsg reports a synchronizer configuration change
type DetailsMsg struct {
	Stream     string
	Strategies string
	Tolerance  time.Duration
}

// OffsetMsg reports a deviation notification
type OffsetMsg struct {
	Stream    string
	Deviation time.Duration
	At        time.Time
}

// DoneMsg tells the model that acquisition has ended
type DoneMsg struct {
	Err error
}

type tickMsg time.Time

type row struct {
	stats      acquire.StreamStats
	strategies string
}

// Model represents the TUI state
type Model struct {
	header     Header
	rows       map[string]*row
	order      []string
	events     []OffsetMsg
	startTime  time.Time
	done       bool
	doneErr    error
	showDetail bool
	quitting   bool
	quitChan   chan struct{}
}

// NewModel creates a model for the given session
func NewModel(header Header, quitChan chan struct{}) Model {
	return Model{
		header:    header,
		rows:      make(map[string]*row),
		startTime: time.Now(),
		quitChan:  quitChan,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) row(name string) *row {
	r, ok := m.rows[name]
	if !ok {
		r = &row{stats: acquire.StreamStats{Name: name}}
		m.rows[name] = r
		m.order = append(m.order, name)
		slices.Sort(m.order)
	}
	return r
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tickMsg:
		return m, tickEvery()
	case StatsMsg:
		m.row(msg.Name).stats = acquire.StreamStats(msg)
	case DetailsMsg:
		r := m.row(msg.Stream)
		r.strategies = msg.Strategies
		r.stats.Tolerance = msg.Tolerance
	case OffsetMsg:
		m.row(msg.Stream)
		m.events = append(m.events, msg)
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
	case DoneMsg:
		m.done = true
		m.doneErr = msg.Err
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		// Signal the session to stop
		select {
		case m.quitChan <- struct{}{}:
		default:
		}
		return m, tea.Quit
	case "d":
		m.showDetail = !m.showDetail
	case "c":
		m.events = nil
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	tableStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Stopping acquisition...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("streamsync"))
	b.WriteString("\n\n")

	field := func(name, value string) {
		b.WriteString(headerStyle.Render(name + ": "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}
	field("Module", m.header.Module)
	field("Collection", m.header.CollectionID)
	mode := "fast (manual clock)"
	if m.header.Realtime {
		mode = "real time"
	}
	field("Mode", mode)
	if m.header.Monitor != "" {
		field("Monitor", m.header.Monitor)
	}
	field("Uptime", time.Since(m.startTime).Round(time.Second).String())
	b.WriteString("\n")

	b.WriteString(tableStyle.Render(fmt.Sprintf("Streams (%d)", len(m.order))))
	b.WriteString("\n")
	b.WriteString(faintStyle.Render(fmt.Sprintf("  %-12s %-8s %-6s %10s %10s %10s %8s %8s",
		"name", "kind", "state", "deviation", "correction", "error", "rejected", "packets")))
	b.WriteString("\n")
	for _, name := range m.order {
		b.WriteString(m.renderRow(m.rows[name]))
		b.WriteString("\n")
	}

	if len(m.events) > 0 {
		b.WriteString("\n")
		b.WriteString(tableStyle.Render("Offset notifications"))
		b.WriteString("\n")
		for _, e := range m.events {
			b.WriteString(valueStyle.Render(fmt.Sprintf("  %s %-12s %s",
				e.At.Format("15:04:05"), e.Stream, formatMicros(e.Deviation))))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if m.done {
		if m.doneErr != nil {
			b.WriteString(warnStyle.Render("Acquisition failed: " + m.doneErr.Error()))
		} else {
			b.WriteString(okStyle.Render("Acquisition finished"))
		}
		b.WriteString("\n")
	}
	b.WriteString(faintStyle.Render("q:Quit  d:Details  c:Clear notifications"))
	return b.String()
}

func (m Model) renderRow(r *row) string {
	s := r.stats
	state := warnStyle.Render(fmt.Sprintf("%-6s", "warmup"))
	if s.Calibrated {
		state = okStyle.Render(fmt.Sprintf("%-6s", "locked"))
		if s.Tolerance > 0 && s.Deviation.Abs() > s.Tolerance {
			state = warnStyle.Render(fmt.Sprintf("%-6s", "drift"))
		}
	}

	correction := formatMicros(s.Correction)
	if s.Kind == "counter" {
		correction = fmt.Sprintf("%+d smp", s.IndexOffset)
	}
	errText := "-"
	if s.HasError {
		errText = formatMicros(s.Error)
	}

	line := fmt.Sprintf("  %-12s %-8s %s %10s %10s %10s %8d %8d",
		truncate(s.Name, 12), s.Kind, state, formatMicros(s.Deviation), correction, errText, s.Rejected, s.Packets)
	if m.showDetail {
		line += " " + renderBar(s.Level, 10)
		if r.strategies != "" {
			line += " " + r.strategies
		}
	}
	return line
}

// formatMicros renders a duration in milliseconds with a sign
func formatMicros(d time.Duration) string {
	return fmt.Sprintf("%+.2fms", float64(d.Microseconds())/1000.0)
}

func renderBar(level float64, width int) string {
	filled := int(min(max(level, 0), 1) * float64(width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
