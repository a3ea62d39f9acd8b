// Package tui renders startup progress and worker status with Bubble Tea.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/turtacn/rigkeeper/internal/events"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/protocol"
)

const refreshInterval = time.Second

// Snapshotter is the part of the engine the view polls for slot status.
type Snapshotter interface {
	Snapshot() protocol.ControlResponse
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type phaseRow struct {
	id      string
	title   string
	step    string
	message string
	percent int
	outcome consts.PhaseOutcome
}

// Model is the Bubble Tea state of the progress view.
type Model struct {
	source Snapshotter
	onQuit func()

	order  []string
	phases map[string]*phaseRow
	slots  []protocol.SlotStatus
	bar    progress.Model
	width  int

	lastUpdated time.Time
	quitting    bool
}

// NewModel builds the view. source may be nil, in which case no slot table
// is shown. onQuit runs when the user quits.
func NewModel(source Snapshotter, onQuit func()) *Model {
	return &Model{
		source: source,
		onQuit: onQuit,
		phases: make(map[string]*phaseRow),
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40), progress.WithoutPercentage()),
	}
}

// EventMsg delivers one progress event to the model.
type EventMsg events.Event

type snapshotMsg struct{ slots []protocol.SlotStatus }

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func snapshotCmd(src Snapshotter) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{slots: src.Snapshot().Slots}
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	if m.source == nil {
		return nil
	}
	return tea.Batch(snapshotCmd(m.source), tick())
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 40; w > 10 {
			if w > 60 {
				w = 60
			}
			m.bar.Width = w
		}

	case EventMsg:
		m.apply(events.Event(msg))

	case snapshotMsg:
		m.slots = msg.slots
		m.lastUpdated = time.Now()

	case tickMsg:
		if m.source != nil {
			return m, tea.Batch(snapshotCmd(m.source), tick())
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *Model) apply(e events.Event) {
	row, ok := m.phases[e.Phase]
	if !ok {
		row = &phaseRow{id: e.Phase}
		m.phases[e.Phase] = row
		m.order = append(m.order, e.Phase)
	}
	if e.PhaseTitle != "" {
		row.title = e.PhaseTitle
	}
	if e.StepTitle != "" {
		row.step = e.StepTitle
	}
	if e.Message != "" || e.Done {
		row.message = e.Message
	}
	if e.Percent > row.percent {
		row.percent = e.Percent
	}
	row.outcome = e.Outcome
}

// Done reports whether every known phase has reached a terminal outcome.
func (m *Model) Done() bool {
	if len(m.order) == 0 {
		return false
	}
	for _, id := range m.order {
		if !m.phases[id].outcome.Terminal() {
			return false
		}
	}
	return true
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("rigkeeper"))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(dimStyle.Render("Waiting for phases…"))
		b.WriteByte('\n')
	}
	for _, id := range m.order {
		row := m.phases[id]
		title := row.title
		if title == "" {
			title = row.id
		}
		fmt.Fprintf(&b, "%s %-18s %s %3d%%  %s\n",
			outcomeMark(row.outcome),
			truncate(title, 18),
			m.bar.ViewAs(float64(row.percent)/100),
			row.percent,
			detail(row),
		)
	}

	if len(m.slots) > 0 {
		var lines []string
		for _, s := range m.slots {
			line := fmt.Sprintf("%-12s %-12s %-12s pid=%-7d restarts=%d circuit=%s",
				s.Worker, s.State, s.Health, s.PID, s.Restarts, s.Circuit)
			if s.Error != "" {
				line = errStyle.Render(line + "  " + s.Error)
			}
			lines = append(lines, line)
		}
		b.WriteByte('\n')
		b.WriteString(boxStyle.Render(strings.Join(lines, "\n")))
		b.WriteByte('\n')
	}

	help := "q quit"
	if !m.lastUpdated.IsZero() {
		help += fmt.Sprintf(" • last update %s", m.lastUpdated.Format(time.Kitchen))
	}
	b.WriteByte('\n')
	b.WriteString(dimStyle.Render(help))
	return b.String()
}

func outcomeMark(o consts.PhaseOutcome) string {
	switch o {
	case consts.PhaseSuccess:
		return okStyle.Render("✓")
	case consts.PhaseSuccessWithWarnings:
		return warnStyle.Render("!")
	case consts.PhaseFailed, consts.PhaseBlocked, consts.PhaseCancelled:
		return errStyle.Render("✗")
	case consts.PhaseRunning:
		return "•"
	}
	return dimStyle.Render("·")
}

func detail(row *phaseRow) string {
	switch row.outcome {
	case consts.PhaseFailed, consts.PhaseBlocked, consts.PhaseCancelled:
		return errStyle.Render(fmt.Sprintf("%s %s", row.outcome, row.message))
	case consts.PhaseSuccessWithWarnings:
		return warnStyle.Render(string(row.outcome))
	case consts.PhaseSuccess:
		return okStyle.Render(string(row.outcome))
	case consts.PhaseWaiting:
		return dimStyle.Render("waiting for dependencies")
	}
	if row.message != "" {
		return row.step + ": " + row.message
	}
	return row.step
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
