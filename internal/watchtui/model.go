// Package watchtui renders a live two-panel view of hub events: runs on the
// left, the selected run's event stream on the right.
package watchtui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/waverun/internal/event"
)

const maxLinesPerRun = 2000

// envelopeMsg carries one hub event into the update loop.
type envelopeMsg struct {
	ev event.Envelope
}

// streamClosedMsg signals that the event source ended.
type streamClosedMsg struct{}

type runView struct {
	runID     string
	sessionID string
	state     string
	lines     []string
	events    int
}

// Model is the watch TUI state.
type Model struct {
	events <-chan event.Envelope

	runs    []*runView
	byRun   map[string]*runView
	sel     int
	follow  bool
	closed  bool
	vp      viewport.Model
	spin    spinner.Model
	width   int
	height  int
	ready   bool
	title   string
}

// NewModel builds the initial model reading from events.
func NewModel(title string, events <-chan event.Envelope) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorMauve)
	return Model{
		events: events,
		byRun:  make(map[string]*runView),
		follow: true,
		spin:   sp,
		title:  title,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForEvent(m.events))
}

func waitForEvent(ch <-chan event.Envelope) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return envelopeMsg{ev: ev}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down", "tab":
			if m.sel < len(m.runs)-1 {
				m.sel++
				m.refreshViewport()
			}
		case "k", "up", "shift+tab":
			if m.sel > 0 {
				m.sel--
				m.refreshViewport()
			}
		case "f":
			m.follow = !m.follow
			if m.follow {
				m.vp.GotoBottom()
			}
		case "g":
			m.vp.GotoTop()
			m.follow = false
		case "G":
			m.vp.GotoBottom()
		default:
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case envelopeMsg:
		m.apply(msg.ev)
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.closed = true
	}
	return m, nil
}

// apply folds one envelope into the run list and line buffers.
func (m *Model) apply(ev event.Envelope) {
	rv, ok := m.byRun[ev.RunID]
	if !ok {
		rv = &runView{runID: ev.RunID, sessionID: ev.SessionID, state: "running"}
		m.byRun[ev.RunID] = rv
		m.runs = append(m.runs, rv)
		if len(m.runs) == 1 {
			m.sel = 0
		}
	}
	rv.events++

	switch ev.Type {
	case event.TypeStarted:
		rv.state = "running"
	case event.TypeCompleted:
		rv.state = "done"
	case event.TypeError:
		rv.state = "failed"
	case event.TypeHeartbeat:
		if ev.Heartbeat != nil && ev.Heartbeat.State != "" {
			rv.state = ev.Heartbeat.State
		}
	}

	if line := formatEvent(ev); line != "" {
		rv.lines = append(rv.lines, line)
		if len(rv.lines) > maxLinesPerRun {
			rv.lines = rv.lines[len(rv.lines)-maxLinesPerRun:]
		}
	}

	if m.selected() == rv {
		m.refreshViewport()
	}
}

func formatEvent(ev event.Envelope) string {
	switch ev.Type {
	case event.TypeStarted:
		label := fmt.Sprintf("▶ started attempt %d", ev.Started.Attempt)
		if ev.Started.Resumed {
			label += " (resumed)"
		}
		return startedStyle.Render(label)
	case event.TypeStream:
		if ev.Stream.Channel == "stderr" {
			return stderrStyle.Render("! " + ev.Stream.Line)
		}
		return ev.Stream.Line
	case event.TypeCompleted:
		return completedStyle.Render(fmt.Sprintf("✓ completed exit %d in %.1fs",
			ev.Completed.ExitCode, ev.Completed.ElapsedSeconds))
	case event.TypeError:
		return errorStyle.Render(fmt.Sprintf("✗ %s: %s", ev.Error.Kind, ev.Error.Message))
	case event.TypeHeartbeat:
		return dimStyle.Render("♥ " + ev.Heartbeat.State)
	}
	return ""
}

func (m *Model) selected() *runView {
	if m.sel < 0 || m.sel >= len(m.runs) {
		return nil
	}
	return m.runs[m.sel]
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	rv := m.selected()
	if rv == nil {
		m.vp.SetContent(emptyStyle.Render("waiting for events..."))
		return
	}
	content := ""
	for i, l := range rv.lines {
		if i > 0 {
			content += "\n"
		}
		content += l
	}
	m.vp.SetContent(content)
	if m.follow {
		m.vp.GotoBottom()
	}
}
