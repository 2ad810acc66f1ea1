package watchtui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const runsPanelWidth = 30

// layout recomputes panel sizes after a resize.
func (m *Model) layout() {
	headerH := 1
	statusH := 1
	bodyH := m.height - headerH - statusH - 2 // panel borders
	if bodyH < 3 {
		bodyH = 3
	}
	vpW := m.width - runsPanelWidth - 6
	if vpW < 20 {
		vpW = 20
	}
	if !m.ready {
		m.vp = viewport.New(vpW, bodyH)
		m.ready = true
	} else {
		m.vp.Width = vpW
		m.vp.Height = bodyH
	}
	m.refreshViewport()
}

func (m Model) View() string {
	if !m.ready {
		return "initializing..."
	}

	header := headerStyle.Width(m.width).Render(m.spin.View() + " waverun watch · " + m.title)

	left := m.renderRunList()
	right := eventsPanelStyle.Render(m.vp.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	status := m.renderStatusBar()
	return lipgloss.JoinVertical(lipgloss.Left, header, body, status)
}

func (m Model) renderRunList() string {
	innerW := runsPanelWidth - 4
	lines := make([]string, 0, len(m.runs))
	for i, rv := range m.runs {
		label := fmt.Sprintf("%s %s", stateGlyph(rv.state), ansi.Truncate(rv.runID, innerW-4, "…"))
		if i == m.sel {
			lines = append(lines, selectedRunStyle.Width(innerW).Render(label))
		} else {
			lines = append(lines, runStyle.Width(innerW).Render(label))
		}
	}
	content := emptyStyle.Render("no runs yet")
	if len(lines) > 0 {
		content = lipgloss.JoinVertical(lipgloss.Left, lines...)
	}
	return runsPanelStyle.Width(runsPanelWidth - 2).Height(m.vp.Height).Render(content)
}

func (m Model) renderStatusBar() string {
	follow := "off"
	if m.follow {
		follow = "on"
	}
	state := ""
	if rv := m.selected(); rv != nil {
		state = fmt.Sprintf("  %s · %d events · %s", rv.sessionID, rv.events, rv.state)
	}
	if m.closed {
		state += "  (stream ended)"
	}
	help := statusKeyStyle.Render("j/k") + " select  " +
		statusKeyStyle.Render("f") + " follow:" + follow + "  " +
		statusKeyStyle.Render("q") + " quit"
	return statusBarStyle.Width(m.width).Render(help + state)
}
