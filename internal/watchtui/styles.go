package watchtui

import "github.com/charmbracelet/lipgloss"

// Color palette - dark theme inspired by Catppuccin Mocha.
var (
	colorBase     = lipgloss.Color("#1e1e2e")
	colorSurface0 = lipgloss.Color("#313244")
	colorSurface2 = lipgloss.Color("#585b70")
	colorOverlay0 = lipgloss.Color("#6c7086")
	colorText     = lipgloss.Color("#cdd6f4")
	colorSubtext0 = lipgloss.Color("#a6adc8")

	colorRed      = lipgloss.Color("#f38ba8")
	colorGreen    = lipgloss.Color("#a6e3a1")
	colorYellow   = lipgloss.Color("#f9e2af")
	colorBlue     = lipgloss.Color("#89b4fa")
	colorMauve    = lipgloss.Color("#cba6f7")
	colorLavender = lipgloss.Color("#b4befe")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBase).
			Background(colorBlue).
			Padding(0, 2)

	runsPanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorSurface2).
			Padding(0, 1)

	eventsPanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorSurface2).
				Padding(0, 1)

	selectedRunStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorBase).
				Background(colorMauve).
				Padding(0, 1)

	runStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorSubtext0).
			Background(colorSurface0).
			Padding(0, 1)

	statusKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorLavender).
			Background(colorSurface0)

	dimStyle       = lipgloss.NewStyle().Foreground(colorOverlay0)
	stderrStyle    = lipgloss.NewStyle().Foreground(colorYellow)
	startedStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	completedStyle = lipgloss.NewStyle().Bold(true).Foreground(colorGreen)
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	emptyStyle     = lipgloss.NewStyle().Foreground(colorOverlay0).Italic(true).Padding(1, 2)
)

// stateGlyph marks a run's last known state in the run list.
func stateGlyph(state string) string {
	switch state {
	case "running":
		return lipgloss.NewStyle().Foreground(colorGreen).Render("●")
	case "idle":
		return lipgloss.NewStyle().Foreground(colorYellow).Render("◐")
	case "done":
		return lipgloss.NewStyle().Foreground(colorGreen).Render("✓")
	case "failed":
		return lipgloss.NewStyle().Foreground(colorRed).Render("✗")
	default:
		return dimStyle.Render("○")
	}
}
