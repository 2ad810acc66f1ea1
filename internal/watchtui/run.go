package watchtui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agusx1211/waverun/internal/event"
)

// Run launches the watch TUI over an event channel. It returns when the user
// quits or ctx is cancelled; the channel closing keeps the UI up so the final
// events stay readable.
func Run(ctx context.Context, title string, events <-chan event.Envelope) error {
	p := tea.NewProgram(NewModel(title, events), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
