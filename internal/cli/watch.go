package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/waverun/internal/event"
	"github.com/agusx1211/waverun/internal/eventq"
	"github.com/agusx1211/waverun/internal/watchtui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live TUI over hub events",
	Long: `Connect to a hub server's websocket feed and render runs and their event
streams in an interactive terminal viewer.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("url", defaultHubURL, "Hub server URL")
	watchCmd.Flags().String("token", "", "Bearer token for the hub API")
	watchCmd.Flags().String("run", "", "Limit the view to one run id")
	watchCmd.Flags().Uint64("since-seq", 0, "Replay buffered history after this seq (requires --run)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	runID, _ := cmd.Flags().GetString("run")
	sinceSeq, _ := cmd.Flags().GetUint64("since-seq")

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return fmt.Errorf("watch needs a terminal; use `waverun events --follow` for plain output")
	}

	client, err := newAPIClient(baseURL, token)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan event.Envelope, 256)
	dialErr := make(chan error, 1)
	go func() {
		defer close(events)
		dialErr <- followEvents(ctx, client, runID, sinceSeq, func(ev *event.Envelope) {
			eventq.Send(ctx, events, *ev)
		})
	}()

	if err := watchtui.Run(ctx, baseURL, events); err != nil && ctx.Err() == nil {
		return err
	}
	stop()
	if err := <-dialErr; err != nil {
		return err
	}
	return nil
}
