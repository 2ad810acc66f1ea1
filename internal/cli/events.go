package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/agusx1211/waverun/internal/event"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print hub events for a run",
	Long: `Fetch a run's buffered event history from a hub server, or follow the
live feed over a websocket. Without --run, --follow streams every run.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().String("url", defaultHubURL, "Hub server URL")
	eventsCmd.Flags().String("token", "", "Bearer token for the hub API")
	eventsCmd.Flags().String("run", "", "Run id to read events for")
	eventsCmd.Flags().String("session", "", "Only events belonging to this session id")
	eventsCmd.Flags().Uint64("since-seq", 0, "Only events with seq greater than this")
	eventsCmd.Flags().BoolP("follow", "f", false, "Keep the connection open and stream live events")
	eventsCmd.Flags().Bool("json", false, "Print raw event envelopes as JSON lines")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	runID, _ := cmd.Flags().GetString("run")
	sessionID, _ := cmd.Flags().GetString("session")
	sinceSeq, _ := cmd.Flags().GetUint64("since-seq")
	follow, _ := cmd.Flags().GetBool("follow")
	asJSON, _ := cmd.Flags().GetBool("json")

	client, err := newAPIClient(baseURL, token)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !follow {
		if runID == "" && sessionID == "" {
			return listRuns(ctx, client)
		}
		if runID == "" {
			return fmt.Errorf("--session needs --run or --follow (history is buffered per run)")
		}
		var history struct {
			Events []event.Envelope `json:"events"`
		}
		path := fmt.Sprintf("/api/runs/%s/events", runID)
		if sinceSeq > 0 {
			path += fmt.Sprintf("?since_seq=%d", sinceSeq)
		}
		if err := client.getJSON(ctx, path, &history); err != nil {
			return err
		}
		for i := range history.Events {
			if sessionID != "" && history.Events[i].SessionID != sessionID {
				continue
			}
			printEvent(&history.Events[i], asJSON)
		}
		return nil
	}

	return followEvents(ctx, client, runID, sinceSeq, func(ev *event.Envelope) {
		if sessionID != "" && ev.SessionID != sessionID {
			return
		}
		printEvent(ev, asJSON)
	})
}

func listRuns(ctx context.Context, client *apiClient) error {
	var resp struct {
		Runs []string `json:"runs"`
	}
	if err := client.getJSON(ctx, "/api/runs", &resp); err != nil {
		return err
	}
	if len(resp.Runs) == 0 {
		fmt.Println("No runs in the hub's replay window.")
		return nil
	}
	for _, r := range resp.Runs {
		fmt.Println(r)
	}
	return nil
}

// followEvents dials the hub's websocket feed and invokes fn for every event
// envelope until ctx is canceled or the server closes the stream.
func followEvents(ctx context.Context, client *apiClient, runID string, sinceSeq uint64, fn func(*event.Envelope)) error {
	conn, _, err := websocket.Dial(ctx, client.wsURL(runID, sinceSeq), nil)
	if err != nil {
		return fmt.Errorf("dialing hub websocket: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("reading hub websocket: %w", err)
		}
		var frame struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		// The server frames each message with the event's own type name.
		switch event.Type(frame.Type) {
		case event.TypeStarted, event.TypeStream, event.TypeCompleted,
			event.TypeError, event.TypeHeartbeat:
		default:
			continue
		}
		ev, err := event.Decode(frame.Data)
		if err != nil {
			continue
		}
		fn(ev)
	}
}

func printEvent(ev *event.Envelope, asJSON bool) {
	if asJSON {
		data, err := json.Marshal(ev)
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}
	prefix := fmt.Sprintf("%s%s%s %s%-6d%s %s",
		colorDim, ev.Timestamp.Format("15:04:05"), colorReset,
		colorDim, ev.Seq, colorReset,
		ev.RunID)
	switch ev.Type {
	case event.TypeStarted:
		extra := ""
		if ev.Started != nil && ev.Started.Resumed {
			extra = " (resumed)"
		}
		attempt := 0
		if ev.Started != nil {
			attempt = ev.Started.Attempt
		}
		fmt.Printf("%s %sstarted%s attempt %d%s\n", prefix, styleBoldCyan, colorReset, attempt, extra)
	case event.TypeStream:
		if ev.Stream == nil {
			return
		}
		color := ""
		if ev.Stream.Channel == "stderr" {
			color = colorYellow
		}
		fmt.Printf("%s %s%s%s\n", prefix, color, ev.Stream.Line, colorReset)
	case event.TypeCompleted:
		code := 0
		if ev.Completed != nil {
			code = ev.Completed.ExitCode
		}
		fmt.Printf("%s %scompleted%s exit %d\n", prefix, styleBoldGreen, colorReset, code)
	case event.TypeError:
		kind, msg := "", ""
		if ev.Error != nil {
			kind, msg = string(ev.Error.Kind), ev.Error.Message
		}
		fmt.Printf("%s %serror%s %s: %s\n", prefix, styleBoldRed, colorReset, kind, msg)
	case event.TypeHeartbeat:
		state := ""
		if ev.Heartbeat != nil {
			state = ev.Heartbeat.State
		}
		fmt.Printf("%s %sheartbeat%s %s\n", prefix, colorDim, colorReset, state)
	}
}
