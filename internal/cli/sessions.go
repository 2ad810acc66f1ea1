package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agusx1211/waverun/internal/sessionstore"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List supervised sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().StringP("dir", "d", ".", "Project directory")
	sessionsCmd.Flags().Bool("json", false, "Print sessions as JSON")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	asJSON, _ := cmd.Flags().GetBool("json")

	store := sessionstore.New(dir)
	all, err := store.ReadAll()
	if err != nil {
		return err
	}

	sessions := make([]sessionstore.Session, 0, len(all))
	for _, s := range all {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	if asJSON {
		data, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}
	for _, s := range sessions {
		color := sessionStateColor(s.State)
		fmt.Printf("%s%-10s%s %s", color, s.State, colorReset, s.SessionID)
		if s.PID != nil {
			fmt.Printf("  %spid %d%s", colorDim, *s.PID, colorReset)
		}
		if s.ExitCode != nil {
			fmt.Printf("  exit %d", *s.ExitCode)
		}
		if s.AgentSessionID != "" {
			fmt.Printf("  %sagent %s%s", colorDim, s.AgentSessionID, colorReset)
		}
		if s.TaskSummary != "" {
			fmt.Printf("  %s", s.TaskSummary)
		}
		if s.Message != "" {
			fmt.Printf("  %s%s%s", colorDim, s.Message, colorReset)
		}
		fmt.Println()
	}
	return nil
}

func sessionStateColor(state sessionstore.State) string {
	switch state {
	case sessionstore.StateRunning:
		return styleBoldCyan
	case sessionstore.StateIdle:
		return styleBoldYellow
	case sessionstore.StateDone:
		return styleBoldGreen
	case sessionstore.StateFailed:
		return styleBoldRed
	default:
		return colorDim
	}
}
