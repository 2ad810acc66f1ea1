package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agusx1211/waverun/internal/sessionstore"
)

// The stop and resume commands talk to the hub API of a `waverun run
// --listen` process, which owns the supervisor.

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Soft-stop a running session",
	Long: `Ask the supervisor to interrupt a session's process. The session parks
idle once the process exits and can be resumed later. With --kill the
process group is terminated immediately instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id> <payload>",
	Short: "Resume an idle session with a new payload",
	Args:  cobra.ExactArgs(2),
	RunE:  runResume,
}

func init() {
	for _, c := range []*cobra.Command{stopCmd, resumeCmd} {
		c.Flags().String("url", defaultHubURL, "Hub server URL")
		c.Flags().String("token", "", "Bearer token for the hub API")
	}
	stopCmd.Flags().Bool("kill", false, "Force-kill the process group instead of interrupting it")
	rootCmd.AddCommand(stopCmd, resumeCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	kill, _ := cmd.Flags().GetBool("kill")

	client, err := newAPIClient(baseURL, token)
	if err != nil {
		return err
	}
	action := "stop"
	if kill {
		action = "kill"
	}
	path := fmt.Sprintf("/api/sessions/%s/%s", args[0], action)
	if err := client.postJSON(cmd.Context(), path, nil, nil); err != nil {
		return err
	}
	if kill {
		fmt.Printf("Session %s killed.\n", args[0])
	} else {
		fmt.Printf("Session %s asked to stop; it will park idle.\n", args[0])
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")

	client, err := newAPIClient(baseURL, token)
	if err != nil {
		return err
	}
	body := map[string]string{"payload": args[1]}
	var resumed struct {
		SessionID string `json:"session_id"`
		RunID     string `json:"run_id"`
	}
	path := fmt.Sprintf("/api/sessions/%s/resume", args[0])
	if err := client.postJSON(cmd.Context(), path, body, &resumed); err != nil {
		return err
	}
	fmt.Printf("Session %s resumed as run %s%s%s.\n", resumed.SessionID, styleBoldCyan, resumed.RunID, colorReset)
	return nil
}

// sessionStateLabel is shared by status output.
func sessionStateLabel(state sessionstore.State) string {
	return sessionStateColor(state) + string(state) + colorReset
}
