package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agusx1211/waverun/internal/scheduler"
	"github.com/agusx1211/waverun/internal/sessionstore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler and admission state",
	Long: `Query a running hub API for the task graph's current state: per-task
status by wave, per-category admission capacity, and active sessions.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("url", defaultHubURL, "Hub server URL")
	statusCmd.Flags().String("token", "", "Bearer token for the hub API")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")

	client, err := newAPIClient(baseURL, token)
	if err != nil {
		return err
	}

	var resp struct {
		Tasks    []scheduler.TaskState    `json:"tasks"`
		Capacity []scheduler.CategoryLoad `json:"capacity"`
	}
	if err := client.getJSON(cmd.Context(), "/api/tasks", &resp); err != nil {
		return err
	}
	if len(resp.Tasks) == 0 {
		fmt.Println("No tasks scheduled.")
		return nil
	}

	if len(resp.Capacity) > 0 {
		fmt.Printf("%sAdmission capacity:%s\n", colorBold, colorReset)
		for _, load := range resp.Capacity {
			color := colorGreen
			if load.Ceiling > 0 && load.Running >= load.Ceiling {
				color = colorYellow
			}
			fmt.Printf("  %-16s %s%d/%d running%s, %d queued\n",
				load.Category, color, load.Running, load.Ceiling, colorReset, load.Queued)
		}
		fmt.Println()
	}

	fmt.Printf("%sTasks by wave:%s\n", colorBold, colorReset)
	byWave := map[int][]scheduler.TaskState{}
	waves := []int{}
	for _, ts := range resp.Tasks {
		if _, ok := byWave[ts.Wave]; !ok {
			waves = append(waves, ts.Wave)
		}
		byWave[ts.Wave] = append(byWave[ts.Wave], ts)
	}
	sort.Ints(waves)
	for _, w := range waves {
		fmt.Printf("  wave %d:\n", w)
		for _, ts := range byWave[w] {
			glyph, color := statusDecoration(ts.Status)
			fmt.Printf("    %s%s %-20s %s%s", color, glyph, ts.ID, ts.Status, colorReset)
			if ts.SessionID != "" {
				fmt.Printf("  %s%s%s", colorDim, ts.SessionID, colorReset)
			}
			if ts.Message != "" {
				fmt.Printf("  %s", ts.Message)
			}
			fmt.Println()
		}
	}

	printActiveSessions(cmd, client)
	return nil
}

func printActiveSessions(cmd *cobra.Command, client *apiClient) {
	var resp struct {
		Sessions []sessionstore.Session `json:"sessions"`
	}
	if err := client.getJSON(cmd.Context(), "/api/sessions", &resp); err != nil {
		return
	}
	active := resp.Sessions[:0]
	for _, s := range resp.Sessions {
		if s.State == sessionstore.StateRunning || s.State == sessionstore.StateIdle {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return
	}
	fmt.Printf("\n%sActive sessions:%s\n", colorBold, colorReset)
	for _, s := range active {
		fmt.Printf("  %s %s", sessionStateLabel(s.State), s.SessionID)
		if s.PID != nil {
			fmt.Printf("  %spid %d%s", colorDim, *s.PID, colorReset)
		}
		fmt.Println()
	}
}
