package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agusx1211/waverun/internal/buildinfo"
	"github.com/agusx1211/waverun/internal/debug"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"

	// Combined styles
	styleBoldCyan   = "\033[1;36m"
	styleBoldGreen  = "\033[1;32m"
	styleBoldYellow = "\033[1;33m"
	styleBoldRed    = "\033[1;31m"
	styleBoldWhite  = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "waverun",
	Short: "Wave-gated orchestrator for long-running coding agents",
	Long: colorBold + `

 _ _ _ ____ _  _ ____ ____ _  _ _  _
 | | | |__| |  | |___ |__/ |  | |\ |
 |_|_| |  |  \/  |___ |  \ |__| | \|` + colorReset + `

  ` + styleBoldCyan + `waverun` + colorReset + ` v` + buildinfo.Current().Version + `

  Schedule a dependency graph of agent tasks in waves, supervise each
  process (idle detection, timeouts, retries with backoff), and stream
  every run's events through a replayable hub.

` + colorBold + `Getting Started:` + colorReset + `
  waverun graph validate graph.yaml   Check a task graph
  waverun run graph.yaml              Execute the graph
  waverun serve --mdns                Host the event hub
  waverun watch                       Live TUI over hub events
  waverun sessions                    List supervised sessions

` + colorBold + `More Info:` + colorReset + `
  https://github.com/agusx1211/waverun`,

	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		bi := buildinfo.Current()
		fmt.Printf("waverun %s", bi.Version)
		if bi.Commit != "" {
			fmt.Printf(" (%s)", bi.Commit)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.waverun/debug/")
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "waverun starting",
			"version", bi.Version,
			"commit", bi.Commit,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
