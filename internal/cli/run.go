package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agusx1211/waverun/internal/config"
	"github.com/agusx1211/waverun/internal/debug"
	"github.com/agusx1211/waverun/internal/graphfile"
	"github.com/agusx1211/waverun/internal/hub"
	"github.com/agusx1211/waverun/internal/hubserver"
	"github.com/agusx1211/waverun/internal/scheduler"
	"github.com/agusx1211/waverun/internal/sessionstore"
	"github.com/agusx1211/waverun/internal/supervisor"
	"github.com/agusx1211/waverun/internal/task"
	"github.com/agusx1211/waverun/internal/watchtui"
)

var runCmd = &cobra.Command{
	Use:   "run <graph-file>",
	Short: "Execute a task graph wave by wave",
	Long: `Load a task graph (YAML or JSON), then run it to completion: tasks are
released in ascending wave order, admitted under per-category concurrency
ceilings, and each one is supervised with idle detection, timeouts, and
crash retries.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("dir", "d", ".", "Project directory (config and session state live under .waverun/)")
	runCmd.Flags().String("agent", "", "Agent command to supervise (overrides nothing; required)")
	runCmd.Flags().StringArray("agent-arg", nil, "Argument passed to the agent command (repeatable)")
	runCmd.Flags().StringArray("env", nil, "KEY=VALUE overlaid on the agent environment (repeatable)")
	runCmd.Flags().Bool("halt-on-failure", true, "Stop releasing later waves once any task fails")
	runCmd.Flags().Bool("watch", false, "Show the live event TUI while the graph runs")
	runCmd.Flags().String("listen", "", "Also serve the hub API on host:port (enables stop/resume/status from other terminals)")
	runCmd.Flags().String("auth-token", "", "Require Bearer token on the --listen API")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	agent, _ := cmd.Flags().GetString("agent")
	agentArgs, _ := cmd.Flags().GetStringArray("agent-arg")
	envPairs, _ := cmd.Flags().GetStringArray("env")
	watch, _ := cmd.Flags().GetBool("watch")
	listen, _ := cmd.Flags().GetString("listen")
	authToken, _ := cmd.Flags().GetString("auth-token")

	if strings.TrimSpace(agent) == "" {
		return fmt.Errorf("--agent is required (the command waverun supervises for each task)")
	}
	env, err := parseEnvPairs(envPairs)
	if err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("halt-on-failure") {
		halt, _ := cmd.Flags().GetBool("halt-on-failure")
		cfg.HaltOnFailure = &halt
	}

	tasks, err := graphfile.Load(args[0])
	if err != nil {
		return err
	}

	store := sessionstore.New(dir)
	reg := prometheus.NewRegistry()
	h := hub.New(hub.Options{
		HistorySize:       cfg.HistorySize,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Metrics:           hub.NewMetrics(reg),
	})
	defer h.Close()

	sup, err := supervisor.New(supervisor.Options{
		Store:   store,
		Hub:     h,
		Config:  cfg,
		Command: agent,
		Args:    agentArgs,
		Env:     env,
	})
	if err != nil {
		return err
	}
	sched := scheduler.New(cfg, sup)

	if listen != "" {
		srv, err := serveAPI(listen, authToken, h, store, sup, sched, reg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Printf("Hub API listening on %s://%s\n", srv.Scheme(), srv.Addr())
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintf(os.Stderr, "\n%sInterrupt: soft-stopping active tasks (ctrl-c again to force)%s\n", styleBoldYellow, colorReset)
		for _, ts := range sched.Status() {
			switch ts.Status {
			case task.StatusPending, task.StatusQueued, task.StatusRunning:
				if err := sched.Cancel(ts.ID); err != nil {
					debug.LogKV("cli", "cancel on interrupt failed", "task", ts.ID, "error", err)
				}
			}
		}
		<-sigCh
		cancel()
	}()

	type runOutcome struct {
		report *scheduler.Report
		err    error
	}
	outCh := make(chan runOutcome, 1)
	go func() {
		rep, err := sched.Run(ctx, tasks)
		outCh <- runOutcome{rep, err}
	}()

	if watch {
		if isatty.IsTerminal(os.Stdout.Fd()) {
			sub := h.SubscribeBuffered(512)
			defer sub.Close()
			if err := watchtui.Run(ctx, "waverun "+args[0], sub.C); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "Warning: event viewer exited: %v\n", err)
			}
		} else {
			fmt.Fprintln(os.Stderr, "Warning: --watch ignored, stdout is not a terminal")
		}
	}

	out := <-outCh
	if out.err != nil {
		return out.err
	}
	printReport(out.report)
	if out.report.Failed > 0 {
		return fmt.Errorf("%d task(s) failed", out.report.Failed)
	}
	return nil
}

func serveAPI(listen, authToken string, h *hub.Hub, store *sessionstore.Store, sup *supervisor.Supervisor, sched *scheduler.Scheduler, reg *prometheus.Registry) (*hubserver.Server, error) {
	host, port, err := splitListenAddr(listen)
	if err != nil {
		return nil, err
	}
	srv, err := hubserver.New(hubserver.Options{
		Host:       host,
		Port:       port,
		AuthToken:  authToken,
		Hub:        h,
		Store:      store,
		Supervisor: sup,
		Scheduler:  sched,
		Registry:   reg,
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func printReport(rep *scheduler.Report) {
	fmt.Println()
	for _, ts := range rep.Tasks {
		glyph, color := statusDecoration(ts.Status)
		fmt.Printf("  %s%s %-20s%s wave %d  %s%s%s", color, glyph, ts.ID, colorReset, ts.Wave, color, ts.Status, colorReset)
		if ts.SessionID != "" {
			fmt.Printf("  %s%s%s", colorDim, ts.SessionID, colorReset)
		}
		if ts.Message != "" {
			fmt.Printf("  %s", ts.Message)
		}
		fmt.Println()
	}
	fmt.Println()
	summary := fmt.Sprintf("%d done, %d failed, %d skipped", rep.Done, rep.Failed, rep.Skipped)
	switch {
	case rep.Failed > 0 && rep.Halted:
		fmt.Printf("%s%s (halted)%s\n", styleBoldRed, summary, colorReset)
	case rep.Failed > 0:
		fmt.Printf("%s%s%s\n", styleBoldRed, summary, colorReset)
	default:
		fmt.Printf("%s%s%s\n", styleBoldGreen, summary, colorReset)
	}
}

func statusDecoration(st task.Status) (string, string) {
	switch st {
	case task.StatusDone:
		return "✓", colorGreen
	case task.StatusFailed:
		return "✗", colorRed
	case task.StatusSkipped:
		return "-", colorYellow
	case task.StatusRunning:
		return "●", colorCyan
	default:
		return "○", colorDim
	}
}
