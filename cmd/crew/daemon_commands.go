package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentcrew/internal/daemonctl"
	"agentcrew/internal/daemonrun"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run and control the crew daemon",
	}

	var runLogLevel string
	var runDevelopment bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    runLogLevel,
				Development: runDevelopment,
				Version:     version,
			})
		},
	}
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Override logging.level for this process")
	runCmd.Flags().BoolVar(&runDevelopment, "development", false, "Use human-readable development logging")

	var startLogLevel string
	var startWait time.Duration
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(
				cmd.Context(),
				client,
				daemonrun.PIDPath(cfg),
				exe,
				daemonctl.LaunchOptions{ConfigPath: ctx.configPath(), LogLevel: startLogLevel},
				startWait,
			)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			default:
				if result.PID > 0 {
					fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
				} else {
					fmt.Fprintln(stdout, "Daemon started")
				}
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override logging.level for the daemon")
	startCmd.Flags().DurationVar(&startWait, "wait", 10*time.Second, "How long to wait for the API to answer")

	var stopGrace time.Duration
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(daemonrun.PIDPath(cfg), cfg.LockPath(), stopGrace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon (pid %d) did not exit in %s; killed\n", result.PID, stopGrace)
				fmt.Fprintln(stdout, "Interrupted runs resume on the next daemon start")
				return nil
			}
			fmt.Fprintf(stdout, "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}
	stopCmd.Flags().DurationVar(&stopGrace, "grace", 0, "Time to wait before force-killing (defaults to workflow shutdown timeout + 5s)")
	stopCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if stopGrace > 0 {
			return nil
		}
		cfg, err := ctx.ensureConfig()
		if err != nil {
			return err
		}
		stopGrace = cfg.ShutdownTimeout() + 5*time.Second
		return nil
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon process and API status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(stdout, line)
			}

			pid, pidErr := daemonctl.ReadPID(daemonrun.PIDPath(cfg))
			switch {
			case pidErr == nil && daemonctl.ProcessAlive(pid):
				fmt.Fprintln(stdout, renderStatusLine("Process", statusOK, fmt.Sprintf("pid %d", pid), colorize))
			case pidErr == nil:
				fmt.Fprintln(stdout, renderStatusLine("Process", statusWarn, fmt.Sprintf("stale pid file (pid %d)", pid), colorize))
			default:
				fmt.Fprintln(stdout, renderStatusLine("Process", statusWarn, "not running", colorize))
			}

			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			base, _ := ctx.baseURL()
			if err := client.Ping(cmd.Context()); err != nil {
				fmt.Fprintln(stdout, renderStatusLine("API", statusError, base+" unreachable", colorize))
				return nil
			}
			fmt.Fprintln(stdout, renderStatusLine("API", statusOK, base, colorize))

			active, err := client.Runs(cmd.Context(), []string{"running"}, 0)
			if err != nil {
				return wrapDialError(err)
			}
			ids := make([]string, 0, len(active))
			for _, r := range active {
				ids = append(ids, r.ID)
			}
			detail := fmt.Sprintf("%d", len(active))
			if len(ids) > 0 {
				detail += " (" + strings.Join(ids, ", ") + ")"
			}
			fmt.Fprintln(stdout, renderStatusLine("Active runs", statusInfo, detail, colorize))
			fmt.Fprintln(stdout, renderStatusLine("Store", statusInfo, cfg.Store.Driver, colorize))
			return nil
		},
	}

	daemonCmd.AddCommand(runCmd, startCmd, stopCmd, statusCmd)
	return daemonCmd
}
