// Package daemonrun assembles the crew daemon process: logging, telemetry,
// the run store, the agent catalog, the pipeline controller, and the HTTP
// API, then blocks until a shutdown signal.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"agentcrew/internal/agent"
	"agentcrew/internal/config"
	"agentcrew/internal/daemon"
	"agentcrew/internal/events"
	"agentcrew/internal/health"
	"agentcrew/internal/logging"
	"agentcrew/internal/logs"
	"agentcrew/internal/notifications"
	"agentcrew/internal/pipeline"
	"agentcrew/internal/stage"
	"agentcrew/internal/telemetry"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	Version     string
}

// PIDPath returns the pid file written by a running daemon.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "crewd.pid")
}

// Run starts the crew daemon runtime loop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logPath := logging.SessionLogPath(cfg.Paths.LogDir, time.Now())
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		FilePath:    logPath,
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update crewd.log link: %v\n", err)
	}
	logging.PruneSessionLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays, logPath)
	logConfigSnapshot(logger, cfg)

	pidPath := PIDPath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	shutdownTracing, err := telemetry.Init(signalCtx, cfg.Telemetry, opts.Version)
	if err != nil {
		logging.WarnWithContext(logger, "tracing disabled", "telemetry_init_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check telemetry.otlp_endpoint"),
			logging.String(logging.FieldImpact, "stage spans are not exported"),
		)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown failed", logging.Error(err))
		}
	}()

	backend, err := daemon.OpenStore(signalCtx, cfg)
	if err != nil {
		logger.Error("open run store", logging.Error(err))
		return err
	}

	reg, err := stage.FromConfig(cfg)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("build stage registry: %w", err)
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.MetricsEnabled {
		metrics = telemetry.NewMetrics()
	}

	hub := events.NewHub(logger)
	agentClient := &http.Client{}
	catalog := agent.NewCatalog(cfg, agentClient, logger)
	aggregator := health.New(cfg, reg,
		health.WithLogger(logger),
		health.WithProber(config.ServiceHTTP, health.NewHTTPProber(&http.Client{Timeout: cfg.HealthTimeout()})),
		health.WithProber(config.ServiceMCP, health.NewMCPProber()),
	)
	controller, err := pipeline.New(cfg, reg, backend, catalog,
		pipeline.WithEvents(hub),
		pipeline.WithNotifier(notifications.NewService(cfg)),
		pipeline.WithMetrics(metrics),
		pipeline.WithHealth(aggregator),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("create pipeline controller: %w", err)
	}

	d, err := daemon.New(cfg, backend, controller, hub, logger, daemon.WithMetrics(metrics))
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check paths.api_bind and the daemon lock file"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("crew daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := logs.CurrentPath(logDir)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	serviceIDs := make([]string, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		serviceIDs = append(serviceIDs, svc.ID)
	}
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("store_driver", cfg.Store.Driver),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.Bool("api_token_present", cfg.Paths.APIToken != ""),
		logging.USD("per_run_budget", cfg.Budget.PerRunUSD),
		logging.USD("monthly_budget", cfg.Budget.GlobalMonthlyUSD),
		logging.Int("agents", len(cfg.Agents)),
		logging.String("services", strings.Join(serviceIDs, ",")),
		logging.Bool("ntfy_enabled", cfg.Notifications.NtfyTopic != ""),
		logging.Bool("tracing_enabled", cfg.Telemetry.OTLPEndpoint != ""),
		logging.Bool("auto_resume_interrupted", cfg.Workflow.AutoResumeInterrupted),
	)
}
