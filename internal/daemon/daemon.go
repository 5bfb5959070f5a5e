package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gofrs/flock"

	"agentcrew/internal/config"
	"agentcrew/internal/events"
	"agentcrew/internal/logging"
	"agentcrew/internal/pipeline"
	"agentcrew/internal/preflight"
	"agentcrew/internal/store"
	"agentcrew/internal/telemetry"
	"agentcrew/internal/trigger"
)

// Daemon owns the controller, the event hub, and the API server, and enforces
// single-instance execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	backend    store.Backend
	controller *pipeline.Controller
	hub        *events.Hub
	gateway    *trigger.Gateway
	metrics    *telemetry.Metrics
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Driver       string
	ActiveRuns   []string
	Subscribers  int
	LockFilePath string
	APIAddress   string
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithMetrics exposes m on /metrics and records request metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithGateway replaces the trigger gateway built from configuration.
func WithGateway(g *trigger.Gateway) Option {
	return func(d *Daemon) {
		if g != nil {
			d.gateway = g
		}
	}
}

// New constructs a daemon with initialized dependencies. The hub must be the
// publisher the controller was built with.
func New(cfg *config.Config, backend store.Backend, controller *pipeline.Controller, hub *events.Hub, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || backend == nil || controller == nil || hub == nil {
		return nil, errors.New("daemon requires config, store, controller, and event hub")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		backend:    backend,
		controller: controller,
		hub:        hub,
		gateway:    trigger.New(cfg),
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, runs preflight checks, recovers interrupted
// runs, and starts the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another crew daemon instance is already running")
	}

	d.runPreflight(ctx)

	recovered, err := d.controller.RecoverInterrupted(ctx)
	if err != nil {
		logging.WarnWithContext(d.logger, "interrupted run recovery failed", "recover_interrupted_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check store connectivity"),
			logging.String(logging.FieldImpact, "runs left running by a previous process stay running"),
		)
	} else if len(recovered) > 0 {
		d.logger.Info("recovered interrupted runs",
			logging.String(logging.FieldEventType, "runs_recovered"),
			logging.Int("count", len(recovered)),
		)
	}

	apiCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(apiCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start api: %w", err)
	}
	d.cancel = cancel

	d.running.Store(true)
	d.logger.Info("crew daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("api_address", d.api.address()),
		logging.String("store_driver", d.cfg.Store.Driver),
	)
	return nil
}

// Stop drains the API, waits for in-flight stages up to the shutdown
// timeout, and releases the daemon lock. Runs still in flight stay running
// and are recovered by the next start.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout())
	defer cancel()
	if err := d.controller.Close(ctx); err != nil {
		logging.WarnWithContext(d.logger, "in-flight stages did not finish before shutdown", "shutdown_timeout",
			logging.Error(err),
			logging.Int("active_runs", len(d.controller.Active())),
			logging.String(logging.FieldImpact, "affected runs are recovered on next start"),
		)
	}
	d.hub.Close()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("crew daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.backend != nil {
		return d.backend.Close()
	}
	return nil
}

// Status reports runtime information.
func (d *Daemon) Status() Status {
	return Status{
		Running:      d.running.Load(),
		Driver:       d.cfg.Store.Driver,
		ActiveRuns:   d.controller.Active(),
		Subscribers:  d.hub.Subscribers(),
		LockFilePath: d.lockPath,
		APIAddress:   d.api.address(),
	}
}

// Handler returns the API handler without starting a listener.
func (d *Daemon) Handler() http.Handler {
	return d.api.handler
}

func (d *Daemon) runPreflight(ctx context.Context) {
	results := preflight.RunAll(ctx, d.cfg)
	results = append(results, preflight.CheckStore(ctx, d.cfg.Store.Driver, d.backend))
	for _, r := range results {
		if r.Passed {
			d.logger.Debug("preflight check passed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
			)
			continue
		}
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldErrorHint, "run crew doctor for details"),
			logging.String(logging.FieldImpact, "stages depending on this check may fail"),
		)
	}
}
