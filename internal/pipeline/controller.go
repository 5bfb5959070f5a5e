package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"agentcrew/internal/agent"
	"agentcrew/internal/checkpoint"
	"agentcrew/internal/config"
	"agentcrew/internal/costguard"
	"agentcrew/internal/events"
	"agentcrew/internal/faults"
	"agentcrew/internal/health"
	"agentcrew/internal/logging"
	"agentcrew/internal/notifications"
	"agentcrew/internal/run"
	"agentcrew/internal/stage"
	"agentcrew/internal/store"
	"agentcrew/internal/telemetry"
	"agentcrew/internal/trigger"
)

const component = "pipeline"

// Controller owns run status transitions.
type Controller struct {
	cfg         *config.Config
	registry    *stage.Registry
	backend     store.Backend
	checkpoints *checkpoint.Store
	catalog     *agent.Catalog
	health      *health.Aggregator
	budget      costguard.Budget
	ledger      ledger
	events      events.Publisher
	notifier    notifications.Service
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool
}

type activeRun struct {
	mu   sync.Mutex
	stop bool
	done chan struct{}
}

func (a *activeRun) requestStop() {
	a.mu.Lock()
	a.stop = true
	a.mu.Unlock()
}

func (a *activeRun) stopRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stop
}

// Option configures optional controller collaborators.
type Option func(*Controller)

// WithEvents sets the run-state change publisher.
func WithEvents(p events.Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.events = p
		}
	}
}

// WithNotifier sets the notification service.
func WithNotifier(n notifications.Service) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithHealth replaces the health aggregator built from configuration.
func WithHealth(h *health.Aggregator) Option {
	return func(c *Controller) {
		if h != nil {
			c.health = h
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logging.NewComponentLogger(logger, component)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides pipeline id allocation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) {
		if gen != nil {
			c.newID = gen
		}
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(events.Kind, *run.PipelineRun) {}

// New builds a controller. Every registry stage must have an agent bound in
// catalog.
func New(cfg *config.Config, reg *stage.Registry, backend store.Backend, catalog *agent.Catalog, opts ...Option) (*Controller, error) {
	if cfg == nil || reg == nil || backend == nil || catalog == nil {
		return nil, errors.New("pipeline: config, registry, backend, and catalog are required")
	}
	if err := catalog.Verify(reg); err != nil {
		return nil, err
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:         cfg,
		registry:    reg,
		backend:     backend,
		checkpoints: checkpoint.New(backend, reg.Version()),
		catalog:     catalog,
		budget:      costguard.BudgetFromConfig(cfg),
		events:      noopPublisher{},
		notifier:    notifications.NewService(cfg),
		tracer:      telemetry.Tracer(),
		logger:      logging.NewComponentLogger(nil, component),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		baseCtx:     baseCtx,
		cancel:      cancel,
		active:      make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.health == nil {
		c.health = health.New(cfg, reg, health.WithLogger(c.logger))
	}
	return c, nil
}

// Registry returns the stage registry driving this controller.
func (c *Controller) Registry() *stage.Registry { return c.registry }

// Checkpoints exposes the checkpoint store for read paths.
func (c *Controller) Checkpoints() *checkpoint.Store { return c.checkpoints }

// Health exposes the health aggregator.
func (c *Controller) Health() *health.Aggregator { return c.health }

// Catalog exposes the agent catalog.
func (c *Controller) Catalog() *agent.Catalog { return c.catalog }

// Trigger creates a run and starts it at the first stage. It returns as soon
// as the run is persisted.
func (c *Controller) Trigger(ctx context.Context, req trigger.Accepted) (string, error) {
	if req.Input.Kind() == "" {
		return "", faults.Wrap(faults.ErrInvalidInput, component, "trigger", "exactly one of topic or videoUrl is required", nil)
	}
	now := c.now()
	r := &run.PipelineRun{
		ID:         c.newID(),
		Input:      run.Input{Topic: strings.TrimSpace(req.Input.Topic), VideoURL: strings.TrimSpace(req.Input.VideoURL)},
		Status:     run.StatusRunning,
		Stages:     []run.StageResult{},
		MaxCostUSD: req.MaxCostUSD,
		DryRun:     req.DryRun,
		StartedAt:  now,
		UpdatedAt:  now,
	}

	ar, err := c.reserve(r.ID)
	if err != nil {
		return "", err
	}
	if err := c.backend.CreateRun(ctx, r); err != nil {
		c.release(r.ID, ar)
		return "", fmt.Errorf("create run: %w", err)
	}

	c.metrics.RecordTransition(string(run.StatusRunning))
	c.events.Publish(events.KindInsert, r.Clone())
	c.notify(ctx, notifications.EventRunStarted, notifications.Payload{
		"pipelineId": r.ID,
		"subject":    r.Input.Value(),
		"maxCostUsd": r.MaxCostUSD,
	})
	c.logger.Info("pipeline triggered",
		logging.String(logging.FieldEventType, "run_triggered"),
		logging.PipelineID(r.ID),
		logging.String("input_kind", string(r.Input.Kind())),
		logging.String("input", r.Input.Value()),
		logging.Bool("dry_run", r.DryRun),
	)

	c.launch(ar, r, 0, nil)
	return r.ID, nil
}

// Resume restarts a failed or cost-paused run at the stage after its
// checkpoint. A run without a checkpoint restarts at the first stage.
func (c *Controller) Resume(ctx context.Context, pipelineID string) error {
	pipelineID = strings.TrimSpace(pipelineID)
	if pipelineID == "" {
		return faults.Wrap(faults.ErrInvalidInput, component, "resume", "pipelineId is required", nil)
	}

	r, err := c.backend.GetRun(ctx, pipelineID)
	if err != nil {
		return err
	}
	if !r.Status.IsResumable() {
		return faults.Wrap(faults.ErrInvalidState, component, "resume",
			fmt.Sprintf("run %s is %s", pipelineID, r.Status), nil)
	}

	start := 0
	var previous json.RawMessage
	cp, err := c.checkpoints.Load(ctx, pipelineID)
	switch {
	case err == nil:
		if err := c.registry.VerifyCheckpoint(cp.StageIndex, cp.StageName); err != nil {
			return err
		}
		if cp.RegistryVersion != 0 && cp.RegistryVersion != c.registry.Version() {
			return faults.Wrap(faults.ErrCheckpointMismatch, component, "resume",
				fmt.Sprintf("checkpoint written by registry v%d, running v%d", cp.RegistryVersion, c.registry.Version()), nil)
		}
		start = cp.StageIndex + 1
		previous = cp.Payload
	case errors.Is(err, faults.ErrNotFound):
	default:
		return fmt.Errorf("load checkpoint: %w", err)
	}

	ar, err := c.reserve(pipelineID)
	if err != nil {
		return err
	}
	if err := c.backend.ResumeRun(ctx, pipelineID, r.Status, start-1); err != nil {
		c.release(pipelineID, ar)
		return err
	}
	resumed, err := c.backend.GetRun(ctx, pipelineID)
	if err != nil {
		c.release(pipelineID, ar)
		return fmt.Errorf("reload resumed run: %w", err)
	}

	c.metrics.RecordTransition(string(run.StatusRunning))
	c.events.Publish(events.KindUpdate, resumed.Clone())
	c.logger.Info("pipeline resumed",
		logging.String(logging.FieldEventType, "run_resumed"),
		logging.PipelineID(pipelineID),
		logging.String("previous_status", string(r.Status)),
		logging.Int(logging.FieldStageIndex, start),
	)

	c.launch(ar, resumed, start, previous)
	return nil
}

// Stop asks a running pipeline to park after its current stage. The run
// ends as failed with OperatorStopReason and can be resumed.
func (c *Controller) Stop(ctx context.Context, pipelineID string) error {
	pipelineID = strings.TrimSpace(pipelineID)
	if pipelineID == "" {
		return faults.Wrap(faults.ErrInvalidInput, component, "stop", "pipelineId is required", nil)
	}
	c.mu.Lock()
	ar, ok := c.active[pipelineID]
	c.mu.Unlock()
	if ok {
		ar.requestStop()
		c.logger.Info("pipeline stop requested",
			logging.String(logging.FieldEventType, "run_stop_requested"),
			logging.PipelineID(pipelineID),
		)
		return nil
	}

	r, err := c.backend.GetRun(ctx, pipelineID)
	if err != nil {
		return err
	}
	return faults.Wrap(faults.ErrInvalidState, component, "stop",
		fmt.Sprintf("run %s is %s", pipelineID, r.Status), nil)
}

// Get returns a run by id.
func (c *Controller) Get(ctx context.Context, pipelineID string) (*run.PipelineRun, error) {
	return c.backend.GetRun(ctx, strings.TrimSpace(pipelineID))
}

// List returns runs newest first.
func (c *Controller) List(ctx context.Context, opts store.ListOptions) ([]*run.PipelineRun, error) {
	return c.backend.ListRuns(ctx, opts)
}

// Active reports the ids of runs currently advancing.
func (c *Controller) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// WaitRun blocks until the named run's goroutine exits or ctx ends. It
// returns immediately when the run is not active.
func (c *Controller) WaitRun(ctx context.Context, pipelineID string) error {
	c.mu.Lock()
	ar, ok := c.active[pipelineID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every in-flight run goroutine has returned or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, cancels in-flight stages, and waits for their
// goroutines. Runs cut short stay running and are recovered on next start.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return c.Wait(ctx)
}

// RecoverInterrupted fails runs left running by a previous process and, when
// configured, resumes them.
func (c *Controller) RecoverInterrupted(ctx context.Context) ([]string, error) {
	ids, err := c.backend.ResetInterrupted(ctx, run.InterruptedReason)
	if err != nil {
		return nil, fmt.Errorf("reset interrupted runs: %w", err)
	}
	for _, id := range ids {
		c.metrics.RecordTransition(string(run.StatusFailed))
		if r, err := c.backend.GetRun(ctx, id); err == nil {
			c.events.Publish(events.KindUpdate, r)
		}
		logging.WarnWithContext(c.logger, "interrupted run marked failed", "run_interrupted",
			logging.PipelineID(id),
			logging.String(logging.FieldErrorHint, "resume the run to continue from its checkpoint"),
			logging.String(logging.FieldImpact, "run paused until resumed"),
		)
	}
	if !c.cfg.Workflow.AutoResumeInterrupted {
		return ids, nil
	}
	for _, id := range ids {
		if err := c.Resume(ctx, id); err != nil {
			c.logger.Warn("auto-resume failed",
				logging.PipelineID(id),
				logging.Error(err),
			)
		}
	}
	return ids, nil
}

func (c *Controller) reserve(id string) (*activeRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, faults.Wrap(faults.ErrInvalidState, component, "schedule", "controller is shutting down", nil)
	}
	if _, busy := c.active[id]; busy {
		return nil, faults.Wrap(faults.ErrInvalidState, component, "schedule",
			fmt.Sprintf("run %s is already running", id), nil)
	}
	ar := &activeRun{done: make(chan struct{})}
	c.active[id] = ar
	return ar, nil
}

func (c *Controller) release(id string, ar *activeRun) {
	c.mu.Lock()
	if current, ok := c.active[id]; ok && current == ar {
		delete(c.active, id)
	}
	c.mu.Unlock()
	close(ar.done)
}

func (c *Controller) launch(ar *activeRun, r *run.PipelineRun, start int, previous json.RawMessage) {
	c.wg.Add(1)
	c.metrics.RunStarted()
	go func() {
		defer c.wg.Done()
		defer c.metrics.RunFinished()
		defer c.release(r.ID, ar)
		ctx := logging.WithPipelineID(c.baseCtx, r.ID)
		c.advance(ctx, ar, r, start, previous)
	}()
}

func (c *Controller) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := c.notifier.Publish(ctx, event, payload); err != nil {
		c.logger.Debug("notification failed",
			logging.String("event", string(event)),
			logging.Error(err),
		)
	}
}
