package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentcrew/internal/costguard"
	"agentcrew/internal/events"
	"agentcrew/internal/faults"
	"agentcrew/internal/logging"
	"agentcrew/internal/notifications"
	"agentcrew/internal/run"
	"agentcrew/internal/stage"
	"agentcrew/internal/stageexec"
)

// advance runs stages start..end in registry order. It returns when the run
// completes, fails, pauses, is stopped, or ctx is cancelled by shutdown; in
// the last case the run is left running for RecoverInterrupted.
func (c *Controller) advance(ctx context.Context, ar *activeRun, r *run.PipelineRun, start int, previous json.RawMessage) {
	logger := logging.WithContext(ctx, c.logger)
	persistCtx := context.WithoutCancel(ctx)

	for idx := start; idx < c.registry.Len(); idx++ {
		def, _ := c.registry.At(idx)
		if ctx.Err() != nil {
			logger.Info("run interrupted by shutdown", logging.Int(logging.FieldStageIndex, idx))
			return
		}
		if ar.stopRequested() {
			c.markFailed(persistCtx, r, run.OperatorStopReason, false)
			return
		}

		decision, reserved, err := c.admit(ctx, r, def)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.markFailed(persistCtx, r, err.Error(), true)
			return
		}
		if !decision.Allowed {
			c.pauseForCost(persistCtx, r, def, decision)
			return
		}

		result, err := c.runStage(ctx, r, idx, def, previous, reserved)
		reserved.release()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("stage abandoned by shutdown", logging.Stage(def.Name))
				return
			}
			c.failStage(persistCtx, r, result, err)
			return
		}

		if _, err := c.checkpoints.Commit(persistCtx, r.ID, result); err != nil {
			c.markFailed(persistCtx, r, fmt.Sprintf("commit %s: %v", def.Name, err), true)
			return
		}
		r.TrimFailedTail()
		r.Stages = append(r.Stages, result)
		r.UpdatedAt = result.FinishedAt
		c.events.Publish(events.KindUpdate, r.Clone())
		previous = result.Output
	}
	c.complete(persistCtx, r)
}

func (c *Controller) runStage(ctx context.Context, r *run.PipelineRun, idx int, def stage.Definition, previous json.RawMessage, reserved *reservation) (run.StageResult, error) {
	ctx = logging.WithStage(ctx, def.Name)
	ctx, span := c.tracer.Start(ctx, "stage "+def.Name, trace.WithAttributes(
		attribute.String("pipeline.id", r.ID),
		attribute.Int("stage.index", idx),
		attribute.String("stage.capability", def.Capability),
		attribute.Bool("pipeline.dry_run", r.DryRun),
	))
	defer span.End()
	logger := logging.WithContext(ctx, c.logger)

	result := run.StageResult{Name: def.Name, Index: idx, Status: run.StageFailed}
	card, handler, ok := c.catalog.Resolve(def.Capability)
	if !ok {
		err := faults.Wrap(faults.ErrFatal, component, "resolve agent",
			fmt.Sprintf("no agent for capability %q", def.Capability), nil)
		result.Error = err.Error()
		result.FinishedAt = c.now()
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	result.AgentID = card.ID

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int(logging.FieldStageIndex, idx),
		logging.String("agent", card.ID),
		logging.USD("estimated_cost", def.EstimatedCostUSD),
	)

	initial, maxBackoff := c.cfg.Backoff()
	notifiedDown := false
	res, err := stageexec.Run(ctx, stageexec.Options{
		Policy: stageexec.Policy{
			MaxAttempts:    c.cfg.Workflow.MaxAttempts,
			InitialBackoff: initial,
			MaxBackoff:     maxBackoff,
			Timeout:        c.cfg.StageTimeoutFor(def.Name),
			RetryTimeouts:  def.Idempotency == stage.Idempotent,
		},
		StageName: def.Name,
		Logger:    c.logger,
		Ready: func(ctx context.Context) error {
			return c.checkReady(ctx, r, def, &notifiedDown)
		},
		Attempt: func(ctx context.Context, attempt int) (stage.Output, error) {
			return handler.Execute(ctx, stage.Request{
				PipelineID: r.ID,
				Stage:      def.Name,
				StageIndex: idx,
				Capability: def.Capability,
				Input:      r.Input,
				Previous:   previous,
				Attempt:    attempt,
				DryRun:     r.DryRun,
			})
		},
		Validate: func(out stage.Output) error {
			return stage.ValidateOutput(def.Name, out)
		},
		Observe: func(rec stageexec.Record) {
			if c.recordAttempt(ctx, r.ID, idx, def.Name, rec) {
				reserved.charge(rec.Output.CostUSD)
			}
		},
	})

	result.Attempts = res.Attempts
	result.DurationMs = res.Duration.Milliseconds()
	result.CostUSD = res.CostUSD
	result.FinishedAt = c.now()
	span.SetAttributes(
		attribute.Int("stage.attempts", res.Attempts),
		attribute.Float64("stage.cost_usd", res.CostUSD),
	)
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(faults.KindOf(err)))
		return result, err
	}

	result.Status = run.StageCompleted
	result.Output = res.Output.Payload
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int(logging.FieldStageIndex, idx),
		logging.Int(logging.FieldAttempt, res.Attempts),
		logging.USD("cost", result.CostUSD),
		logging.Duration("duration", res.Duration),
	)
	return result, nil
}

func (c *Controller) checkReady(ctx context.Context, r *run.PipelineRun, def stage.Definition, notified *bool) error {
	ready, records := c.health.IsReady(ctx, def.Name)
	for _, rec := range records {
		c.metrics.RecordService(rec.ID, rec.Healthy())
	}
	if ready {
		return nil
	}

	var down []string
	for _, rec := range records {
		if rec.Healthy() {
			continue
		}
		down = append(down, fmt.Sprintf("%s %s", rec.Name, rec.Status))
		if !*notified {
			c.notify(ctx, notifications.EventServiceDown, notifications.Payload{
				"pipelineId": r.ID,
				"service":    rec.Name,
				"status":     string(rec.Status),
				"error":      rec.Error,
			})
		}
	}
	*notified = true
	return faults.Wrap(faults.ErrTransient, component, "health",
		"required services not ready: "+strings.Join(down, ", "), nil)
}

// recordAttempt persists one attempt and reports whether its cost reached the
// store.
func (c *Controller) recordAttempt(ctx context.Context, pipelineID string, idx int, name string, rec stageexec.Record) bool {
	attempt := run.StageAttempt{
		PipelineID: pipelineID,
		StageIndex: idx,
		StageName:  name,
		Attempt:    rec.Attempt,
		CostUSD:    rec.Output.CostUSD,
		DurationMs: rec.Duration.Milliseconds(),
		StartedAt:  rec.StartedAt,
	}
	outcome := string(run.StageCompleted)
	switch {
	case rec.Skipped:
		outcome = "not_ready"
		attempt.Error = rec.Err.Error()
	case rec.Err != nil:
		outcome = string(faults.KindOf(rec.Err))
		attempt.Error = rec.Err.Error()
	}
	c.metrics.RecordAttempt(name, outcome, rec.Duration, rec.Output.CostUSD)
	if err := c.backend.RecordAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		c.logger.Warn("failed to record stage attempt",
			logging.PipelineID(pipelineID),
			logging.Stage(name),
			logging.Error(err),
		)
		return false
	}
	return true
}

func (c *Controller) pauseForCost(ctx context.Context, r *run.PipelineRun, def stage.Definition, decision costguard.Decision) {
	if !c.persistTerminal(r, "pause for budget", func() error {
		return c.backend.TransitionRun(ctx, r.ID, run.StatusRunning, run.StatusPausedCost, decision.Reason)
	}) {
		return
	}
	r.Status = run.StatusPausedCost
	r.ErrorMessage = decision.Reason
	r.UpdatedAt = c.now()

	c.metrics.RecordDenial(decision.Budget)
	c.metrics.RecordTransition(string(run.StatusPausedCost))
	c.events.Publish(events.KindUpdate, r.Clone())
	c.notify(ctx, notifications.EventCostPaused, notifications.Payload{
		"pipelineId": r.ID,
		"stage":      def.Name,
		"reason":     decision.Reason,
	})
	logging.WarnWithContext(c.logger, "run paused by cost guard", "budget_pause",
		logging.PipelineID(r.ID),
		logging.Stage(def.Name),
		logging.String("budget", decision.Budget),
		logging.USD("spent", decision.SpentUSD),
		logging.USD("estimated", decision.EstimatedUSD),
		logging.USD("limit", decision.LimitUSD),
		logging.String(logging.FieldErrorHint, "raise the budget or wait for the next month, then resume"),
		logging.String(logging.FieldImpact, "no further stages start until resumed"),
	)
}

func (c *Controller) failStage(ctx context.Context, r *run.PipelineRun, result run.StageResult, stageErr error) {
	message := stageErr.Error()
	if !c.persistTerminal(r, "stage failure", func() error {
		return c.backend.RecordFailure(ctx, r.ID, result, message)
	}) {
		return
	}
	r.TrimFailedTail()
	r.Stages = append(r.Stages, result)
	r.Status = run.StatusFailed
	r.ErrorMessage = message
	r.UpdatedAt = c.now()

	details := faults.Details(stageErr)
	logging.ErrorWithContext(c.logger, "stage failed", "stage_failure",
		logging.PipelineID(r.ID),
		logging.Stage(result.Name),
		logging.Int(logging.FieldStageIndex, result.Index),
		logging.Int(logging.FieldAttempt, result.Attempts),
		logging.String(logging.FieldErrorKind, string(details.Kind)),
		logging.String(logging.FieldErrorHint, details.Hint),
		logging.Error(stageErr),
	)
	c.metrics.RecordTransition(string(run.StatusFailed))
	c.events.Publish(events.KindUpdate, r.Clone())
	c.notify(ctx, notifications.EventRunFailed, notifications.Payload{
		"pipelineId": r.ID,
		"subject":    r.Input.Value(),
		"stage":      result.Name,
		"error":      message,
	})
}

// markFailed parks a run as failed without recording a stage result.
func (c *Controller) markFailed(ctx context.Context, r *run.PipelineRun, message string, alert bool) {
	if !c.persistTerminal(r, "failure", func() error {
		return c.backend.TransitionRun(ctx, r.ID, run.StatusRunning, run.StatusFailed, message)
	}) {
		return
	}
	r.Status = run.StatusFailed
	r.ErrorMessage = message
	r.UpdatedAt = c.now()
	c.metrics.RecordTransition(string(run.StatusFailed))
	c.events.Publish(events.KindUpdate, r.Clone())

	if !alert {
		c.logger.Info("run stopped",
			logging.String(logging.FieldEventType, "run_stopped"),
			logging.PipelineID(r.ID),
			logging.Int("completed_stages", r.CompletedCount()),
		)
		return
	}
	logging.ErrorWithContext(c.logger, "run failed", "run_failure",
		logging.PipelineID(r.ID),
		logging.String("error_message", message),
	)
	c.notify(ctx, notifications.EventRunFailed, notifications.Payload{
		"pipelineId": r.ID,
		"subject":    r.Input.Value(),
		"error":      message,
	})
}

func (c *Controller) complete(ctx context.Context, r *run.PipelineRun) {
	if !c.persistTerminal(r, "completion", func() error {
		return c.backend.TransitionRun(ctx, r.ID, run.StatusRunning, run.StatusCompleted, "")
	}) {
		return
	}
	now := c.now()
	r.Status = run.StatusCompleted
	r.ErrorMessage = ""
	r.UpdatedAt = now
	r.CompletedAt = &now
	elapsed := now.Sub(r.StartedAt).Round(time.Second)

	c.metrics.RecordTransition(string(run.StatusCompleted))
	c.events.Publish(events.KindUpdate, r.Clone())
	c.notify(ctx, notifications.EventRunCompleted, notifications.Payload{
		"pipelineId": r.ID,
		"subject":    r.Input.Value(),
		"costUsd":    r.SpentUSD(),
		"duration":   elapsed,
	})
	c.logger.Info("run completed",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.PipelineID(r.ID),
		logging.USD("cost", r.SpentUSD()),
		logging.Duration("elapsed", elapsed),
	)
}

// persistRetryDelay separates the two tries of a terminal write.
const persistRetryDelay = 100 * time.Millisecond

// persistTerminal writes a run's terminal state, trying a second time unless
// the store reports the run already moved or vanished. A write that never
// lands leaves the row running until the next daemon start recovers it.
func (c *Controller) persistTerminal(r *run.PipelineRun, what string, write func() error) bool {
	err := write()
	if err != nil && !errors.Is(err, faults.ErrInvalidState) && !errors.Is(err, faults.ErrNotFound) {
		c.logger.Warn("persist run "+what+" failed; retrying",
			logging.PipelineID(r.ID),
			logging.Error(err),
		)
		time.Sleep(persistRetryDelay)
		err = write()
	}
	if err == nil {
		return true
	}
	logging.ErrorWithContext(c.logger, "failed to persist run "+what, "persist_failure",
		logging.PipelineID(r.ID),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the store, then restart the daemon so the run is recovered and can be resumed"),
		logging.String(logging.FieldImpact, "resume and stop report the run as running until restart"),
	)
	return false
}
