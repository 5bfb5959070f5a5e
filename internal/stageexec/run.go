package stageexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentcrew/internal/faults"
	"agentcrew/internal/logging"
	"agentcrew/internal/stage"
)

// Policy bounds how a stage is attempted.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	// RetryTimeouts is false for stages whose side effects are unknown after
	// a timeout.
	RetryTimeouts bool
}

// Attempt performs one try of the stage.
type Attempt func(ctx context.Context, attempt int) (stage.Output, error)

// Record describes a finished attempt.
type Record struct {
	Attempt   int
	StartedAt time.Time
	Duration  time.Duration
	Output    stage.Output
	Err       error
	// Skipped is set when readiness failed and the agent was never called.
	Skipped bool
}

// Options configures Run.
type Options struct {
	Policy    Policy
	StageName string
	Logger    *slog.Logger
	// Ready gates every attempt; a non-nil error counts as a transient
	// failure of that attempt.
	Ready   func(ctx context.Context) error
	Attempt Attempt
	// Validate checks a successful output before it is accepted.
	Validate func(stage.Output) error
	Observe  func(Record)
}

// Result summarizes every attempt made by Run.
type Result struct {
	Output   stage.Output
	Attempts int
	Duration time.Duration
	// CostUSD sums the cost reported by every attempt, including failures.
	CostUSD float64
}

// Run attempts the stage until it succeeds, fails fatally, or exhausts
// Policy.MaxAttempts. Cancellation of ctx aborts immediately with ctx.Err().
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Attempt == nil {
		return Result{}, fmt.Errorf("stage attempt unavailable: %s", opts.StageName)
	}
	policy := normalize(opts.Policy)
	logger := logging.WithContext(ctx, opts.Logger)
	sleep := sleeper(ctx)

	var (
		result  Result
		lastErr error
	)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rec := runOnce(ctx, opts, policy, attempt)
		result.Attempts = attempt
		result.Duration += rec.Duration
		result.CostUSD += rec.Output.CostUSD
		if opts.Observe != nil {
			opts.Observe(rec)
		}
		if rec.Err == nil {
			result.Output = rec.Output
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		lastErr = rec.Err
		retryable := retryable(rec.Err, policy)
		attrs := []logging.Attr{
			logging.Int(logging.FieldAttempt, attempt),
			logging.String(logging.FieldErrorKind, string(faults.KindOf(rec.Err))),
			logging.Error(rec.Err),
		}
		if !retryable || attempt == policy.MaxAttempts {
			logger.Warn("stage attempt failed", logging.Args(append(attrs,
				logging.String(logging.FieldEventType, "stage_attempt_final"),
				logging.Bool("retryable", retryable))...)...)
			break
		}
		delay := Backoff(policy, attempt)
		logger.Info("stage attempt failed; retrying", logging.Args(append(attrs,
			logging.String(logging.FieldEventType, "stage_retry"),
			logging.Duration("backoff", delay))...)...)
		if err := sleep(delay); err != nil {
			return result, err
		}
	}

	if faults.IsRetryable(lastErr) && result.Attempts >= policy.MaxAttempts {
		lastErr = fmt.Errorf("%s: giving up after %d attempts: %w", opts.StageName, result.Attempts, lastErr)
	}
	return result, lastErr
}

func runOnce(ctx context.Context, opts Options, policy Policy, attempt int) Record {
	rec := Record{Attempt: attempt, StartedAt: time.Now().UTC()}

	if opts.Ready != nil {
		if err := opts.Ready(ctx); err != nil {
			rec.Skipped = true
			if !errors.Is(err, faults.ErrTransient) && !errors.Is(err, faults.ErrFatal) {
				err = faults.Wrap(faults.ErrTransient, "stageexec", "readiness", opts.StageName, err)
			}
			rec.Err = err
			rec.Duration = time.Since(rec.StartedAt)
			return rec
		}
	}

	attemptCtx := ctx
	cancel := func() {}
	if policy.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
	}
	out, err := opts.Attempt(attemptCtx, attempt)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	switch {
	case err != nil && timedOut && !errors.Is(err, faults.ErrTimeout):
		err = faults.Wrap(faults.ErrTimeout, "stageexec", "execute",
			fmt.Sprintf("%s exceeded %s", opts.StageName, policy.Timeout), err)
	case err == nil && opts.Validate != nil:
		err = opts.Validate(out)
	}
	rec.Output = out
	rec.Err = err
	rec.Duration = time.Since(rec.StartedAt)
	return rec
}

func retryable(err error, policy Policy) bool {
	if !faults.IsRetryable(err) {
		return false
	}
	if !policy.RetryTimeouts && (errors.Is(err, faults.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	return true
}

// Backoff returns the delay before attempt+1: the initial delay doubled per
// prior attempt and capped at the maximum.
func Backoff(policy Policy, attempt int) time.Duration {
	policy = normalize(policy)
	delay := policy.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.MaxBackoff {
			return policy.MaxBackoff
		}
	}
	if delay > policy.MaxBackoff {
		return policy.MaxBackoff
	}
	return delay
}

func normalize(p Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

func sleeper(ctx context.Context) func(time.Duration) error {
	return func(d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}
