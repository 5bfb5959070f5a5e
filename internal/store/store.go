package store

import (
	"context"
	"errors"
	"time"

	"agentcrew/internal/run"
)

// ErrOutOfOrder marks a checkpoint write whose stage index does not advance
// past the stored checkpoint. Returned errors also match faults.ErrInvalidState.
var ErrOutOfOrder = errors.New("checkpoint out of order")

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// ListOptions filters ListRuns.
type ListOptions struct {
	Statuses []run.Status
	Limit    int
}

// Backend is the persistence contract used by the checkpoint store and the
// pipeline controller.
type Backend interface {
	CreateRun(ctx context.Context, r *run.PipelineRun) error
	GetRun(ctx context.Context, id string) (*run.PipelineRun, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]*run.PipelineRun, error)
	// TransitionRun moves a run from one status to another. The write only
	// happens when the stored status still equals from.
	TransitionRun(ctx context.Context, id string, from, to run.Status, message string) error
	// ResumeRun moves a resumable run back to running and discards stage
	// results recorded after keepThrough.
	ResumeRun(ctx context.Context, id string, from run.Status, keepThrough int) error
	// RecordFailure stores a failed stage result and parks the run as failed.
	RecordFailure(ctx context.Context, id string, result run.StageResult, message string) error
	CommitStage(ctx context.Context, cp run.Checkpoint, result run.StageResult) error
	SaveCheckpoint(ctx context.Context, cp run.Checkpoint) error
	LoadCheckpoint(ctx context.Context, pipelineID string) (run.Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]run.Checkpoint, error)
	RecordAttempt(ctx context.Context, attempt run.StageAttempt) error
	ListAttempts(ctx context.Context, pipelineID string) ([]run.StageAttempt, error)
	// SpendSince sums the cost of every stage attempt started at or after since.
	SpendSince(ctx context.Context, since time.Time) (float64, error)
	// SpendForRun sums the cost of every attempt recorded for a run, including
	// attempts of stages whose results were discarded by ResumeRun.
	SpendForRun(ctx context.Context, pipelineID string) (float64, error)
	// ResetInterrupted fails every run still marked running and returns their ids.
	ResetInterrupted(ctx context.Context, reason string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// MonthStart returns the first instant of the UTC month containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
