package run

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a pipeline run.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPausedCost Status = "paused_cost"
)

// OperatorStopReason is the error message recorded when an operator stops a run.
const OperatorStopReason = "stopped by operator"

// InterruptedReason is the error message recorded for runs found running after a restart.
const InterruptedReason = "interrupted by daemon restart"

var allStatuses = []Status{
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusPausedCost,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

type statusTransition struct {
	from Status
	to   Status
}

var allowedTransitions = map[statusTransition]struct{}{
	{from: StatusRunning, to: StatusRunning}:    {},
	{from: StatusRunning, to: StatusCompleted}:  {},
	{from: StatusRunning, to: StatusFailed}:     {},
	{from: StatusRunning, to: StatusPausedCost}: {},
	{from: StatusFailed, to: StatusRunning}:     {},
	{from: StatusPausedCost, to: StatusRunning}: {},
}

// AllStatuses returns every known run status in display order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus normalizes a raw value into a known Status.
func ParseStatus(value string) (Status, bool) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := statusSet[status]; !ok {
		return "", false
	}
	return status, true
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	_, ok := allowedTransitions[statusTransition{from: from, to: to}]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// IsResumable reports whether resume may restart a run in this status.
func (s Status) IsResumable() bool {
	return s == StatusFailed || s == StatusPausedCost
}

// InputKind distinguishes the two accepted trigger payloads.
type InputKind string

const (
	InputTopic    InputKind = "topic"
	InputVideoURL InputKind = "video_url"
)

// Input is the trigger payload. Exactly one field is set on a valid input.
type Input struct {
	Topic    string `json:"topic,omitempty"`
	VideoURL string `json:"videoUrl,omitempty"`
}

// Kind reports which variant is populated. An empty result means the input
// is malformed (none or both set).
func (i Input) Kind() InputKind {
	hasTopic := strings.TrimSpace(i.Topic) != ""
	hasURL := strings.TrimSpace(i.VideoURL) != ""
	switch {
	case hasTopic && !hasURL:
		return InputTopic
	case hasURL && !hasTopic:
		return InputVideoURL
	default:
		return ""
	}
}

// Value returns the populated variant's value.
func (i Input) Value() string {
	switch i.Kind() {
	case InputTopic:
		return strings.TrimSpace(i.Topic)
	case InputVideoURL:
		return strings.TrimSpace(i.VideoURL)
	default:
		return ""
	}
}

// StageStatus is the outcome of a single stage execution.
type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageResult is the record of one stage execution inside a run.
type StageResult struct {
	Name       string          `json:"name"`
	Index      int             `json:"index"`
	Status     StageStatus     `json:"status"`
	CostUSD    float64         `json:"costUsd"`
	DurationMs int64           `json:"durationMs"`
	Output     json.RawMessage `json:"output,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Error      string          `json:"error,omitempty"`
	AgentID    string          `json:"agentId,omitempty"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Succeeded reports whether the stage produced a completed result.
func (r StageResult) Succeeded() bool {
	return r.Status == StageCompleted
}

// StageAttempt captures a single try of a stage, successful or not.
type StageAttempt struct {
	PipelineID string
	StageIndex int
	StageName  string
	Attempt    int
	CostUSD    float64
	DurationMs int64
	Error      string
	StartedAt  time.Time
}

// PipelineRun is a single end-to-end execution of the stage sequence.
type PipelineRun struct {
	ID           string        `json:"id"`
	Input        Input         `json:"input"`
	Status       Status        `json:"status"`
	Stages       []StageResult `json:"stages"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	MaxCostUSD   float64       `json:"maxCostUsd,omitempty"`
	DryRun       bool          `json:"dryRun,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

// SpentUSD sums the cost of every recorded stage, including a failed tail.
func (r *PipelineRun) SpentUSD() float64 {
	if r == nil {
		return 0
	}
	var total float64
	for _, stage := range r.Stages {
		total += stage.CostUSD
	}
	return total
}

// TotalDurationMs sums recorded stage durations.
func (r *PipelineRun) TotalDurationMs() int64 {
	if r == nil {
		return 0
	}
	var total int64
	for _, stage := range r.Stages {
		total += stage.DurationMs
	}
	return total
}

// CompletedCount returns the number of completed stage results.
func (r *PipelineRun) CompletedCount() int {
	if r == nil {
		return 0
	}
	count := 0
	for _, stage := range r.Stages {
		if stage.Succeeded() {
			count++
		}
	}
	return count
}

// LastCompleted returns the highest completed stage result.
func (r *PipelineRun) LastCompleted() (StageResult, bool) {
	if r == nil {
		return StageResult{}, false
	}
	for i := len(r.Stages) - 1; i >= 0; i-- {
		if r.Stages[i].Succeeded() {
			return r.Stages[i], true
		}
	}
	return StageResult{}, false
}

// FailedStage returns the name of a failed tail stage, if any.
func (r *PipelineRun) FailedStage() string {
	if r == nil || len(r.Stages) == 0 {
		return ""
	}
	tail := r.Stages[len(r.Stages)-1]
	if tail.Status == StageFailed {
		return tail.Name
	}
	return ""
}

// TrimFailedTail drops a failed tail entry so the index can be re-executed.
func (r *PipelineRun) TrimFailedTail() {
	if r == nil || len(r.Stages) == 0 {
		return
	}
	if r.Stages[len(r.Stages)-1].Status == StageFailed {
		r.Stages = r.Stages[:len(r.Stages)-1]
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *PipelineRun) Clone() *PipelineRun {
	if r == nil {
		return nil
	}
	out := *r
	if r.Stages != nil {
		out.Stages = make([]StageResult, len(r.Stages))
		for i, stage := range r.Stages {
			if stage.Output != nil {
				stage.Output = append(json.RawMessage(nil), stage.Output...)
			}
			out.Stages[i] = stage
		}
	}
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}

// Checkpoint is the durable resume marker for a run: the highest stage index
// whose output is fully persisted.
type Checkpoint struct {
	PipelineID      string          `json:"pipelineId"`
	StageIndex      int             `json:"stageIndex"`
	StageName       string          `json:"stageName"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RegistryVersion int             `json:"registryVersion,omitempty"`
	CheckpointedAt  time.Time       `json:"checkpointedAt"`
}
