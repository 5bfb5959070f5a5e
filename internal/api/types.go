package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Input mirrors the trigger union.
type Input struct {
	Topic    string `json:"topic,omitempty"`
	VideoURL string `json:"videoUrl,omitempty"`
}

// StageView is a stage result in transport form.
type StageView struct {
	Name       string          `json:"name"`
	Index      int             `json:"index"`
	Status     string          `json:"status"`
	CostUSD    float64         `json:"costUsd"`
	DurationMs int64           `json:"durationMs"`
	Output     json.RawMessage `json:"output,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Error      string          `json:"error,omitempty"`
	AgentID    string          `json:"agentId,omitempty"`
	FinishedAt string          `json:"finishedAt,omitempty"`
}

// RunView is a pipeline run with dashboard projections.
type RunView struct {
	ID                 string      `json:"id"`
	Input              Input       `json:"input"`
	Status             string      `json:"status"`
	Stages             []StageView `json:"stages"`
	ErrorMessage       string      `json:"errorMessage,omitempty"`
	MaxCostUSD         float64     `json:"maxCostUsd,omitempty"`
	DryRun             bool        `json:"dryRun,omitempty"`
	StartedAt          string      `json:"startedAt,omitempty"`
	UpdatedAt          string      `json:"updatedAt,omitempty"`
	CompletedAt        string      `json:"completedAt,omitempty"`
	TotalCostUSD       float64     `json:"totalCostUsd"`
	TotalDurationMs    int64       `json:"totalDurationMs"`
	LastCompletedStage string      `json:"lastCompletedStage,omitempty"`
	FailedStage        string      `json:"failedStage,omitempty"`
}

// CheckpointView is the checkpoint listing entry. Payloads are omitted.
type CheckpointView struct {
	PipelineID     string `json:"pipelineId"`
	StageIndex     int    `json:"stageIndex"`
	StageName      string `json:"stageName"`
	CheckpointedAt string `json:"checkpointedAt"`
}

// ServiceHealth is one probe result.
type ServiceHealth struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Agent is an agent card.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Model        string   `json:"model"`
}

// TriggerRequest starts a run. Exactly one of Topic or VideoURL is set.
type TriggerRequest struct {
	Topic      string   `json:"topic,omitempty"`
	VideoURL   string   `json:"videoUrl,omitempty"`
	MaxCostUSD *float64 `json:"maxCostUsd,omitempty"`
	DryRun     bool     `json:"dryRun,omitempty"`
}

// TriggerResponse returns the allocated pipeline id.
type TriggerResponse struct {
	PipelineID string `json:"pipelineId"`
}

// PipelineRequest names a run for resume and stop.
type PipelineRequest struct {
	PipelineID string `json:"pipelineId"`
}

// CheckpointsResponse wraps the checkpoint listing.
type CheckpointsResponse struct {
	Checkpoints []CheckpointView `json:"checkpoints"`
}

// HealthResponse wraps a full health check.
type HealthResponse struct {
	Services []ServiceHealth `json:"services"`
	Ready    bool            `json:"ready"`
}

// AgentsResponse wraps the agent catalog.
type AgentsResponse struct {
	Agents []Agent `json:"agents"`
}

// RunsResponse wraps a run listing.
type RunsResponse struct {
	Runs []RunView `json:"runs"`
}

// RunResponse wraps a single run.
type RunResponse struct {
	Run RunView `json:"run"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Hint  string `json:"hint,omitempty"`
}
