package stage

import (
	"context"
	"encoding/json"

	"agentcrew/internal/run"
)

// Request is everything an agent receives to execute one stage.
type Request struct {
	PipelineID string          `json:"pipelineId"`
	Stage      string          `json:"stage"`
	StageIndex int             `json:"stageIndex"`
	Capability string          `json:"capability"`
	Input      run.Input       `json:"input"`
	Previous   json.RawMessage `json:"previous,omitempty"`
	Attempt    int             `json:"attempt"`
	DryRun     bool            `json:"dryRun,omitempty"`
}

// Output is the validated result of a stage execution.
type Output struct {
	Payload json.RawMessage `json:"output"`
	CostUSD float64         `json:"costUsd"`
}

// Handler describes the contract the controller needs from each agent.
type Handler interface {
	Execute(context.Context, Request) (Output, error)
	HealthCheck(context.Context) Health
}
