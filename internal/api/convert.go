package api

import (
	"time"

	"agentcrew/internal/agent"
	"agentcrew/internal/health"
	"agentcrew/internal/run"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// FromRun converts a run to its API representation.
func FromRun(r *run.PipelineRun) RunView {
	if r == nil {
		return RunView{}
	}
	view := RunView{
		ID:              r.ID,
		Input:           Input{Topic: r.Input.Topic, VideoURL: r.Input.VideoURL},
		Status:          string(r.Status),
		Stages:          make([]StageView, 0, len(r.Stages)),
		ErrorMessage:    r.ErrorMessage,
		MaxCostUSD:      r.MaxCostUSD,
		DryRun:          r.DryRun,
		StartedAt:       formatTime(r.StartedAt),
		UpdatedAt:       formatTime(r.UpdatedAt),
		TotalCostUSD:    r.SpentUSD(),
		TotalDurationMs: r.TotalDurationMs(),
		FailedStage:     r.FailedStage(),
	}
	if r.CompletedAt != nil {
		view.CompletedAt = formatTime(*r.CompletedAt)
	}
	if last, ok := r.LastCompleted(); ok {
		view.LastCompletedStage = last.Name
	}
	for _, res := range r.Stages {
		view.Stages = append(view.Stages, StageView{
			Name:       res.Name,
			Index:      res.Index,
			Status:     string(res.Status),
			CostUSD:    res.CostUSD,
			DurationMs: res.DurationMs,
			Output:     res.Output,
			Attempts:   res.Attempts,
			Error:      res.Error,
			AgentID:    res.AgentID,
			FinishedAt: formatTime(res.FinishedAt),
		})
	}
	return view
}

// FromRuns converts a run listing.
func FromRuns(runs []*run.PipelineRun) []RunView {
	out := make([]RunView, 0, len(runs))
	for _, r := range runs {
		out = append(out, FromRun(r))
	}
	return out
}

// FromCheckpoints converts checkpoints, dropping payloads.
func FromCheckpoints(cps []run.Checkpoint) []CheckpointView {
	out := make([]CheckpointView, 0, len(cps))
	for _, cp := range cps {
		out = append(out, CheckpointView{
			PipelineID:     cp.PipelineID,
			StageIndex:     cp.StageIndex,
			StageName:      cp.StageName,
			CheckpointedAt: formatTime(cp.CheckpointedAt),
		})
	}
	return out
}

// FromHealth converts probe records. kinds maps service id to probe kind.
func FromHealth(records []health.Record, kinds map[string]string) HealthResponse {
	out := HealthResponse{Services: make([]ServiceHealth, 0, len(records)), Ready: health.Ready(records)}
	for _, rec := range records {
		out.Services = append(out.Services, ServiceHealth{
			ID:        rec.ID,
			Name:      rec.Name,
			Status:    string(rec.Status),
			Error:     rec.Error,
			LatencyMs: rec.LatencyMs,
			CheckedAt: formatTime(rec.CheckedAt),
			Kind:      kinds[rec.ID],
		})
	}
	return out
}

// FromCards converts agent cards. Endpoints are not exposed.
func FromCards(cards []agent.Card) []Agent {
	out := make([]Agent, 0, len(cards))
	for _, card := range cards {
		caps := card.Capabilities
		if caps == nil {
			caps = []string{}
		}
		out = append(out, Agent{
			ID:           card.ID,
			Name:         card.Name,
			Description:  card.Description,
			Capabilities: caps,
			Model:        card.Model,
		})
	}
	return out
}
