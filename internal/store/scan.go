package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"agentcrew/internal/run"
)

const runColumns = "id, input_topic, input_video_url, status, error_message, max_cost_usd, dry_run, started_at, updated_at, completed_at"

const resultColumns = "pipeline_id, stage_index, stage_name, status, cost_usd, duration_ms, output, attempts, error_message, agent_id, finished_at"

const checkpointColumns = "pipeline_id, stage_index, stage_name, payload, registry_version, checkpointed_at"

type scanner interface{ Scan(dest ...any) error }

func scanRun(row scanner) (*run.PipelineRun, error) {
	var (
		r            run.PipelineRun
		topic        sql.NullString
		videoURL     sql.NullString
		status       string
		errorMessage sql.NullString
		dryRun       int64
		startedRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(&r.ID, &topic, &videoURL, &status, &errorMessage, &r.MaxCostUSD, &dryRun, &startedRaw, &updatedRaw, &completedRaw); err != nil {
		return nil, err
	}
	r.Input = run.Input{Topic: topic.String, VideoURL: videoURL.String}
	r.Status = run.Status(status)
	r.ErrorMessage = errorMessage.String
	r.DryRun = dryRun != 0
	r.StartedAt = parseTimeString(startedRaw)
	r.UpdatedAt = parseTimeString(updatedRaw)
	if completedRaw.Valid && completedRaw.String != "" {
		completed := parseTimeString(completedRaw.String)
		r.CompletedAt = &completed
	}
	r.Stages = []run.StageResult{}
	return &r, nil
}

func scanResult(row scanner) (string, run.StageResult, error) {
	var (
		pipelineID   string
		res          run.StageResult
		status       string
		output       sql.NullString
		errorMessage sql.NullString
		agentID      sql.NullString
		finishedRaw  string
	)
	if err := row.Scan(&pipelineID, &res.Index, &res.Name, &status, &res.CostUSD, &res.DurationMs, &output, &res.Attempts, &errorMessage, &agentID, &finishedRaw); err != nil {
		return "", run.StageResult{}, err
	}
	res.Status = run.StageStatus(status)
	if output.Valid && output.String != "" {
		res.Output = json.RawMessage(output.String)
	}
	res.Error = errorMessage.String
	res.AgentID = agentID.String
	res.FinishedAt = parseTimeString(finishedRaw)
	return pipelineID, res, nil
}

func scanCheckpoint(row scanner) (run.Checkpoint, error) {
	var (
		cp      run.Checkpoint
		payload sql.NullString
		cpAtRaw string
	)
	if err := row.Scan(&cp.PipelineID, &cp.StageIndex, &cp.StageName, &payload, &cp.RegistryVersion, &cpAtRaw); err != nil {
		return run.Checkpoint{}, err
	}
	if payload.Valid && payload.String != "" {
		cp.Payload = json.RawMessage(payload.String)
	}
	cp.CheckpointedAt = parseTimeString(cpAtRaw)
	return cp, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableRaw(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", value)
	return t
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
