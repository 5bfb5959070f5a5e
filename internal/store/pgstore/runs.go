package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"agentcrew/internal/faults"
	"agentcrew/internal/run"
	"agentcrew/internal/store"
)

func (s *Store) CreateRun(ctx context.Context, r *run.PipelineRun) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return faults.Wrap(faults.ErrInvalidInput, "pgstore", "create run", "run id is required", nil)
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.StartedAt
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO pipeline_runs (`+runColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, nullable(r.Input.Topic), nullable(r.Input.VideoURL), string(r.Status), nullable(r.ErrorMessage),
		r.MaxCostUSD, r.DryRun, r.StartedAt, r.UpdatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.PipelineRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("get run", fmt.Sprintf("pipeline %s not found", id))
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	results, err := s.loadResults(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	r.Stages = append(r.Stages, results[id]...)
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, opts store.ListOptions) ([]*run.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	var args []any
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += ` WHERE status = ANY($1)`
	}
	query += ` ORDER BY started_at DESC, id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var (
		runs []*run.PipelineRun
		ids  []string
	)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
		ids = append(ids, r.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	if len(ids) == 0 {
		return runs, nil
	}
	results, err := s.loadResults(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		r.Stages = append(r.Stages, results[r.ID]...)
	}
	return runs, nil
}

func (s *Store) loadResults(ctx context.Context, ids []string) (map[string][]run.StageResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resultColumns+` FROM stage_results WHERE pipeline_id = ANY($1) ORDER BY pipeline_id, stage_index`, ids)
	if err != nil {
		return nil, fmt.Errorf("load stage results: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]run.StageResult, len(ids))
	for rows.Next() {
		pipelineID, res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		out[pipelineID] = append(out[pipelineID], res)
	}
	return out, rows.Err()
}

func (s *Store) TransitionRun(ctx context.Context, id string, from, to run.Status, message string) error {
	if !run.CanTransition(from, to) {
		return faults.Wrap(faults.ErrInvalidState, "pgstore", "transition run",
			fmt.Sprintf("transition %s -> %s is not allowed", from, to), nil)
	}
	now := time.Now().UTC()
	var completed *time.Time
	if to == run.StatusCompleted {
		completed = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, error_message = $2, updated_at = $3, completed_at = COALESCE($4, completed_at)
         WHERE id = $5 AND status = $6`,
		string(to), nullable(message), now, completed, id, string(from))
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	return checkTransition(ctx, s.pool, tag, id, from)
}

func (s *Store) ResumeRun(ctx context.Context, id string, from run.Status, keepThrough int) error {
	if !from.IsResumable() {
		return faults.Wrap(faults.ErrInvalidState, "pgstore", "resume run", fmt.Sprintf("pipeline %s is %s", id, from), nil)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE pipeline_runs SET status = $1, error_message = NULL, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(run.StatusRunning), time.Now().UTC(), id, string(from))
		if err != nil {
			return fmt.Errorf("resume run: %w", err)
		}
		if err := checkTransition(ctx, tx, tag, id, from); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM stage_results WHERE pipeline_id = $1 AND stage_index > $2`, id, keepThrough); err != nil {
			return fmt.Errorf("discard unconfirmed results: %w", err)
		}
		return nil
	})
}

func (s *Store) RecordFailure(ctx context.Context, id string, result run.StageResult, message string) error {
	result.Status = run.StageFailed
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE pipeline_runs SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
			string(run.StatusFailed), nullable(message), time.Now().UTC(), id, string(run.StatusRunning))
		if err != nil {
			return fmt.Errorf("fail run: %w", err)
		}
		if err := checkTransition(ctx, tx, tag, id, run.StatusRunning); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM stage_results WHERE pipeline_id = $1 AND stage_index >= $2`, id, result.Index); err != nil {
			return fmt.Errorf("clear failed index: %w", err)
		}
		return insertResult(ctx, tx, id, result)
	})
}

func insertResult(ctx context.Context, tx pgx.Tx, pipelineID string, result run.StageResult) error {
	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `INSERT INTO stage_results (`+resultColumns+`) VALUES (`+placeholders(1, 11)+`)`,
		pipelineID, result.Index, result.Name, string(result.Status), result.CostUSD, result.DurationMs,
		rawOrNil(result.Output), result.Attempts, nullable(result.Error), nullable(result.AgentID), result.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert stage result: %w", err)
	}
	return nil
}
