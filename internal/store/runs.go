package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"agentcrew/internal/faults"
	"agentcrew/internal/run"
)

// CreateRun inserts a new run row. Stage results on r are ignored.
func (s *SQLite) CreateRun(ctx context.Context, r *run.PipelineRun) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return faults.Wrap(faults.ErrInvalidInput, "store", "create run", "run id is required", nil)
	}
	now := time.Now().UTC()
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.StartedAt
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		nullableString(r.Input.Topic),
		nullableString(r.Input.VideoURL),
		string(r.Status),
		nullableString(r.ErrorMessage),
		r.MaxCostUSD,
		boolToInt(r.DryRun),
		formatTime(r.StartedAt),
		formatTime(r.UpdatedAt),
		nullableTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run and its stage results ordered by stage index.
func (s *SQLite) GetRun(ctx context.Context, id string) (*run.PipelineRun, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, faults.Wrap(faults.ErrNotFound, "store", "get run", fmt.Sprintf("pipeline %s not found", id), nil)
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

// ListRuns returns runs newest first with their stage results.
func (s *SQLite) ListRuns(ctx context.Context, opts ListOptions) ([]*run.PipelineRun, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	args := make([]any, 0, len(opts.Statuses)+1)
	if len(opts.Statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(opts.Statuses)) + `)`
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY started_at DESC, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var (
		runs []*run.PipelineRun
		ids  []string
	)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
		ids = append(ids, r.ID)
	}
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

func (s *SQLite) loadResults(ctx context.Context, ids []string) (map[string][]run.StageResult, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM stage_results WHERE pipeline_id IN (`+makePlaceholders(len(ids))+`) ORDER BY pipeline_id, stage_index`,
		args...,
	)
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

// TransitionRun performs a compare-and-set status update.
func (s *SQLite) TransitionRun(ctx context.Context, id string, from, to run.Status, message string) error {
	if !run.CanTransition(from, to) {
		return faults.Wrap(faults.ErrInvalidState, "store", "transition run",
			fmt.Sprintf("transition %s -> %s is not allowed", from, to), nil)
	}
	now := time.Now().UTC()
	var completed any
	if to == run.StatusCompleted {
		completed = formatTime(now)
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE pipeline_runs SET status = ?, error_message = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
         WHERE id = ? AND status = ?`,
		string(to), nullableString(message), formatTime(now), completed, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	return checkTransition(ctx, s.db, res, id, from)
}

// ResumeRun moves a failed or paused run back to running and discards any
// stage results after keepThrough.
func (s *SQLite) ResumeRun(ctx context.Context, id string, from run.Status, keepThrough int) error {
	if !from.IsResumable() {
		return faults.Wrap(faults.ErrInvalidState, "store", "resume run",
			fmt.Sprintf("pipeline %s is %s", id, from), nil)
	}
	now := formatTime(time.Now().UTC())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ?, error_message = NULL, updated_at = ? WHERE id = ? AND status = ?`,
			string(run.StatusRunning), now, id, string(from),
		)
		if err != nil {
			return fmt.Errorf("resume run: %w", err)
		}
		if err := checkTransition(ctx, tx, res, id, from); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stage_results WHERE pipeline_id = ? AND stage_index > ?`, id, keepThrough,
		); err != nil {
			return fmt.Errorf("discard unconfirmed results: %w", err)
		}
		return nil
	})
}

// RecordFailure replaces any result at the failed index with result and
// parks the run as failed.
func (s *SQLite) RecordFailure(ctx context.Context, id string, result run.StageResult, message string) error {
	result.Status = run.StageFailed
	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now().UTC()
	}
	now := formatTime(time.Now().UTC())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(run.StatusFailed), nullableString(message), now, id, string(run.StatusRunning),
		)
		if err != nil {
			return fmt.Errorf("fail run: %w", err)
		}
		if err := checkTransition(ctx, tx, res, id, run.StatusRunning); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stage_results WHERE pipeline_id = ? AND stage_index >= ?`, id, result.Index,
		); err != nil {
			return fmt.Errorf("clear failed index: %w", err)
		}
		return insertResult(ctx, tx, id, result)
	})
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func checkTransition(ctx context.Context, q rowQuerier, res sql.Result, id string, from run.Status) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	var current string
	err = q.QueryRowContext(ctx, `SELECT status FROM pipeline_runs WHERE id = ?`, id).Scan(&current)
	if isNoRows(err) {
		return faults.Wrap(faults.ErrNotFound, "store", "transition run", fmt.Sprintf("pipeline %s not found", id), nil)
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	return faults.Wrap(faults.ErrInvalidState, "store", "transition run",
		fmt.Sprintf("pipeline %s is %s, expected %s", id, current, from), nil)
}

func insertResult(ctx context.Context, tx *sql.Tx, pipelineID string, result run.StageResult) error {
	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO stage_results (`+resultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pipelineID,
		result.Index,
		result.Name,
		string(result.Status),
		result.CostUSD,
		result.DurationMs,
		nullableRaw(result.Output),
		result.Attempts,
		nullableString(result.Error),
		nullableString(result.AgentID),
		formatTime(result.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert stage result: %w", err)
	}
	return nil
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}
