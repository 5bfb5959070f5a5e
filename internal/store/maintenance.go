package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentcrew/internal/run"
)

// RecordAttempt appends one stage attempt to the audit table.
func (s *SQLite) RecordAttempt(ctx context.Context, attempt run.StageAttempt) error {
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = time.Now().UTC()
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO stage_attempts (pipeline_id, stage_index, stage_name, attempt, cost_usd, duration_ms, error_message, started_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.PipelineID, attempt.StageIndex, attempt.StageName, attempt.Attempt,
		attempt.CostUSD, attempt.DurationMs, nullableString(attempt.Error), formatTime(attempt.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns every attempt recorded for a run in execution order.
func (s *SQLite) ListAttempts(ctx context.Context, pipelineID string) ([]run.StageAttempt, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT pipeline_id, stage_index, stage_name, attempt, cost_usd, duration_ms, error_message, started_at
         FROM stage_attempts WHERE pipeline_id = ? ORDER BY id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []run.StageAttempt
	for rows.Next() {
		var (
			a          run.StageAttempt
			errMessage sql.NullString
			startedRaw string
		)
		if err := rows.Scan(&a.PipelineID, &a.StageIndex, &a.StageName, &a.Attempt, &a.CostUSD, &a.DurationMs, &errMessage, &startedRaw); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Error = errMessage.String
		a.StartedAt = parseTimeString(startedRaw)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SpendSince sums attempt costs started at or after since.
func (s *SQLite) SpendSince(ctx context.Context, since time.Time) (float64, error) {
	ctx = ensureContext(ctx)
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM stage_attempts WHERE started_at >= ?`, formatTime(since),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum spend: %w", err)
	}
	return total.Float64, nil
}

// SpendForRun sums every attempt cost recorded for pipelineID.
func (s *SQLite) SpendForRun(ctx context.Context, pipelineID string) (float64, error) {
	ctx = ensureContext(ctx)
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM stage_attempts WHERE pipeline_id = ?`, pipelineID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum run spend: %w", err)
	}
	return total.Float64, nil
}

// ResetInterrupted parks every run left running by a previous process as
// failed so it can be resumed.
func (s *SQLite) ResetInterrupted(ctx context.Context, reason string) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx, `SELECT id FROM pipeline_runs WHERE status = ? ORDER BY started_at`, string(run.StatusRunning))
		if err != nil {
			return fmt.Errorf("select interrupted runs: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan interrupted run: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate interrupted runs: %w", err)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ?, error_message = ?, updated_at = ? WHERE status = ?`,
			string(run.StatusFailed), reason, formatTime(time.Now().UTC()), string(run.StatusRunning),
		)
		if err != nil {
			return fmt.Errorf("reset interrupted runs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
