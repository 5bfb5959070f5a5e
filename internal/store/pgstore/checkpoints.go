package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agentcrew/internal/faults"
	"agentcrew/internal/run"
	"agentcrew/internal/store"
)

func (s *Store) SaveCheckpoint(ctx context.Context, cp run.Checkpoint) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return upsertCheckpoint(ctx, tx, cp)
	})
}

func (s *Store) CommitStage(ctx context.Context, cp run.Checkpoint, result run.StageResult) error {
	if result.Index != cp.StageIndex || result.Name != cp.StageName {
		return faults.Wrap(faults.ErrInvalidInput, "pgstore", "commit stage",
			fmt.Sprintf("result %s[%d] does not match checkpoint %s[%d]", result.Name, result.Index, cp.StageName, cp.StageIndex), nil)
	}
	result.Status = run.StageCompleted
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := upsertCheckpoint(ctx, tx, cp); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM stage_results WHERE pipeline_id = $1 AND stage_index >= $2`, cp.PipelineID, result.Index); err != nil {
			return fmt.Errorf("clear stage index: %w", err)
		}
		if err := insertResult(ctx, tx, cp.PipelineID, result); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE pipeline_runs SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), cp.PipelineID); err != nil {
			return fmt.Errorf("touch run: %w", err)
		}
		return nil
	})
}

func upsertCheckpoint(ctx context.Context, tx pgx.Tx, cp run.Checkpoint) error {
	if cp.CheckpointedAt.IsZero() {
		cp.CheckpointedAt = time.Now().UTC()
	}
	// Lock the parent run row so the first checkpoint for a pipeline also
	// serializes against concurrent writers.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM pipeline_runs WHERE id = $1 FOR UPDATE`, cp.PipelineID); err != nil {
		return fmt.Errorf("lock run: %w", err)
	}
	var stored int
	err := tx.QueryRow(ctx, `SELECT stage_index FROM checkpoints WHERE pipeline_id = $1`, cp.PipelineID).Scan(&stored)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read checkpoint: %w", err)
	case cp.StageIndex <= stored:
		return faults.Wrap(faults.ErrInvalidState, "pgstore", "save checkpoint",
			fmt.Sprintf("pipeline %s: stage index %d does not advance past %d", cp.PipelineID, cp.StageIndex, stored), store.ErrOutOfOrder)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES ($1,$2,$3,$4,$5,$6)
         ON CONFLICT (pipeline_id) DO UPDATE SET
             stage_index = EXCLUDED.stage_index,
             stage_name = EXCLUDED.stage_name,
             payload = EXCLUDED.payload,
             registry_version = EXCLUDED.registry_version,
             checkpointed_at = EXCLUDED.checkpointed_at`,
		cp.PipelineID, cp.StageIndex, cp.StageName, rawOrNil(cp.Payload), cp.RegistryVersion, cp.CheckpointedAt)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, pipelineID string) (run.Checkpoint, error) {
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE pipeline_id = $1`, pipelineID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return run.Checkpoint{}, notFound("load checkpoint", fmt.Sprintf("no checkpoint for pipeline %s", pipelineID))
		}
		return run.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]run.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+checkpointColumns+` FROM checkpoints ORDER BY checkpointed_at, pipeline_id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []run.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) RecordAttempt(ctx context.Context, a run.StageAttempt) error {
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_attempts (pipeline_id, stage_index, stage_name, attempt, cost_usd, duration_ms, error_message, started_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.PipelineID, a.StageIndex, a.StageName, a.Attempt, a.CostUSD, a.DurationMs, nullable(a.Error), a.StartedAt)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, pipelineID string) ([]run.StageAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pipeline_id, stage_index, stage_name, attempt, cost_usd, duration_ms, error_message, started_at
         FROM stage_attempts WHERE pipeline_id = $1 ORDER BY id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []run.StageAttempt
	for rows.Next() {
		var (
			a      run.StageAttempt
			errMsg *string
		)
		if err := rows.Scan(&a.PipelineID, &a.StageIndex, &a.StageName, &a.Attempt, &a.CostUSD, &a.DurationMs, &errMsg, &a.StartedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Error = deref(errMsg)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SpendSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(cost_usd), 0) FROM stage_attempts WHERE started_at >= $1`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum spend: %w", err)
	}
	return total, nil
}

func (s *Store) SpendForRun(ctx context.Context, pipelineID string) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(cost_usd), 0) FROM stage_attempts WHERE pipeline_id = $1`, pipelineID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum run spend: %w", err)
	}
	return total, nil
}

func (s *Store) ResetInterrupted(ctx context.Context, reason string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE pipeline_runs SET status = $1, error_message = $2, updated_at = $3 WHERE status = $4 RETURNING id`,
		string(run.StatusFailed), reason, time.Now().UTC(), string(run.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("reset interrupted runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect interrupted runs: %w", err)
	}
	return ids, nil
}
