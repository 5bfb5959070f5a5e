package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentcrew/internal/faults"
	"agentcrew/internal/run"
)

// SaveCheckpoint upserts the checkpoint row for cp.PipelineID.
func (s *SQLite) SaveCheckpoint(ctx context.Context, cp run.Checkpoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertCheckpoint(ctx, tx, cp)
	})
}

// CommitStage records a completed stage result and advances the checkpoint
// in one transaction. Any result already stored at or after the committed
// index is replaced.
func (s *SQLite) CommitStage(ctx context.Context, cp run.Checkpoint, result run.StageResult) error {
	if result.Index != cp.StageIndex || result.Name != cp.StageName {
		return faults.Wrap(faults.ErrInvalidInput, "store", "commit stage",
			fmt.Sprintf("result %s[%d] does not match checkpoint %s[%d]", result.Name, result.Index, cp.StageName, cp.StageIndex), nil)
	}
	result.Status = run.StageCompleted
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertCheckpoint(ctx, tx, cp); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stage_results WHERE pipeline_id = ? AND stage_index >= ?`, cp.PipelineID, result.Index,
		); err != nil {
			return fmt.Errorf("clear stage index: %w", err)
		}
		if err := insertResult(ctx, tx, cp.PipelineID, result); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET updated_at = ? WHERE id = ?`, formatTime(time.Now().UTC()), cp.PipelineID,
		); err != nil {
			return fmt.Errorf("touch run: %w", err)
		}
		return nil
	})
}

func upsertCheckpoint(ctx context.Context, tx *sql.Tx, cp run.Checkpoint) error {
	if cp.CheckpointedAt.IsZero() {
		cp.CheckpointedAt = time.Now().UTC()
	}
	var stored int
	err := tx.QueryRowContext(ctx, `SELECT stage_index FROM checkpoints WHERE pipeline_id = ?`, cp.PipelineID).Scan(&stored)
	switch {
	case isNoRows(err):
	case err != nil:
		return fmt.Errorf("read checkpoint: %w", err)
	case cp.StageIndex <= stored:
		return faults.Wrap(faults.ErrInvalidState, "store", "save checkpoint",
			fmt.Sprintf("pipeline %s: stage index %d does not advance past %d", cp.PipelineID, cp.StageIndex, stored), ErrOutOfOrder)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(pipeline_id) DO UPDATE SET
             stage_index = excluded.stage_index,
             stage_name = excluded.stage_name,
             payload = excluded.payload,
             registry_version = excluded.registry_version,
             checkpointed_at = excluded.checkpointed_at`,
		cp.PipelineID, cp.StageIndex, cp.StageName, nullableRaw(cp.Payload), cp.RegistryVersion, formatTime(cp.CheckpointedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint for pipelineID or a NotFound error.
func (s *SQLite) LoadCheckpoint(ctx context.Context, pipelineID string) (run.Checkpoint, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE pipeline_id = ?`, pipelineID)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if isNoRows(err) {
			return run.Checkpoint{}, faults.Wrap(faults.ErrNotFound, "store", "load checkpoint",
				fmt.Sprintf("no checkpoint for pipeline %s", pipelineID), nil)
		}
		return run.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns every checkpoint ordered by time then pipeline id.
func (s *SQLite) ListCheckpoints(ctx context.Context) ([]run.Checkpoint, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints ORDER BY checkpointed_at, pipeline_id`)
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
