// Package pgstore implements store.Backend on PostgreSQL through pgxpool.
//
// It mirrors the SQLite backend table for table. Checkpoint writes lock the
// existing checkpoint row with SELECT ... FOR UPDATE so concurrent writers for
// one pipeline serialize inside the database.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentcrew/internal/faults"
	"agentcrew/internal/run"
	"agentcrew/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

const runColumns = "id, input_topic, input_video_url, status, error_message, max_cost_usd, dry_run, started_at, updated_at, completed_at"

const resultColumns = "pipeline_id, stage_index, stage_name, status, cost_usd, duration_ms, output, attempts, error_message, agent_id, finished_at"

const checkpointColumns = "pipeline_id, stage_index, stage_name, payload, registry_version, checkpointed_at"

// Store is a Postgres-backed store.Backend.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Backend = (*Store)(nil)

// Open connects to databaseURL and prepares the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(7711)`); err != nil {
			return fmt.Errorf("lock schema: %w", err)
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		var version int
		err := tx.QueryRow(ctx, `SELECT version FROM crew_schema_version LIMIT 1`).Scan(&version)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if _, err := tx.Exec(ctx, `INSERT INTO crew_schema_version (version) VALUES ($1)`, schemaVersion); err != nil {
				return fmt.Errorf("record schema version: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("read schema version: %w", err)
		case version != schemaVersion:
			return fmt.Errorf("%w: database has version %d, expected %d", store.ErrSchemaMismatch, version, schemaVersion)
		}
		return nil
	})
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(row rowScanner) (*run.PipelineRun, error) {
	var (
		r            run.PipelineRun
		topic        *string
		videoURL     *string
		status       string
		errorMessage *string
	)
	if err := row.Scan(&r.ID, &topic, &videoURL, &status, &errorMessage, &r.MaxCostUSD, &r.DryRun, &r.StartedAt, &r.UpdatedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.Input = run.Input{Topic: deref(topic), VideoURL: deref(videoURL)}
	r.Status = run.Status(status)
	r.ErrorMessage = deref(errorMessage)
	r.Stages = []run.StageResult{}
	return &r, nil
}

func scanResult(row rowScanner) (string, run.StageResult, error) {
	var (
		pipelineID   string
		res          run.StageResult
		status       string
		output       []byte
		errorMessage *string
		agentID      *string
	)
	if err := row.Scan(&pipelineID, &res.Index, &res.Name, &status, &res.CostUSD, &res.DurationMs, &output, &res.Attempts, &errorMessage, &agentID, &res.FinishedAt); err != nil {
		return "", run.StageResult{}, err
	}
	res.Status = run.StageStatus(status)
	res.Output = output
	res.Error = deref(errorMessage)
	res.AgentID = deref(agentID)
	return pipelineID, res, nil
}

func scanCheckpoint(row rowScanner) (run.Checkpoint, error) {
	var (
		cp      run.Checkpoint
		payload []byte
	)
	if err := row.Scan(&cp.PipelineID, &cp.StageIndex, &cp.StageName, &payload, &cp.RegistryVersion, &cp.CheckpointedAt); err != nil {
		return run.Checkpoint{}, err
	}
	cp.Payload = payload
	return cp, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func rawOrNil(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func notFound(op, msg string) error {
	return faults.Wrap(faults.ErrNotFound, "pgstore", op, msg, nil)
}

func placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func checkTransition(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, tag pgconn.CommandTag, id string, from run.Status) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current string
	err := q.QueryRow(ctx, `SELECT status FROM pipeline_runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("transition run", fmt.Sprintf("pipeline %s not found", id))
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	return faults.Wrap(faults.ErrInvalidState, "pgstore", "transition run",
		fmt.Sprintf("pipeline %s is %s, expected %s", id, current, from), nil)
}
