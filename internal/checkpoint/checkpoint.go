// Package checkpoint is the single writer of checkpoint rows.
//
// Writes for one pipeline are serialized with a keyed mutex so a stage commit
// and a concurrent save can never interleave; different pipelines never wait
// on each other. Every write must advance the stored stage index.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentcrew/internal/faults"
	"agentcrew/internal/run"
	"agentcrew/internal/store"
)

// Store guards checkpoint writes for a store.Backend.
type Store struct {
	backend store.Backend
	version int
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New wraps backend. Checkpoints are stamped with registryVersion.
func New(backend store.Backend, registryVersion int) *Store {
	return &Store{
		backend: backend,
		version: registryVersion,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*keyLock),
	}
}

func (s *Store) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Save upserts the checkpoint for pipelineID.
func (s *Store) Save(ctx context.Context, pipelineID string, stageIndex int, stageName string, payload json.RawMessage) error {
	cp, err := s.build(pipelineID, stageIndex, stageName, payload)
	if err != nil {
		return err
	}
	unlock := s.lock(cp.PipelineID)
	defer unlock()
	return s.backend.SaveCheckpoint(ctx, cp)
}

// Commit records a completed stage result and advances the checkpoint to it
// atomically. The returned checkpoint is what was written.
func (s *Store) Commit(ctx context.Context, pipelineID string, result run.StageResult) (run.Checkpoint, error) {
	cp, err := s.build(pipelineID, result.Index, result.Name, result.Output)
	if err != nil {
		return run.Checkpoint{}, err
	}
	if result.FinishedAt.IsZero() {
		result.FinishedAt = cp.CheckpointedAt
	}
	unlock := s.lock(cp.PipelineID)
	defer unlock()
	if err := s.backend.CommitStage(ctx, cp, result); err != nil {
		return run.Checkpoint{}, err
	}
	return cp, nil
}

// Load returns the checkpoint for pipelineID or a NotFound error.
func (s *Store) Load(ctx context.Context, pipelineID string) (run.Checkpoint, error) {
	return s.backend.LoadCheckpoint(ctx, strings.TrimSpace(pipelineID))
}

// ListAll returns every checkpoint ordered by checkpoint time then pipeline id.
func (s *Store) ListAll(ctx context.Context) ([]run.Checkpoint, error) {
	return s.backend.ListCheckpoints(ctx)
}

func (s *Store) build(pipelineID string, stageIndex int, stageName string, payload json.RawMessage) (run.Checkpoint, error) {
	pipelineID = strings.TrimSpace(pipelineID)
	stageName = strings.TrimSpace(stageName)
	switch {
	case pipelineID == "":
		return run.Checkpoint{}, faults.Wrap(faults.ErrInvalidInput, "checkpoint", "save", "pipeline id is required", nil)
	case stageName == "":
		return run.Checkpoint{}, faults.Wrap(faults.ErrInvalidInput, "checkpoint", "save", "stage name is required", nil)
	case stageIndex < 0:
		return run.Checkpoint{}, faults.Wrap(faults.ErrInvalidInput, "checkpoint", "save",
			fmt.Sprintf("stage index %d is negative", stageIndex), nil)
	}
	return run.Checkpoint{
		PipelineID:      pipelineID,
		StageIndex:      stageIndex,
		StageName:       stageName,
		Payload:         payload,
		RegistryVersion: s.version,
		CheckpointedAt:  s.now(),
	}, nil
}
