package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/agent"
	"agentcrew/internal/pipeline"
	"agentcrew/internal/run"
	"agentcrew/internal/stage"
	"agentcrew/internal/store"
	"agentcrew/internal/testsupport"
	"agentcrew/internal/trigger"
)

// flakyBackend fails the first N terminal transitions with a store error.
type flakyBackend struct {
	store.Backend

	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyBackend) TransitionRun(ctx context.Context, id string, from, to run.Status, message string) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.Backend.TransitionRun(ctx, id, from, to, message)
}

func newFlakyController(t *testing.T, failures int) (*pipeline.Controller, *flakyBackend) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	backend := &flakyBackend{Backend: testsupport.MustOpenStore(t, cfg), failures: failures}
	reg, err := stage.FromConfig(cfg)
	require.NoError(t, err)
	stub := testsupport.NewStubAgent(0.1)
	handlers := make(map[string]stage.Handler)
	for _, def := range reg.Definitions() {
		handlers[def.Capability] = stub
	}
	ctrl, err := pipeline.New(cfg, reg, backend, agent.NewStaticCatalog(handlers))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Close(ctx)
	})
	return ctrl, backend
}

func waitFor(t *testing.T, ctrl *pipeline.Controller, id string) *run.PipelineRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ctrl.WaitRun(ctx, id))
	r, err := ctrl.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestTerminalWriteIsRetriedOnce(t *testing.T) {
	ctrl, backend := newFlakyController(t, 1)
	id, err := ctrl.Trigger(context.Background(), trigger.Accepted{Input: run.Input{Topic: "flaky store"}})
	require.NoError(t, err)

	r := waitFor(t, ctrl, id)
	require.Equal(t, run.StatusCompleted, r.Status)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 2, backend.calls)
}

func TestTerminalWriteGivesUpAfterRetry(t *testing.T) {
	ctrl, backend := newFlakyController(t, 2)
	id, err := ctrl.Trigger(context.Background(), trigger.Accepted{Input: run.Input{Topic: "broken store"}})
	require.NoError(t, err)

	// The goroutine exits; the row stays running until a restart recovers it.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ctrl.WaitRun(ctx, id))
	stored, err := backend.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, stored.Status)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 2, backend.calls)
}
