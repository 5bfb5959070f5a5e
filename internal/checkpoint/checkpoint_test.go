package checkpoint_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/checkpoint"
	"agentcrew/internal/faults"
	"agentcrew/internal/run"
	"agentcrew/internal/store"
	"agentcrew/internal/testsupport"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	backend := testsupport.MustOpenStore(t, cfg)
	testsupport.NewRun(t, backend, "p1", "topic")
	cps := checkpoint.New(backend, 3)
	ctx := context.Background()

	require.NoError(t, cps.Save(ctx, "p1", 0, "harvester", json.RawMessage(`{"links":2}`)))
	cp, err := cps.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "harvester", cp.StageName)
	assert.Equal(t, 3, cp.RegistryVersion)
	assert.JSONEq(t, `{"links":2}`, string(cp.Payload))

	_, err = cps.Load(ctx, "nope")
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}

func TestSaveValidatesArguments(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cps := checkpoint.New(testsupport.MustOpenStore(t, cfg), 1)
	ctx := context.Background()

	for _, tc := range []struct {
		id    string
		index int
		name  string
	}{
		{"", 0, "harvester"},
		{"p1", 0, " "},
		{"p1", -1, "harvester"},
	} {
		err := cps.Save(ctx, tc.id, tc.index, tc.name, nil)
		assert.True(t, errors.Is(err, faults.ErrInvalidInput), "case %+v: %v", tc, err)
	}
}

func TestCommitRejectsRegression(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	backend := testsupport.MustOpenStore(t, cfg)
	testsupport.NewRun(t, backend, "p1", "topic")
	cps := checkpoint.New(backend, 1)
	ctx := context.Background()

	_, err := cps.Commit(ctx, "p1", run.StageResult{Name: "harvester", Index: 0, Output: json.RawMessage(`1`)})
	require.NoError(t, err)
	written, err := cps.Commit(ctx, "p1", run.StageResult{Name: "brain-curator", Index: 1, Output: json.RawMessage(`2`)})
	require.NoError(t, err)
	assert.Equal(t, 1, written.StageIndex)

	_, err = cps.Commit(ctx, "p1", run.StageResult{Name: "harvester", Index: 0, Output: json.RawMessage(`3`)})
	assert.True(t, errors.Is(err, store.ErrOutOfOrder))

	r, err := backend.GetRun(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, r.Stages, 2)
	assert.Equal(t, r.Stages[len(r.Stages)-1].Index, written.StageIndex)
}

func TestConcurrentPipelinesDoNotBlockEachOther(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	backend := testsupport.MustOpenStore(t, cfg)
	cps := checkpoint.New(backend, 1)
	ctx := context.Background()

	const pipelines = 5
	for i := 0; i < pipelines; i++ {
		testsupport.NewRun(t, backend, fmt.Sprintf("p%d", i), "topic")
	}

	var wg sync.WaitGroup
	errs := make(chan error, pipelines*7)
	for i := 0; i < pipelines; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for idx := 0; idx < 7; idx++ {
				if _, err := cps.Commit(ctx, id, run.StageResult{Name: fmt.Sprintf("s%d", idx), Index: idx, Output: json.RawMessage(`{}`)}); err != nil {
					errs <- err
				}
			}
		}(fmt.Sprintf("p%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected commit error: %v", err)
	}

	all, err := cps.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, pipelines)
	for _, cp := range all {
		assert.Equal(t, 6, cp.StageIndex)
	}
}

// gatedBackend parks CommitStage for one pipeline until the gate opens.
type gatedBackend struct {
	store.Backend
	held    string
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedBackend) CommitStage(ctx context.Context, cp run.Checkpoint, result run.StageResult) error {
	if cp.PipelineID == g.held {
		g.entered <- struct{}{}
		<-g.gate
	}
	return g.Backend.CommitStage(ctx, cp, result)
}

func TestHeldPipelineLockDoesNotBlockOthers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sqlite := testsupport.MustOpenStore(t, cfg)
	testsupport.NewRun(t, sqlite, "held", "topic")
	testsupport.NewRun(t, sqlite, "free", "topic")
	backend := &gatedBackend{Backend: sqlite, held: "held", entered: make(chan struct{}, 2), gate: make(chan struct{})}
	cps := checkpoint.New(backend, 1)
	ctx := context.Background()

	commit := func(id string, idx int) <-chan error {
		done := make(chan error, 1)
		go func() {
			_, err := cps.Commit(ctx, id, run.StageResult{Name: fmt.Sprintf("s%d", idx), Index: idx, Output: json.RawMessage(`{}`)})
			done <- err
		}()
		return done
	}

	heldFirst := commit("held", 0)
	select {
	case <-backend.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("held commit never reached the backend")
	}

	heldSecond := commit("held", 1)
	select {
	case err := <-commit("free", 0):
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("commit on another pipeline waited for the held lock")
	}

	select {
	case <-backend.entered:
		t.Fatal("second commit on the held pipeline entered while the lock was held")
	case err := <-heldSecond:
		t.Fatalf("second commit on the held pipeline finished early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.gate)
	require.NoError(t, <-heldFirst)
	<-backend.entered
	require.NoError(t, <-heldSecond)

	cp, err := cps.Load(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.StageIndex)
}
