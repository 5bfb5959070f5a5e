package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/agent"
	"agentcrew/internal/config"
	"agentcrew/internal/events"
	"agentcrew/internal/faults"
	"agentcrew/internal/notifications"
	"agentcrew/internal/pipeline"
	"agentcrew/internal/run"
	"agentcrew/internal/stage"
	"agentcrew/internal/store"
	"agentcrew/internal/testsupport"
	"agentcrew/internal/trigger"
)

type recordedEvent struct {
	kind   events.Kind
	status run.Status
	stages int
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *eventRecorder) Publish(kind events.Kind, r *run.PipelineRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{kind: kind, status: r.Status, stages: len(r.Stages)})
}

func (e *eventRecorder) snapshot() []recordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordedEvent(nil), e.events...)
}

type notifyRecorder struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *notifyRecorder) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *notifyRecorder) snapshot() []notifications.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Event(nil), n.events...)
}

type harness struct {
	cfg      *config.Config
	store    *store.SQLite
	agent    *testsupport.StubAgent
	events   *eventRecorder
	notifier *notifyRecorder
	ctrl     *pipeline.Controller
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	h := &harness{
		cfg:   cfg,
		store: testsupport.MustOpenStore(t, cfg),
		agent: testsupport.NewStubAgent(0.1),
	}
	h.ctrl = h.controller(t, cfg)
	return h
}

// controller builds a fresh controller on the harness store, as a daemon
// restart would.
func (h *harness) controller(t *testing.T, cfg *config.Config) *pipeline.Controller {
	t.Helper()
	reg, err := stage.FromConfig(cfg)
	require.NoError(t, err)

	handlers := make(map[string]stage.Handler)
	for _, def := range reg.Definitions() {
		handlers[def.Capability] = h.agent
	}
	h.events = &eventRecorder{}
	h.notifier = &notifyRecorder{}
	ctrl, err := pipeline.New(cfg, reg, h.store, agent.NewStaticCatalog(handlers),
		pipeline.WithEvents(h.events),
		pipeline.WithNotifier(h.notifier),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Close(ctx)
	})
	return ctrl
}

func (h *harness) trigger(t *testing.T, topic string) string {
	t.Helper()
	id, err := h.ctrl.Trigger(context.Background(), trigger.Accepted{Input: run.Input{Topic: topic}})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func (h *harness) wait(t *testing.T, id string) *run.PipelineRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.WaitRun(ctx, id))
	r, err := h.ctrl.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

// assertCheckpointMatches checks that the checkpoint points at the last
// completed stage of a run that is not running.
func assertCheckpointMatches(t *testing.T, h *harness, r *run.PipelineRun) {
	t.Helper()
	require.NotEqual(t, run.StatusRunning, r.Status)
	cp, err := h.ctrl.Checkpoints().Load(context.Background(), r.ID)
	if r.CompletedCount() == 0 {
		assert.ErrorIs(t, err, faults.ErrNotFound)
		return
	}
	require.NoError(t, err)
	assert.Equal(t, r.CompletedCount()-1, cp.StageIndex)
	last, ok := r.LastCompleted()
	require.True(t, ok)
	assert.Equal(t, last.Name, cp.StageName)
}

func TestTriggerRunsEveryStageInOrder(t *testing.T) {
	h := newHarness(t)
	id := h.trigger(t, "Go 1.26 release")

	r := h.wait(t, id)
	require.Equal(t, run.StatusCompleted, r.Status)
	require.NotNil(t, r.CompletedAt)
	require.Len(t, r.Stages, 7)
	for i, res := range r.Stages {
		def, _ := stage.Default().At(i)
		assert.Equal(t, def.Name, res.Name)
		assert.Equal(t, i, res.Index)
		assert.Equal(t, run.StageCompleted, res.Status)
		assert.Equal(t, 1, res.Attempts)
	}
	assert.InDelta(t, 0.7, r.SpentUSD(), 1e-9)
	assertCheckpointMatches(t, h, r)

	calls := h.agent.Calls()
	require.Len(t, calls, 7)
	assert.Nil(t, calls[0].Previous)
	var prev map[string]any
	require.NoError(t, json.Unmarshal(calls[3].Previous, &prev))
	assert.Equal(t, "script-writer", prev["stage"])
	assert.Equal(t, "Go 1.26 release", calls[6].Input.Topic)

	got := h.events.snapshot()
	require.NotEmpty(t, got)
	assert.Equal(t, events.KindInsert, got[0].kind)
	assert.Equal(t, run.StatusCompleted, got[len(got)-1].status)
	assert.Equal(t, []notifications.Event{notifications.EventRunStarted, notifications.EventRunCompleted}, h.notifier.snapshot())
}

func TestTriggerRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	for _, in := range []run.Input{{}, {Topic: "a", VideoURL: "https://example.com/v"}} {
		_, err := h.ctrl.Trigger(context.Background(), trigger.Accepted{Input: in})
		assert.ErrorIs(t, err, faults.ErrInvalidInput)
	}
	runs, err := h.ctrl.List(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDryRunIsForwardedToAgents(t *testing.T) {
	h := newHarness(t)
	id, err := h.ctrl.Trigger(context.Background(), trigger.Accepted{Input: run.Input{VideoURL: "https://youtube.com/watch?v=x"}, DryRun: true})
	require.NoError(t, err)
	r := h.wait(t, id)
	require.Equal(t, run.StatusCompleted, r.Status)
	assert.True(t, r.DryRun)
	for _, call := range h.agent.Calls() {
		assert.True(t, call.DryRun)
	}
}

func TestFatalFailureThenResume(t *testing.T) {
	h := newHarness(t)
	h.agent.Script("script-writer", testsupport.StubResult{
		Err: faults.Wrap(faults.ErrFatal, "agent", "execute", "prompt rejected", nil),
	})
	id := h.trigger(t, "fatal")

	r := h.wait(t, id)
	require.Equal(t, run.StatusFailed, r.Status)
	require.Len(t, r.Stages, 3)
	assert.Equal(t, run.StageFailed, r.Stages[2].Status)
	assert.Equal(t, "script-writer", r.FailedStage())
	assert.Contains(t, r.ErrorMessage, "prompt rejected")
	assert.Len(t, h.agent.CallsFor("script-writer"), 1, "fatal errors are not retried")
	assertCheckpointMatches(t, h, r)
	assert.Contains(t, h.notifier.snapshot(), notifications.EventRunFailed)

	require.NoError(t, h.ctrl.Resume(context.Background(), id))
	r = h.wait(t, id)
	require.Equal(t, run.StatusCompleted, r.Status)
	require.Len(t, r.Stages, 7)
	assert.Empty(t, r.ErrorMessage)
	assert.Len(t, h.agent.CallsFor("harvester"), 1, "completed stages are not re-run")
	assert.Len(t, h.agent.CallsFor("script-writer"), 2)

	attempts, err := h.store.ListAttempts(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, attempts, 8)
}

func TestTransientFailureIsRetried(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxAttempts(3))
	transient := faults.Wrap(faults.ErrTransient, "agent", "execute", "gateway 502", nil)
	h.agent.Script("voice-producer", testsupport.StubResult{Err: transient}, testsupport.StubResult{Err: transient})
	id := h.trigger(t, "retry")

	r := h.wait(t, id)
	require.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, 3, r.Stages[3].Attempts)
	calls := h.agent.CallsFor("voice-producer")
	require.Len(t, calls, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{calls[0].Attempt, calls[1].Attempt, calls[2].Attempt})
}

func TestRetriesExhaustedFailsRun(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxAttempts(2))
	transient := faults.Wrap(faults.ErrTransient, "agent", "execute", "gateway 502", nil)
	h.agent.Script("harvester", testsupport.StubResult{Err: transient}, testsupport.StubResult{Err: transient})
	id := h.trigger(t, "exhausted")

	r := h.wait(t, id)
	require.Equal(t, run.StatusFailed, r.Status)
	require.Len(t, r.Stages, 1)
	assert.Equal(t, run.StageFailed, r.Stages[0].Status)
	assert.Equal(t, 2, r.Stages[0].Attempts)
	assertCheckpointMatches(t, h, r)

	// No checkpoint: resume restarts the first stage.
	require.NoError(t, h.ctrl.Resume(context.Background(), id))
	r = h.wait(t, id)
	require.Equal(t, run.StatusCompleted, r.Status)
	assert.Len(t, h.agent.CallsFor("harvester"), 3)
}

func TestInvalidAgentOutputFailsRun(t *testing.T) {
	h := newHarness(t)
	h.agent.Script("brain-curator", testsupport.StubResult{Output: stage.Output{Payload: json.RawMessage(`{broken`)}})
	id := h.trigger(t, "bad output")

	r := h.wait(t, id)
	require.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, "brain-curator", r.FailedStage())
	assertCheckpointMatches(t, h, r)
}

func TestCostGuardPausesAndResumeContinues(t *testing.T) {
	h := newHarness(t, testsupport.WithBudget(1.0, 0))
	id := h.trigger(t, "expensive")

	r := h.wait(t, id)
	require.Equal(t, run.StatusPausedCost, r.Status)
	require.Len(t, r.Stages, 4, "visual-director estimate would exceed the budget")
	assert.Contains(t, r.ErrorMessage, "per-run budget exceeded")
	assertCheckpointMatches(t, h, r)
	assert.Empty(t, h.agent.CallsFor("visual-director"))
	assert.Contains(t, h.notifier.snapshot(), notifications.EventCostPaused)

	// Same budget: resume is accepted and pauses again before spending.
	require.NoError(t, h.ctrl.Resume(context.Background(), id))
	r = h.wait(t, id)
	require.Equal(t, run.StatusPausedCost, r.Status)
	assert.Len(t, r.Stages, 4)

	// Raised budget after a restart: the run finishes from its checkpoint.
	cfg := *h.cfg
	cfg.Budget.PerRunUSD = 10
	h.ctrl = h.controller(t, &cfg)
	require.NoError(t, h.ctrl.Resume(context.Background(), id))
	r = h.wait(t, id)
	require.Equal(t, run.StatusCompleted, r.Status)
	assert.Len(t, r.Stages, 7)
	assert.Len(t, h.agent.CallsFor("harvester"), 1)
}

func TestRunBudgetOverride(t *testing.T) {
	h := newHarness(t)
	id, err := h.ctrl.Trigger(context.Background(), trigger.Accepted{Input: run.Input{Topic: "capped"}, MaxCostUSD: 0.3})
	require.NoError(t, err)

	r := h.wait(t, id)
	require.Equal(t, run.StatusPausedCost, r.Status)
	assert.Len(t, r.Stages, 2)
}

func TestMonthlyBudgetPauses(t *testing.T) {
	h := newHarness(t, testsupport.WithBudget(0, 0.5))
	ctx := context.Background()
	testsupport.NewRun(t, h.store, "earlier", "earlier run")
	require.NoError(t, h.store.RecordAttempt(ctx, run.StageAttempt{
		PipelineID: "earlier", StageIndex: 0, StageName: "harvester", Attempt: 1, CostUSD: 0.45, StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, h.store.TransitionRun(ctx, "earlier", run.StatusRunning, run.StatusFailed, "seed"))

	id := h.trigger(t, "monthly")
	r := h.wait(t, id)
	require.Equal(t, run.StatusPausedCost, r.Status)
	assert.Len(t, r.Stages, 1)
	assert.Contains(t, r.ErrorMessage, "monthly budget exceeded")
}

func TestResumeErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.ctrl.Resume(ctx, "missing")
	assert.ErrorIs(t, err, faults.ErrNotFound)

	err = h.ctrl.Resume(ctx, "  ")
	assert.ErrorIs(t, err, faults.ErrInvalidInput)

	id := h.trigger(t, "done")
	r := h.wait(t, id)
	require.Equal(t, run.StatusCompleted, r.Status)
	err = h.ctrl.Resume(ctx, id)
	assert.ErrorIs(t, err, faults.ErrInvalidState)

	release := h.agent.Block()
	busy := h.trigger(t, "busy")
	err = h.ctrl.Resume(ctx, busy)
	assert.ErrorIs(t, err, faults.ErrInvalidState)
	release()
	h.wait(t, busy)
}

func TestResumeRejectsMismatchedCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testsupport.NewRun(t, h.store, "legacy", "legacy run")
	require.NoError(t, h.store.CommitStage(ctx,
		run.Checkpoint{PipelineID: "legacy", StageIndex: 1, StageName: "research", Payload: json.RawMessage(`{}`), RegistryVersion: 1},
		run.StageResult{Name: "research", Index: 1, Status: run.StageCompleted, Output: json.RawMessage(`{}`)},
	))
	require.NoError(t, h.store.TransitionRun(ctx, "legacy", run.StatusRunning, run.StatusFailed, "boom"))

	err := h.ctrl.Resume(ctx, "legacy")
	assert.ErrorIs(t, err, faults.ErrCheckpointMismatch)
	r, err := h.ctrl.Get(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, r.Status)
}

func TestStopParksAfterCurrentStage(t *testing.T) {
	h := newHarness(t)
	release := h.agent.Block()
	id := h.trigger(t, "stoppable")

	require.Eventually(t, func() bool { return len(h.agent.Calls()) == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, h.ctrl.Stop(context.Background(), id))
	release()

	r := h.wait(t, id)
	require.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, run.OperatorStopReason, r.ErrorMessage)
	require.Len(t, r.Stages, 1)
	assert.Equal(t, run.StageCompleted, r.Stages[0].Status)
	assertCheckpointMatches(t, h, r)

	err := h.ctrl.Stop(context.Background(), id)
	assert.ErrorIs(t, err, faults.ErrInvalidState)
	assert.ErrorIs(t, h.ctrl.Stop(context.Background(), "missing"), faults.ErrNotFound)

	require.NoError(t, h.ctrl.Resume(context.Background(), id))
	r = h.wait(t, id)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Len(t, h.agent.CallsFor("harvester"), 1)
}

func TestUnhealthyServiceBlocksStage(t *testing.T) {
	var healthy sync.Mutex
	up := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		healthy.Lock()
		defer healthy.Unlock()
		if !up {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t,
		testsupport.WithMaxAttempts(2),
		testsupport.WithService("voice-producer", config.Service{ID: "tts", Name: "TTS Server", URL: srv.URL}),
	)
	id := h.trigger(t, "needs tts")

	r := h.wait(t, id)
	require.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, "voice-producer", r.FailedStage())
	assert.Contains(t, r.ErrorMessage, "required services not ready")
	assert.Empty(t, h.agent.CallsFor("voice-producer"), "agent must not run while its services are down")
	assertCheckpointMatches(t, h, r)
	assert.Contains(t, h.notifier.snapshot(), notifications.EventServiceDown)

	healthy.Lock()
	up = true
	healthy.Unlock()
	require.NoError(t, h.ctrl.Resume(context.Background(), id))
	r = h.wait(t, id)
	assert.Equal(t, run.StatusCompleted, r.Status)
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	h := newHarness(t)
	h.agent.Script("video-composer", testsupport.StubResult{Err: faults.Wrap(faults.ErrFatal, "agent", "execute", "render crashed", nil)})

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = h.trigger(t, "topic")
	}
	failed, completed := 0, 0
	for _, id := range ids {
		r := h.wait(t, id)
		switch r.Status {
		case run.StatusFailed:
			failed++
		case run.StatusCompleted:
			completed++
		}
		assertCheckpointMatches(t, h, r)
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 4, completed)
}

func TestRecoverInterrupted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testsupport.NewRun(t, h.store, "crashed", "crashed run")
	require.NoError(t, h.store.CommitStage(ctx,
		run.Checkpoint{PipelineID: "crashed", StageIndex: 0, StageName: "harvester", Payload: json.RawMessage(`{"n":1}`), RegistryVersion: stage.Version},
		run.StageResult{Name: "harvester", Index: 0, Status: run.StageCompleted, Output: json.RawMessage(`{"n":1}`), CostUSD: 0.1},
	))

	ids, err := h.ctrl.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crashed"}, ids)
	r, err := h.ctrl.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, run.InterruptedReason, r.ErrorMessage)

	require.NoError(t, h.ctrl.Resume(ctx, "crashed"))
	r = h.wait(t, "crashed")
	require.Equal(t, run.StatusCompleted, r.Status)
	assert.Empty(t, h.agent.CallsFor("harvester"))
	assert.JSONEq(t, `{"n":1}`, string(h.agent.CallsFor("brain-curator")[0].Previous))
}

func TestCloseLeavesRunRunningForRecovery(t *testing.T) {
	h := newHarness(t)
	h.agent.Block()
	id := h.trigger(t, "shutdown")
	require.Eventually(t, func() bool { return len(h.agent.Calls()) == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Close(ctx))

	r, err := h.ctrl.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, r.Status)
	assert.Empty(t, r.Stages)

	_, err = h.ctrl.Trigger(context.Background(), trigger.Accepted{Input: run.Input{Topic: "late"}})
	assert.ErrorIs(t, err, faults.ErrInvalidState)
}

func TestNewRequiresCompleteCatalog(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	_, err := pipeline.New(cfg, stage.Default(), st, agent.NewStaticCatalog(map[string]stage.Handler{
		"harvest": testsupport.NewStubAgent(0),
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
	assert.True(t, strings.Contains(err.Error(), "publisher"))
}

func TestRealEstateCyclesPausesBeforeScriptWriter(t *testing.T) {
	h := newHarness(t, testsupport.WithBudget(5.0, 0), testsupport.WithStageCost("script-writer", 6.0))
	paid := stage.Output{Payload: json.RawMessage(`{"ok":true}`), CostUSD: 2.25}
	h.agent.Script("harvester", testsupport.StubResult{Output: paid})
	h.agent.Script("brain-curator", testsupport.StubResult{Output: paid})
	id := h.trigger(t, "real estate cycles")

	r := h.wait(t, id)
	require.Equal(t, run.StatusPausedCost, r.Status)
	require.Len(t, r.Stages, 2)
	assert.InDelta(t, 4.5, r.SpentUSD(), 1e-9)
	assert.Empty(t, h.agent.CallsFor("script-writer"))

	cp, err := h.ctrl.Checkpoints().Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.StageIndex)
	assert.Equal(t, "brain-curator", cp.StageName)

	cfg := *h.cfg
	cfg.Budget.PerRunUSD = 20
	h.ctrl = h.controller(t, &cfg)
	require.NoError(t, h.ctrl.Resume(context.Background(), id))
	r = h.wait(t, id)
	require.Equal(t, run.StatusCompleted, r.Status)
	assert.Len(t, h.agent.CallsFor("harvester"), 1)
	assert.Len(t, h.agent.CallsFor("brain-curator"), 1)
	assert.Len(t, h.agent.CallsFor("script-writer"), 1)
}

func TestVoiceProducerTimesOutThreeTimes(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxAttempts(3))
	timeout := faults.Wrap(faults.ErrTimeout, "agent", "execute", "tts render timed out", nil)
	h.agent.Script("voice-producer",
		testsupport.StubResult{Err: timeout},
		testsupport.StubResult{Err: timeout},
		testsupport.StubResult{Err: timeout},
	)
	id := h.trigger(t, "timeouts")

	r := h.wait(t, id)
	require.Equal(t, run.StatusFailed, r.Status)
	require.Len(t, r.Stages, 4)
	last := r.Stages[3]
	assert.Equal(t, 3, last.Index)
	assert.Equal(t, run.StageFailed, last.Status)
	assert.Equal(t, 3, last.Attempts)
	assert.Len(t, h.agent.CallsFor("voice-producer"), 3)

	cp, err := h.ctrl.Checkpoints().Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.StageIndex)
	assert.Equal(t, "script-writer", cp.StageName)
}

func TestFailedAttemptSpendSurvivesResume(t *testing.T) {
	h := newHarness(t, testsupport.WithBudget(1.0, 0), testsupport.WithMaxAttempts(3))
	transient := testsupport.StubResult{
		Output: stage.Output{CostUSD: 0.40},
		Err:    faults.Wrap(faults.ErrTransient, "agent", "execute", "gateway 502", nil),
	}
	h.agent.Script("harvester", transient, transient, transient, transient, transient, transient)
	id := h.trigger(t, "expensive failures")

	r := h.wait(t, id)
	require.Equal(t, run.StatusFailed, r.Status)
	assert.InDelta(t, 1.2, r.SpentUSD(), 1e-9)
	require.Len(t, h.agent.CallsFor("harvester"), 3)

	require.NoError(t, h.ctrl.Resume(context.Background(), id))
	r = h.wait(t, id)
	require.Equal(t, run.StatusPausedCost, r.Status)
	assert.Contains(t, r.ErrorMessage, "per-run budget exceeded")
	assert.Len(t, h.agent.CallsFor("harvester"), 3, "resume must not spend past the run budget")

	spent, err := h.store.SpendForRun(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, spent, 1e-9)
}

func TestConcurrentRunsShareMonthlyBudget(t *testing.T) {
	opts := []testsupport.ConfigOption{testsupport.WithBudget(0, 0.30)}
	for _, name := range stage.Default().Names() {
		opts = append(opts, testsupport.WithStageCost(name, 0.25))
	}
	h := newHarness(t, opts...)
	h.agent.Cost = 0.25
	release := h.agent.Block()
	defer release()

	first := h.trigger(t, "first")
	require.Eventually(t, func() bool { return len(h.agent.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	second := h.trigger(t, "second")
	r2 := h.wait(t, second)
	require.Equal(t, run.StatusPausedCost, r2.Status, "in-flight estimate of the first run counts against the month")
	assert.Empty(t, r2.Stages)
	assert.Contains(t, r2.ErrorMessage, "monthly budget exceeded")

	release()
	r1 := h.wait(t, first)
	require.Equal(t, run.StatusPausedCost, r1.Status)
	assert.Len(t, r1.Stages, 1)
	assert.Len(t, h.agent.Calls(), 1)

	monthly, err := h.store.SpendSince(context.Background(), store.MonthStart(time.Now()))
	require.NoError(t, err)
	assert.LessOrEqual(t, monthly, 0.30)
}
