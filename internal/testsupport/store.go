package testsupport

import (
	"context"
	"testing"
	"time"

	"agentcrew/internal/config"
	"agentcrew/internal/run"
	"agentcrew/internal/store"
)

// MustOpenStore opens a SQLite store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.SQLite {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewRun inserts a running run for the given topic.
func NewRun(t testing.TB, backend store.Backend, id, topic string) *run.PipelineRun {
	t.Helper()

	r := &run.PipelineRun{
		ID:        id,
		Input:     run.Input{Topic: topic},
		Status:    run.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := backend.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return r
}
