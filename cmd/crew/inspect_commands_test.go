package main

import (
	"encoding/json"
	"errors"
	"testing"

	"agentcrew/internal/api"
)

func TestRunsListsNewestRuns(t *testing.T) {
	env := setupCLITestEnv(t)
	first := triggerTopic(t, env, "First topic")
	second := triggerTopic(t, env, "Second topic")

	out, err := env.run(t, "runs", "--status", "completed")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	requireContains(t, out, first)
	requireContains(t, out, second)
	requireContains(t, out, "Second topic")

	out, err = env.run(t, "--json", "runs", "--limit", "1")
	if err != nil {
		t.Fatalf("runs --json: %v", err)
	}
	var resp api.RunsResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(resp.Runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(resp.Runs))
	}
}

func TestRunsEmptyAndInvalidStatus(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	requireContains(t, out, "No pipeline runs")

	if _, err := env.run(t, "runs", "--status", "bogus"); err == nil {
		t.Fatal("expected invalid status error")
	}
}

func TestCheckpointsListsStageCheckpoint(t *testing.T) {
	env := setupCLITestEnv(t)
	id := triggerTopic(t, env, "Checkpointed")

	out, err := env.run(t, "checkpoints")
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	requireContains(t, out, id)
	requireContains(t, out, "Publisher")
}

func TestAgentsAndHealth(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "agents")
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	requireContains(t, out, "harvest")
	requireContains(t, out, "compose-video")

	out, err = env.run(t, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	requireContains(t, out, "Ready")
	requireContains(t, out, "yes")
}

func TestShowUnknownRun(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := env.run(t, "show", "missing")
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestWrongTokenIsUnauthorized(t *testing.T) {
	env := setupCLITestEnv(t)
	cfg := *env.cfg
	cfg.Paths.APIToken = "wrong"
	writeTestConfig(t, env.configPath, &cfg)

	_, err := env.run(t, "runs")
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Status != 401 {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestConnectionRefusedIsActionable(t *testing.T) {
	env := setupCLITestEnv(t)
	addr := env.server.URL
	env.server.Close()

	_, _, err := runCLI(t, []string{"--api", addr, "--config", env.configPath, "runs"})
	if err == nil {
		t.Fatal("expected connection error")
	}
	requireContains(t, err.Error(), "crew daemon start")
}
