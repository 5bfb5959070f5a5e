package main

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"agentcrew/internal/api"
)

func triggerTopic(t *testing.T, env *cliTestEnv, topic string) string {
	t.Helper()
	out, err := env.run(t, "--json", "trigger", "--topic", topic)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	var resp api.TriggerResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode trigger output %q: %v", out, err)
	}
	if resp.PipelineID == "" {
		t.Fatal("expected pipeline id")
	}
	env.waitRun(t, resp.PipelineID)
	return resp.PipelineID
}

func TestTriggerAndShowRun(t *testing.T) {
	env := setupCLITestEnv(t)
	id := triggerTopic(t, env, "Why Go channels block")

	out, err := env.run(t, "show", id)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	requireContains(t, out, "Pipeline "+id)
	requireContains(t, out, "completed")
	requireContains(t, out, "Brain Curator")
	requireContains(t, out, "Video Composer")
	requireContains(t, out, "$0.7000")
}

func TestTriggerWaitPrintsFinalRun(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "trigger", "--topic", "Generics in practice", "--wait", "--wait-timeout", "10s")
	if err != nil {
		t.Fatalf("trigger --wait: %v", err)
	}
	requireContains(t, out, "completed")
	requireContains(t, out, "Publisher")
}

func TestTriggerRequiresExactlyOneInput(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := env.run(t, "trigger")
	if err == nil || !strings.Contains(err.Error(), "exactly one of --topic or --url") {
		t.Fatalf("expected input error, got %v", err)
	}
	_, err = env.run(t, "trigger", "--topic", "a", "--url", "https://youtu.be/abc")
	if err == nil {
		t.Fatal("expected error when both inputs are set")
	}
}

func TestTriggerRejectsCostAboveOverride(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := env.run(t, "trigger", "--topic", "expensive", "--max-cost", "1000000")
	if err == nil {
		t.Fatal("expected cost ceiling error")
	}
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		t.Fatalf("expected HTTP 400, got %v", err)
	}
}

func TestResumeCompletedRunIsRejected(t *testing.T) {
	env := setupCLITestEnv(t)
	id := triggerTopic(t, env, "Resumable")

	_, err := env.run(t, "resume", id)
	if err == nil {
		t.Fatal("expected resume of completed run to fail")
	}
}

func TestStopUnknownRun(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := env.run(t, "stop", "does-not-exist")
	if err == nil {
		t.Fatal("expected not found error")
	}
	requireContains(t, err.Error(), "404")
}
