package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentcrew/internal/faults"
	"agentcrew/internal/health"
	"agentcrew/internal/run"
)

func TestFromRunDerivesDashboardFields(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &run.PipelineRun{
		ID:        "p1",
		Input:     run.Input{Topic: "rust vs go"},
		Status:    run.StatusFailed,
		StartedAt: started,
		UpdatedAt: started.Add(time.Minute),
		Stages: []run.StageResult{
			{Name: "harvester", Index: 0, Status: run.StageCompleted, CostUSD: 0.1, DurationMs: 1000},
			{Name: "brain-curator", Index: 1, Status: run.StageCompleted, CostUSD: 0.2, DurationMs: 2000},
			{Name: "script-writer", Index: 2, Status: run.StageFailed, CostUSD: 0.05, DurationMs: 500, Error: "boom"},
		},
		ErrorMessage: "boom",
	}
	view := FromRun(r)
	if view.LastCompletedStage != "brain-curator" {
		t.Fatalf("expected last completed brain-curator, got %q", view.LastCompletedStage)
	}
	if view.FailedStage != "script-writer" {
		t.Fatalf("expected failed stage script-writer, got %q", view.FailedStage)
	}
	if view.TotalDurationMs != 3500 {
		t.Fatalf("expected 3500ms, got %d", view.TotalDurationMs)
	}
	if view.TotalCostUSD < 0.3499 || view.TotalCostUSD > 0.3501 {
		t.Fatalf("unexpected total cost %v", view.TotalCostUSD)
	}
	if view.StartedAt != "2026-03-01T10:00:00.000Z" {
		t.Fatalf("unexpected startedAt %q", view.StartedAt)
	}
	if view.CompletedAt != "" {
		t.Fatalf("failed run should not have completedAt, got %q", view.CompletedAt)
	}
}

func TestFromRunEmptyStagesEncodeAsArray(t *testing.T) {
	data, err := json.Marshal(FromRun(&run.PipelineRun{ID: "p", Status: run.StatusRunning}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["stages"].([]any); !ok {
		t.Fatalf("expected stages array, got %s", data)
	}
}

func TestFromHealthComputesReady(t *testing.T) {
	resp := FromHealth([]health.Record{
		{ID: "tts", Name: "TTS", Status: health.StatusHealthy},
		{ID: "comfyui", Name: "ComfyUI", Status: health.StatusOffline, Error: "dial tcp: refused"},
	}, map[string]string{"tts": "http"})
	if resp.Ready {
		t.Fatal("expected not ready with an offline service")
	}
	if resp.Services[0].Kind != "http" || resp.Services[1].Error == "" {
		t.Fatalf("unexpected services %+v", resp.Services)
	}
}

func TestBaseURLFromBind(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:7711":      "http://127.0.0.1:7711",
		":7711":               "http://127.0.0.1:7711",
		"0.0.0.0:7711":        "http://127.0.0.1:7711",
		"https://crew.local/": "https://crew.local",
		"  localhost:8080  ":  "http://localhost:8080",
	}
	for in, want := range cases {
		if got := BaseURLFromBind(in); got != want {
			t.Fatalf("BaseURLFromBind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientTriggerSendsTokenAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pipeline/trigger" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req TriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Topic != "go" || !req.DryRun {
			t.Errorf("unexpected body %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(TriggerResponse{PipelineID: "abc"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", srv.Client())
	id, err := client.Trigger(context.Background(), TriggerRequest{Topic: "go", DryRun: true})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if id != "abc" {
		t.Fatalf("expected id abc, got %q", id)
	}
}

func TestClientMapsErrorsToMarkers(t *testing.T) {
	cases := []struct {
		status int
		body   ErrorResponse
		want   error
	}{
		{http.StatusNotFound, ErrorResponse{Error: "no run", Kind: "not_found"}, faults.ErrNotFound},
		{http.StatusBadRequest, ErrorResponse{Error: "running", Kind: "invalid_state"}, faults.ErrInvalidState},
		{http.StatusConflict, ErrorResponse{Error: "mismatch"}, faults.ErrCheckpointMismatch},
		{http.StatusTooManyRequests, ErrorResponse{Error: "slow down", Kind: "rate_limited"}, faults.ErrRateLimited},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(tc.body)
		}))
		err := NewClient(srv.URL, "", srv.Client()).Resume(context.Background(), "p1")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		var apiErr *Error
		if !errors.As(err, &apiErr) || apiErr.Message != tc.body.Error {
			t.Fatalf("status %d: expected api error with message, got %v", tc.status, err)
		}
	}
}

func TestClientRunsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query()["status"]; len(got) != 2 || got[0] != "failed" || got[1] != "paused_cost" {
			t.Errorf("unexpected status filter %v", got)
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected limit %q", r.URL.Query().Get("limit"))
		}
		_ = json.NewEncoder(w).Encode(RunsResponse{Runs: []RunView{{ID: "p1", Status: "failed"}}})
	}))
	defer srv.Close()

	runs, err := NewClient(srv.URL, "", srv.Client()).Runs(context.Background(), []string{"failed", " ", "paused_cost"}, 5)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "p1" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestReadEventsDecodesRunChanges(t *testing.T) {
	stream := ":keepalive\n\n" +
		"event: insert\ndata: {\"event\":\"insert\",\"table\":\"pipeline_runs\",\"record\":{\"id\":\"p1\",\"input\":{\"topic\":\"go\"},\"status\":\"running\",\"stages\":[]}}\n\n" +
		"event: update\ndata: {\"event\":\"update\",\"table\":\"pipeline_runs\",\"record\":{\"id\":\"p1\",\"input\":{\"topic\":\"go\"},\"status\":\"completed\",\"stages\":[]}}\n\n"

	var got []RunEvent
	err := readEvents(context.Background(), strings.NewReader(stream), func(ev RunEvent) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Kind != "insert" || got[0].Table != "pipeline_runs" || got[0].Run.Status != "running" {
		t.Fatalf("unexpected first event %+v", got[0])
	}
	if got[1].Run.ID != "p1" || got[1].Run.Status != "completed" || got[1].Run.Input.Topic != "go" {
		t.Fatalf("unexpected second event %+v", got[1])
	}

	stop := errors.New("stop")
	err = readEvents(context.Background(), strings.NewReader(stream), func(RunEvent) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
}
