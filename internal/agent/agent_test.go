package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/agent"
	"agentcrew/internal/faults"
	"agentcrew/internal/run"
	"agentcrew/internal/stage"
	"agentcrew/internal/testsupport"
)

func TestClientExecute(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer crew-token", r.Header.Get("Authorization"))
		assert.Equal(t, "p1", r.Header.Get("X-Pipeline-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"output":{"script":"hello"},"costUsd":0.42}`))
	}))
	defer srv.Close()

	card := agent.Card{ID: "script-writer", Model: "claude-sonnet"}
	c := agent.NewClient(card, srv.URL+"/agents/script-writer/execute", "crew-token", srv.Client(), nil)
	out, err := c.Execute(context.Background(), stage.Request{
		PipelineID: "p1",
		Stage:      "script-writer",
		StageIndex: 2,
		Capability: "write-script",
		Input:      run.Input{Topic: "rust vs go"},
		Previous:   json.RawMessage(`{"brief":"x"}`),
		Attempt:    1,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"script":"hello"}`, string(out.Payload))
	assert.InDelta(t, 0.42, out.CostUSD, 1e-9)
	assert.Equal(t, "script-writer", got["stage"])
	assert.Equal(t, "claude-sonnet", got["model"])
	assert.Equal(t, map[string]any{"topic": "rust vs go"}, got["input"])
}

func TestClientClassifiesFailures(t *testing.T) {
	tests := []struct {
		status int
		marker error
	}{
		{http.StatusInternalServerError, faults.ErrTransient},
		{http.StatusBadGateway, faults.ErrTransient},
		{http.StatusTooManyRequests, faults.ErrTransient},
		{http.StatusRequestTimeout, faults.ErrTimeout},
		{http.StatusBadRequest, faults.ErrFatal},
		{http.StatusUnprocessableEntity, faults.ErrFatal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"agent said no"}`))
			}))
			defer srv.Close()
			c := agent.NewClient(agent.Card{ID: "a"}, srv.URL, "", srv.Client(), nil)
			_, err := c.Execute(context.Background(), stage.Request{Stage: "harvester"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.marker), "got %v", err)
			assert.Contains(t, err.Error(), "agent said no")
		})
	}
}

func TestClientTimeoutAndMalformedBody(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	c := agent.NewClient(agent.Card{ID: "a"}, slow.URL, "", slow.Client(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, stage.Request{Stage: "harvester"})
	assert.True(t, errors.Is(err, faults.ErrTimeout), "got %v", err)
	assert.True(t, faults.IsRetryable(err))

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer garbage.Close()
	c = agent.NewClient(agent.Card{ID: "a"}, garbage.URL, "", garbage.Client(), nil)
	_, err = c.Execute(context.Background(), stage.Request{Stage: "harvester"})
	assert.True(t, errors.Is(err, faults.ErrFatal), "got %v", err)
}

func TestClientHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/agents/publisher/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := agent.NewClient(agent.Card{ID: "publisher"}, srv.URL+"/agents/publisher/execute", "", srv.Client(), nil)
	assert.Equal(t, srv.URL+"/agents/publisher/health", c.HealthURL())
	assert.True(t, c.HealthCheck(context.Background()).Ready)

	bad := agent.NewClient(agent.Card{ID: "x"}, srv.URL+"/agents/x/execute", "", srv.Client(), nil)
	h := bad.HealthCheck(context.Background())
	assert.False(t, h.Ready)
	assert.Contains(t, h.Detail, "404")
}

func TestCatalogResolveAndVerify(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cat := agent.NewCatalog(cfg, nil, nil)
	reg := stage.Default()
	require.NoError(t, cat.Verify(reg))

	card, handler, ok := cat.Resolve("tts")
	require.True(t, ok)
	assert.Equal(t, "voice-producer", card.ID)
	assert.Equal(t, cfg.Crew.DefaultModel, card.Model)
	assert.NotNil(t, handler)
	assert.Len(t, cat.Cards(), 7)

	cfg.Agents = cfg.Agents[:6]
	err := agent.NewCatalog(cfg, nil, nil).Verify(reg)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
	assert.Contains(t, err.Error(), "publisher")
}

func TestStaticCatalog(t *testing.T) {
	stub := testsupport.NewStubAgent(0.1)
	cat := agent.NewStaticCatalog(map[string]stage.Handler{"harvest": stub})
	_, h, ok := cat.Resolve("harvest")
	require.True(t, ok)
	assert.Same(t, stub, h)
	_, _, ok = cat.Resolve("publish")
	assert.False(t, ok)
	assert.Error(t, cat.Verify(stage.Default()))
}
