package health_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/config"
	"agentcrew/internal/health"
	"agentcrew/internal/stage"
	"agentcrew/internal/testsupport"
)

func newAggregator(t *testing.T, opts []testsupport.ConfigOption, aggOpts ...health.Option) *health.Aggregator {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	reg, err := stage.FromConfig(cfg)
	require.NoError(t, err)
	return health.New(cfg, reg, aggOpts...)
}

func TestHTTPProbeClassification(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer slow.Close()
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	agg := newAggregator(t, []testsupport.ConfigOption{
		testsupport.WithService("voice-producer", config.Service{ID: "tts", URL: ok.URL, Token: "secret"}),
		testsupport.WithService("visual-director", config.Service{ID: "comfyui", URL: broken.URL}),
		testsupport.WithService("video-composer", config.Service{ID: "render", URL: slow.URL}),
		testsupport.WithService("publisher", config.Service{ID: "uploader", URL: closedURL}),
	})

	records := agg.CheckAll(context.Background())
	require.Len(t, records, 4)
	assert.Equal(t, "tts", records[0].ID)
	assert.Equal(t, health.StatusHealthy, records[0].Status)
	assert.Equal(t, health.StatusUnhealthy, records[1].Status)
	assert.Contains(t, records[1].Error, "model not loaded")
	assert.Equal(t, health.StatusOffline, records[2].Status)
	assert.Equal(t, health.StatusOffline, records[3].Status)
	assert.False(t, health.Ready(records))

	summary := health.Summary(records)
	assert.Equal(t, []string{"render", "uploader"}, summary[health.StatusOffline])
}

func TestIsReadyOnlyProbesRequiredServices(t *testing.T) {
	var calls atomic.Int32
	prober := health.ProberFunc(func(ctx context.Context, svc config.Service) error {
		calls.Add(1)
		if svc.ID == "comfyui" {
			return errors.New("queue full")
		}
		return nil
	})
	agg := newAggregator(t, []testsupport.ConfigOption{
		testsupport.WithService("voice-producer", config.Service{ID: "tts", URL: "http://127.0.0.1:1/health"}),
		testsupport.WithService("visual-director", config.Service{ID: "comfyui", URL: "http://127.0.0.1:1/stats"}),
	}, health.WithProber(config.ServiceHTTP, prober))

	ready, records := agg.IsReady(context.Background(), "voice-producer")
	assert.True(t, ready)
	require.Len(t, records, 1)
	assert.Equal(t, int32(1), calls.Load())

	ready, records = agg.IsReady(context.Background(), "visual-director")
	assert.False(t, ready)
	require.Len(t, records, 1)
	assert.Equal(t, health.StatusUnhealthy, records[0].Status)

	ready, records = agg.IsReady(context.Background(), "script-writer")
	assert.True(t, ready)
	assert.Empty(t, records)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProbesRunConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	prober := health.ProberFunc(func(ctx context.Context, svc config.Service) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	var opts []testsupport.ConfigOption
	for _, id := range []string{"a", "b", "c"} {
		opts = append(opts, testsupport.WithService("publisher", config.Service{ID: id, URL: "http://127.0.0.1:1/" + id}))
	}
	agg := newAggregator(t, opts, health.WithProber(config.ServiceHTTP, prober))

	records := agg.CheckAll(context.Background())
	assert.True(t, health.Ready(records))
	assert.Equal(t, int32(3), peak.Load())
}

func TestMCPProbe(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(mcpserver.NewMCPServer("tts", "0.1.0")))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	agg := newAggregator(t, []testsupport.ConfigOption{
		testsupport.WithService("voice-producer", config.Service{ID: "tts", URL: srv.URL + "/mcp", Kind: config.ServiceMCP}),
	})
	records := agg.CheckAll(context.Background())
	require.Len(t, records, 1)
	assert.Equal(t, health.StatusHealthy, records[0].Status, records[0].Error)
}

func TestUnsupportedKindIsUnhealthy(t *testing.T) {
	agg := newAggregator(t, []testsupport.ConfigOption{
		testsupport.WithService("publisher", config.Service{ID: "x", URL: "http://127.0.0.1:1", Kind: "grpc"}),
	})
	records := agg.CheckAll(context.Background())
	require.Len(t, records, 1)
	assert.Equal(t, health.StatusUnhealthy, records[0].Status)
}
