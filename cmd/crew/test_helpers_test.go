package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentcrew/internal/agent"
	"agentcrew/internal/config"
	"agentcrew/internal/daemon"
	"agentcrew/internal/events"
	"agentcrew/internal/logging"
	"agentcrew/internal/pipeline"
	"agentcrew/internal/stage"
	"agentcrew/internal/testsupport"
)

const testToken = "cli-secret"

type cliTestEnv struct {
	cfg        *config.Config
	ctrl       *pipeline.Controller
	server     *httptest.Server
	gateway    *httptest.Server
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = testToken
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(gateway.Close)
	cfg.Crew.GatewayURL = gateway.URL

	backend, err := daemon.OpenStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reg, err := stage.FromConfig(cfg)
	if err != nil {
		t.Fatalf("stage registry: %v", err)
	}
	stub := testsupport.NewStubAgent(0.1)
	handlers := make(map[string]stage.Handler)
	for _, def := range reg.Definitions() {
		handlers[def.Capability] = stub
	}

	logger := logging.NewNop()
	hub := events.NewHub(logger)
	ctrl, err := pipeline.New(cfg, reg, backend, agent.NewStaticCatalog(handlers),
		pipeline.WithEvents(hub),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	d, err := daemon.New(cfg, backend, ctrl, hub, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	server := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Close(ctx)
		hub.Close()
		_ = d.Close()
	})

	configPath := filepath.Join(t.TempDir(), "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{
		cfg:        cfg,
		ctrl:       ctrl,
		server:     server,
		gateway:    gateway,
		configPath: configPath,
	}
}

// run executes the CLI against the in-process daemon.
func (e *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := runCLI(t, append([]string{"--api", e.server.URL, "--config", e.configPath}, args...))
	return stdout, err
}

func (e *cliTestEnv) waitRun(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ctrl.WaitRun(ctx, id); err != nil {
		t.Fatalf("wait run %s: %v", id, err)
	}
}

func runCLI(t *testing.T, args []string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\ndata_dir = %q\nlog_dir = %q\napi_bind = %q\napi_token = %q\n\n[crew]\ngateway_url = %q\n",
		cfg.Paths.DataDir,
		cfg.Paths.LogDir,
		cfg.Paths.APIBind,
		cfg.Paths.APIToken,
		cfg.Crew.GatewayURL,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
