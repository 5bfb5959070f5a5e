package testsupport

import (
	"path/filepath"
	"testing"

	"agentcrew/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Retries back off by a millisecond so failure paths stay fast, and no
// external services are configured unless an option adds them.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Workflow.BackoffInitialMs = 1
	cfgVal.Workflow.BackoffMaxMs = 2
	cfgVal.Workflow.HealthTimeout = 1
	cfgVal.Services = nil
	cfgVal.Stages = map[string]config.StageOverride{}
	cfgVal.Notifications.NtfyTopic = ""
	cfgVal.Telemetry.OTLPEndpoint = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithBudget sets the per-run and monthly budgets.
func WithBudget(perRun, monthly float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Budget.PerRunUSD = perRun
		b.cfg.Budget.GlobalMonthlyUSD = monthly
	}
}

// WithMaxAttempts overrides the stage attempt cap.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.MaxAttempts = n
	}
}

// WithService registers an external service and makes stageName depend on it.
func WithService(stageName string, svc config.Service) ConfigOption {
	return func(b *configBuilder) {
		if svc.Kind == "" {
			svc.Kind = config.ServiceHTTP
		}
		if svc.Name == "" {
			svc.Name = svc.ID
		}
		b.cfg.Services = append(b.cfg.Services, svc)
		override := b.cfg.Stages[stageName]
		override.RequiredServices = append(override.RequiredServices, svc.ID)
		b.cfg.Stages[stageName] = override
	}
}

// WithStageCost overrides the estimated cost of one stage.
func WithStageCost(stageName string, cost float64) ConfigOption {
	return func(b *configBuilder) {
		override := b.cfg.Stages[stageName]
		override.EstimatedCostUSD = &cost
		b.cfg.Stages[stageName] = override
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
