package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Service probe kinds.
const (
	ServiceHTTP = "http"
	ServiceMCP  = "mcp"
)

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Store selects the persistence backend for runs and checkpoints.
type Store struct {
	Driver      string `toml:"driver"`
	DatabaseURL string `toml:"database_url"`
}

// Budget contains spending limits enforced before each stage.
type Budget struct {
	PerRunUSD         float64 `toml:"per_run_usd"`
	GlobalMonthlyUSD  float64 `toml:"global_monthly_usd"`
	MaxRunOverrideUSD float64 `toml:"max_run_override_usd"`
}

// Workflow contains stage execution timing and retry policy.
type Workflow struct {
	StageTimeout          int  `toml:"stage_timeout"`
	MaxAttempts           int  `toml:"max_attempts"`
	BackoffInitialMs      int  `toml:"backoff_initial_ms"`
	BackoffMaxMs          int  `toml:"backoff_max_ms"`
	HealthTimeout         int  `toml:"health_timeout"`
	ShutdownTimeout       int  `toml:"shutdown_timeout"`
	AutoResumeInterrupted bool `toml:"auto_resume_interrupted"`
}

// Trigger contains intake limits for new runs.
type Trigger struct {
	RatePerMinute int `toml:"rate_per_minute"`
	Burst         int `toml:"burst"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	RunStarted     bool   `toml:"run_started"`
	RunCompleted   bool   `toml:"run_completed"`
	RunFailed      bool   `toml:"run_failed"`
	CostPaused     bool   `toml:"cost_paused"`
	ServiceDown    bool   `toml:"service_down"`
}

// Telemetry contains OpenTelemetry and Prometheus settings.
type Telemetry struct {
	OTLPEndpoint   string `toml:"otlp_endpoint"`
	Insecure       bool   `toml:"insecure"`
	ServiceName    string `toml:"service_name"`
	MetricsEnabled bool   `toml:"metrics_enabled"`
}

// Crew contains defaults shared by every configured agent.
type Crew struct {
	GatewayURL   string `toml:"gateway_url"`
	DefaultModel string `toml:"default_model"`
	Token        string `toml:"token"`
}

// Service is an external dependency probed by the health aggregator.
type Service struct {
	ID    string `toml:"id"`
	Name  string `toml:"name"`
	URL   string `toml:"url"`
	Kind  string `toml:"kind"`
	Token string `toml:"token"`
}

// Agent describes a remote agent bound to one or more stage capabilities.
type Agent struct {
	ID           string   `toml:"id"`
	Name         string   `toml:"name"`
	Description  string   `toml:"description"`
	Capabilities []string `toml:"capabilities"`
	Model        string   `toml:"model"`
	Endpoint     string   `toml:"endpoint"`
}

// StageOverride adjusts a registry stage without changing its order.
type StageOverride struct {
	EstimatedCostUSD *float64 `toml:"estimated_cost_usd"`
	RequiredServices []string `toml:"required_services"`
	Timeout          int      `toml:"timeout"`
}

// Config encapsulates all configuration values for agentcrew.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories and API bind address
//   - Store: sqlite (default) or postgres persistence
//   - Budget: per-run and global monthly spending limits
//   - Workflow: stage timeout, retry attempts, and backoff
//   - Trigger: intake rate limit
//   - Logging: log format, level, and retention
//   - Notifications: ntfy push notification settings
//   - Telemetry: OTLP tracing endpoint and Prometheus metrics
//   - Crew: agent gateway defaults
//   - Stages: per-stage cost and dependency overrides keyed by stage name
//   - Services: external services probed before dependent stages
//   - Agents: agent cards bound to stage capabilities
type Config struct {
	Paths         Paths                    `toml:"paths"`
	Store         Store                    `toml:"store"`
	Budget        Budget                   `toml:"budget"`
	Workflow      Workflow                 `toml:"workflow"`
	Trigger       Trigger                  `toml:"trigger"`
	Logging       Logging                  `toml:"logging"`
	Notifications Notifications            `toml:"notifications"`
	Telemetry     Telemetry                `toml:"telemetry"`
	Crew          Crew                     `toml:"crew"`
	Stages        map[string]StageOverride `toml:"stages"`
	Services      []Service                `toml:"services"`
	Agents        []Agent                  `toml:"agents"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/agentcrew/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("agentcrew.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database file used by the sqlite driver.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "crew.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "crewd.lock")
}

// StageTimeoutFor returns the execution timeout for the named stage.
func (c *Config) StageTimeoutFor(stage string) time.Duration {
	if override, ok := c.Stages[stage]; ok && override.Timeout > 0 {
		return time.Duration(override.Timeout) * time.Second
	}
	return time.Duration(c.Workflow.StageTimeout) * time.Second
}

// HealthTimeout returns the per-probe health check timeout.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Workflow.HealthTimeout) * time.Second
}

// ShutdownTimeout returns how long the daemon waits for in-flight stages.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Workflow.ShutdownTimeout) * time.Second
}

// Backoff returns the initial and maximum retry delays.
func (c *Config) Backoff() (time.Duration, time.Duration) {
	return time.Duration(c.Workflow.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Workflow.BackoffMaxMs) * time.Millisecond
}

// ServiceByID returns the configured service with the given id.
func (c *Config) ServiceByID(id string) (Service, bool) {
	for _, svc := range c.Services {
		if svc.ID == id {
			return svc, true
		}
	}
	return Service{}, false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
