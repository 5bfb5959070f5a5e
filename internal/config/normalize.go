package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeStore()
	c.normalizeWorkflow()
	c.normalizeLogging()
	c.normalizeNotifications()
	c.normalizeTelemetry()
	c.normalizeCrew()
	c.normalizeServices()
	c.normalizeAgents()
	c.normalizeStages()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("CREW_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeStore() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	c.Store.DatabaseURL = strings.TrimSpace(c.Store.DatabaseURL)
	if c.Store.DatabaseURL == "" {
		if value, ok := os.LookupEnv("CREW_DATABASE_URL"); ok {
			c.Store.DatabaseURL = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.StageTimeout <= 0 {
		c.Workflow.StageTimeout = defaultStageTimeoutSeconds
	}
	if c.Workflow.MaxAttempts <= 0 {
		c.Workflow.MaxAttempts = defaultMaxAttempts
	}
	if c.Workflow.BackoffInitialMs <= 0 {
		c.Workflow.BackoffInitialMs = defaultBackoffInitialMs
	}
	if c.Workflow.BackoffMaxMs <= 0 {
		c.Workflow.BackoffMaxMs = defaultBackoffMaxMs
	}
	if c.Workflow.HealthTimeout <= 0 {
		c.Workflow.HealthTimeout = defaultHealthTimeoutSeconds
	}
	if c.Workflow.ShutdownTimeout <= 0 {
		c.Workflow.ShutdownTimeout = defaultShutdownTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeTelemetry() {
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	if c.Telemetry.OTLPEndpoint == "" {
		if value, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
			c.Telemetry.OTLPEndpoint = strings.TrimSpace(value)
		}
	}
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultTelemetryServiceName
	}
}

func (c *Config) normalizeCrew() {
	c.Crew.GatewayURL = strings.TrimRight(strings.TrimSpace(c.Crew.GatewayURL), "/")
	c.Crew.DefaultModel = strings.TrimSpace(c.Crew.DefaultModel)
	if c.Crew.DefaultModel == "" {
		c.Crew.DefaultModel = defaultDefaultModel
	}
	c.Crew.Token = strings.TrimSpace(c.Crew.Token)
	if c.Crew.Token == "" {
		if value, ok := os.LookupEnv("CREW_AGENT_TOKEN"); ok {
			c.Crew.Token = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeServices() {
	for i := range c.Services {
		svc := &c.Services[i]
		svc.ID = strings.TrimSpace(svc.ID)
		svc.Name = strings.TrimSpace(svc.Name)
		if svc.Name == "" {
			svc.Name = svc.ID
		}
		svc.URL = strings.TrimSpace(svc.URL)
		svc.Kind = strings.ToLower(strings.TrimSpace(svc.Kind))
		if svc.Kind == "" {
			svc.Kind = defaultServiceKind
		}
		svc.Token = strings.TrimSpace(svc.Token)
	}
}

func (c *Config) normalizeAgents() {
	for i := range c.Agents {
		agent := &c.Agents[i]
		agent.ID = strings.TrimSpace(agent.ID)
		agent.Name = strings.TrimSpace(agent.Name)
		if agent.Name == "" {
			agent.Name = agent.ID
		}
		agent.Description = strings.TrimSpace(agent.Description)
		agent.Model = strings.TrimSpace(agent.Model)
		if agent.Model == "" {
			agent.Model = c.Crew.DefaultModel
		}
		caps := make([]string, 0, len(agent.Capabilities))
		for _, capability := range agent.Capabilities {
			if trimmed := strings.ToLower(strings.TrimSpace(capability)); trimmed != "" {
				caps = append(caps, trimmed)
			}
		}
		agent.Capabilities = caps
		agent.Endpoint = strings.TrimSpace(agent.Endpoint)
		if agent.Endpoint == "" && c.Crew.GatewayURL != "" && agent.ID != "" {
			agent.Endpoint = c.Crew.GatewayURL + "/agents/" + agent.ID + "/execute"
		}
	}
}

func (c *Config) normalizeStages() {
	if len(c.Stages) == 0 {
		return
	}
	normalized := make(map[string]StageOverride, len(c.Stages))
	for name, override := range c.Stages {
		services := make([]string, 0, len(override.RequiredServices))
		for _, id := range override.RequiredServices {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				services = append(services, trimmed)
			}
		}
		override.RequiredServices = services
		normalized[strings.ToLower(strings.TrimSpace(name))] = override
	}
	c.Stages = normalized
}
