package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateBudget(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateTrigger(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateServices(); err != nil {
		return err
	}
	if err := c.validateAgents(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case StoreSQLite:
		return nil
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required when store.driver is postgres (or set CREW_DATABASE_URL)")
		}
		return nil
	default:
		return fmt.Errorf("store.driver: unsupported value %q (expected sqlite or postgres)", c.Store.Driver)
	}
}

func (c *Config) validateBudget() error {
	if c.Budget.PerRunUSD < 0 {
		return errors.New("budget.per_run_usd must be >= 0 (0 disables the limit)")
	}
	if c.Budget.GlobalMonthlyUSD < 0 {
		return errors.New("budget.global_monthly_usd must be >= 0 (0 disables the limit)")
	}
	if c.Budget.MaxRunOverrideUSD < 0 {
		return errors.New("budget.max_run_override_usd must be >= 0")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.MaxAttempts < 1 {
		return errors.New("workflow.max_attempts must be at least 1")
	}
	if c.Workflow.BackoffInitialMs > c.Workflow.BackoffMaxMs {
		return errors.New("workflow.backoff_initial_ms must not exceed workflow.backoff_max_ms")
	}
	return nil
}

func (c *Config) validateTrigger() error {
	if c.Trigger.RatePerMinute < 0 {
		return errors.New("trigger.rate_per_minute must be >= 0 (0 disables the limit)")
	}
	if c.Trigger.Burst < 0 {
		return errors.New("trigger.burst must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateServices() error {
	seen := make(map[string]struct{}, len(c.Services))
	for i, svc := range c.Services {
		if svc.ID == "" {
			return fmt.Errorf("services[%d].id must be set", i)
		}
		if _, dup := seen[svc.ID]; dup {
			return fmt.Errorf("services: duplicate id %q", svc.ID)
		}
		seen[svc.ID] = struct{}{}
		if err := validateHTTPURL(svc.URL); err != nil {
			return fmt.Errorf("services[%s].url: %w", svc.ID, err)
		}
		switch svc.Kind {
		case ServiceHTTP, ServiceMCP:
		default:
			return fmt.Errorf("services[%s].kind: unsupported value %q (expected http or mcp)", svc.ID, svc.Kind)
		}
	}
	return nil
}

func (c *Config) validateAgents() error {
	seen := make(map[string]struct{}, len(c.Agents))
	for i, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agents[%d].id must be set", i)
		}
		if _, dup := seen[agent.ID]; dup {
			return fmt.Errorf("agents: duplicate id %q", agent.ID)
		}
		seen[agent.ID] = struct{}{}
		if len(agent.Capabilities) == 0 {
			return fmt.Errorf("agents[%s].capabilities must list at least one capability", agent.ID)
		}
		if agent.Endpoint == "" {
			return fmt.Errorf("agents[%s].endpoint must be set (or configure crew.gateway_url)", agent.ID)
		}
		if err := validateHTTPURL(agent.Endpoint); err != nil {
			return fmt.Errorf("agents[%s].endpoint: %w", agent.ID, err)
		}
	}
	return nil
}

func (c *Config) validateStages() error {
	for name, override := range c.Stages {
		if name == "" {
			return errors.New("stages: empty stage name")
		}
		if override.EstimatedCostUSD != nil && *override.EstimatedCostUSD < 0 {
			return fmt.Errorf("stages.%s.estimated_cost_usd must be >= 0", name)
		}
		if override.Timeout < 0 {
			return fmt.Errorf("stages.%s.timeout must be >= 0", name)
		}
		for _, id := range override.RequiredServices {
			if _, ok := c.ServiceByID(id); !ok {
				return fmt.Errorf("stages.%s.required_services: unknown service %q", name, id)
			}
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("must be set")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("host must be set")
	}
	return nil
}
