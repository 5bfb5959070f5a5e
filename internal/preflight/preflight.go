package preflight

import (
	"context"
	"strings"

	"agentcrew/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// RunAll executes all applicable preflight checks for the given config.
// The gateway check only runs when a gateway URL is configured.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))

	if cfg.Store.Driver == config.StorePostgres {
		results = append(results, CheckDatabaseURL(cfg.Store.DatabaseURL))
	}

	if strings.TrimSpace(cfg.Crew.GatewayURL) != "" {
		results = append(results, CheckAgentGateway(ctx, cfg.Crew.GatewayURL, cfg.Crew.Token))
	}

	return results
}
