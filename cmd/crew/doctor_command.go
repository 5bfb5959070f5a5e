package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"agentcrew/internal/daemon"
	"agentcrew/internal/preflight"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check directories, the store, and the agent gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			checkCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			results := preflight.RunAll(checkCtx, cfg)
			backend, err := daemon.OpenStore(checkCtx, cfg)
			if err != nil {
				results = append(results, preflight.Result{
					Name:   fmt.Sprintf("Store (%s)", cfg.Store.Driver),
					Detail: err.Error(),
				})
			} else {
				results = append(results, preflight.CheckStore(checkCtx, cfg.Store.Driver, backend))
				_ = backend.Close()
			}

			if ctx.jsonOutput() {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Preflight", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, r := range results {
					kind := statusOK
					if !r.Passed {
						kind = statusError
					}
					fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
				}
			}

			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d of %d checks failed", len(failed), len(results))
			}
			return nil
		},
	}
}
