package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agentcrew/internal/api"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var pipelineID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream pipeline run changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			streamCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			err := ctx.withClient(func(client *api.Client) error {
				return client.Events(streamCtx, func(ev api.RunEvent) error {
					if pipelineID != "" && ev.Run.ID != pipelineID {
						return nil
					}
					if ctx.jsonOutput() {
						return writeJSON(cmd, ev)
					}
					detail := fmt.Sprintf("%s %s, %d stages, %s", ev.Kind, ev.Run.Status, len(ev.Run.Stages), formatUSD(ev.Run.TotalCostUSD))
					if ev.Run.LastCompletedStage != "" {
						detail += ", last " + stageTitle(ev.Run.LastCompletedStage)
					}
					if ev.Run.ErrorMessage != "" {
						detail += ": " + ev.Run.ErrorMessage
					}
					fmt.Fprintln(out, renderStatusLine(ev.Run.ID, runStatusKind(ev.Run.Status), detail, colorize))
					return nil
				})
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "Only show changes for this pipeline id")
	return cmd
}
