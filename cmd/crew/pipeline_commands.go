package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentcrew/internal/api"
)

func newPipelineCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newTriggerCommand(ctx),
		newResumeCommand(ctx),
		newStopCommand(ctx),
	}
}

func newTriggerCommand(ctx *commandContext) *cobra.Command {
	var topic string
	var videoURL string
	var maxCost float64
	var dryRun bool
	var wait bool
	var waitTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start a pipeline run from a topic or a video URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.TriggerRequest{
				Topic:    strings.TrimSpace(topic),
				VideoURL: strings.TrimSpace(videoURL),
				DryRun:   dryRun,
			}
			if (req.Topic == "") == (req.VideoURL == "") {
				return fmt.Errorf("exactly one of --topic or --url is required")
			}
			if cmd.Flags().Changed("max-cost") {
				req.MaxCostUSD = &maxCost
			}

			return ctx.withClient(func(client *api.Client) error {
				id, err := client.Trigger(cmd.Context(), req)
				if err != nil {
					return err
				}
				if !wait {
					if ctx.jsonOutput() {
						return writeJSON(cmd, api.TriggerResponse{PipelineID: id})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s started\n", id)
					return nil
				}
				view, err := waitForRun(cmd.Context(), client, id, waitTimeout)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, view)
				}
				printRunDetail(cmd, view)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Research topic to produce a video about")
	cmd.Flags().StringVar(&videoURL, "url", "", "Source video URL to harvest")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "Per-run cost ceiling in USD")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Ask agents to skip side effects such as uploading")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to leave the running state")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 2*time.Hour, "Maximum time to wait with --wait")
	return cmd
}

// waitForRun polls until the run is no longer running.
func waitForRun(ctx context.Context, client *api.Client, id string, timeout time.Duration) (api.RunView, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		view, err := client.Run(ctx, id)
		if err != nil {
			return api.RunView{}, err
		}
		if view.Status != "running" {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, fmt.Errorf("wait for pipeline %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <pipeline-id>",
		Short: "Resume a failed or cost-paused run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *api.Client) error {
				if err := client.Resume(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s resumed\n", id)
				return nil
			})
		},
	}
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <pipeline-id>",
		Short: "Stop a running pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *api.Client) error {
				if err := client.Stop(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s stopped\n", id)
				return nil
			})
		},
	}
}
