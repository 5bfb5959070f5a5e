package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"agentcrew/internal/api"
)

func newInspectCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newRunsCommand(ctx),
		newShowCommand(ctx),
		newCheckpointsCommand(ctx),
		newHealthCommand(ctx),
		newAgentsCommand(ctx),
	}
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List pipeline runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				runs, err := client.Runs(cmd.Context(), statuses, limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.RunsResponse{Runs: runs})
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No pipeline runs")
					return nil
				}
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					rows = append(rows, []string{
						r.ID,
						r.Status,
						inputSummary(r.Input),
						strconv.Itoa(len(r.Stages)),
						dashIfEmpty(r.LastCompletedStage),
						formatUSD(r.TotalCostUSD),
						dashIfEmpty(r.StartedAt),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Status", "Input", "Stages", "Last Stage", "Cost", "Started"},
					rows,
					3, 5,
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (running, completed, failed, paused_cost)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs to list")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Show a pipeline run and its stage results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				view, err := client.Run(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.RunResponse{Run: view})
				}
				printRunDetail(cmd, view)
				return nil
			})
		},
	}
}

func printRunDetail(cmd *cobra.Command, view api.RunView) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader("Pipeline "+view.ID, colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Status", runStatusKind(view.Status), view.Status, colorize))
	fmt.Fprintln(out, renderStatusLine("Input", statusInfo, inputSummary(view.Input), colorize))
	fmt.Fprintln(out, renderStatusLine("Cost", statusInfo, formatUSD(view.TotalCostUSD), colorize))
	fmt.Fprintln(out, renderStatusLine("Duration", statusInfo, formatDurationMs(view.TotalDurationMs), colorize))
	if view.MaxCostUSD > 0 {
		fmt.Fprintln(out, renderStatusLine("Cost ceiling", statusInfo, formatUSD(view.MaxCostUSD), colorize))
	}
	if view.DryRun {
		fmt.Fprintln(out, renderStatusLine("Dry run", statusWarn, "yes", colorize))
	}
	if view.ErrorMessage != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, view.ErrorMessage, colorize))
	}

	if len(view.Stages) == 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "No stages executed yet")
		return
	}

	rows := make([][]string, 0, len(view.Stages))
	for _, st := range view.Stages {
		rows = append(rows, []string{
			strconv.Itoa(st.Index),
			stageTitle(st.Name),
			st.Status,
			formatUSD(st.CostUSD),
			formatDurationMs(st.DurationMs),
			strconv.Itoa(st.Attempts),
			dashIfEmpty(st.Error),
		})
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable(
		[]string{"#", "Stage", "Status", "Cost", "Duration", "Attempts", "Error"},
		rows,
		0, 3, 4, 5,
	))
}

func inputSummary(in api.Input) string {
	if in.VideoURL != "" {
		return in.VideoURL
	}
	return dashIfEmpty(in.Topic)
}

func newCheckpointsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List stored stage checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				cps, err := client.Checkpoints(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.CheckpointsResponse{Checkpoints: cps})
				}
				out := cmd.OutOrStdout()
				if len(cps) == 0 {
					fmt.Fprintln(out, "No checkpoints")
					return nil
				}
				rows := make([][]string, 0, len(cps))
				for _, cp := range cps {
					rows = append(rows, []string{
						cp.PipelineID,
						strconv.Itoa(cp.StageIndex),
						stageTitle(cp.StageName),
						cp.CheckpointedAt,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Pipeline", "#", "Stage", "Checkpointed"},
					rows,
					1,
				))
				return nil
			})
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every configured agent service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Health(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Services", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, svc := range resp.Services {
					kind := statusOK
					detail := fmt.Sprintf("%s (%dms)", svc.Status, svc.LatencyMs)
					if svc.Status != "healthy" {
						kind = statusError
						if svc.Error != "" {
							detail = svc.Status + ": " + svc.Error
						}
					}
					label := svc.Name
					if label == "" {
						label = svc.ID
					}
					fmt.Fprintln(out, renderStatusLine(label, kind, detail, colorize))
				}
				fmt.Fprintln(out)
				readyKind := statusOK
				if !resp.Ready {
					readyKind = statusError
				}
				fmt.Fprintln(out, renderStatusLine("Ready", readyKind, yesNo(resp.Ready), colorize))
				return nil
			})
		},
	}
}

func newAgentsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agent cards known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				agents, err := client.Agents(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.AgentsResponse{Agents: agents})
				}
				out := cmd.OutOrStdout()
				if len(agents) == 0 {
					fmt.Fprintln(out, "No agents registered")
					return nil
				}
				rows := make([][]string, 0, len(agents))
				for _, a := range agents {
					rows = append(rows, []string{
						a.ID,
						a.Name,
						strings.Join(a.Capabilities, ", "),
						dashIfEmpty(a.Model),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Name", "Capabilities", "Model"},
					rows,
				))
				return nil
			})
		},
	}
}
