package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"coverforge/internal/lineage"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime()
			if err != nil {
				return err
			}
			runs, err := rt.index.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{r.ID, string(r.Status), formatStamp(r.StartedAt), runDuration(r), r.Source})
			}
			fmt.Fprintln(out, renderTable([]string{"Run", "Status", "Started", "Took", "Source"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft}))
			return nil
		},
	}
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	runsCmd.AddCommand(newRunsShowCommand(ctx))
	return runsCmd
}

func newRunsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the stage outcomes of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime()
			if err != nil {
				return err
			}
			id := strings.TrimSpace(args[0])
			run, err := rt.index.Run(cmd.Context(), id)
			if err != nil {
				return err
			}
			stages, err := rt.index.StageRuns(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:     %s\n", run.ID)
			fmt.Fprintf(out, "Source:  %s\n", run.Source)
			fmt.Fprintf(out, "Status:  %s\n", run.Status)
			fmt.Fprintf(out, "Started: %s\n", formatStamp(run.StartedAt))
			if run.Error != "" {
				fmt.Fprintf(out, "Error:   %s\n", run.Error)
			}
			rows := make([][]string, 0, len(stages))
			for _, s := range stages {
				rows = append(rows, []string{string(s.StageKind), string(s.Outcome), string(s.Fingerprint),
					s.Duration.Round(time.Millisecond).String(), s.Error})
			}
			fmt.Fprintln(out, renderTable([]string{"Stage", "Cache", "Fingerprint", "Took", "Error"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft}))
			return nil
		},
	}
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func runDuration(r *lineage.Run) string {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
