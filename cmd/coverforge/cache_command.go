package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"coverforge/internal/fingerprint"
	"coverforge/internal/stage"
	"coverforge/internal/sweep"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the artifact cache",
	}

	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCacheListCommand(ctx))
	cacheCmd.AddCommand(newCacheVerifyCommand(ctx))
	cacheCmd.AddCommand(newCachePruneCommand(ctx))

	return cacheCmd
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show artifact cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper, err := cacheSweeper(ctx)
			if err != nil {
				return err
			}
			stats, err := sweeper.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, stats)
			}
			out := cmd.OutOrStdout()
			limit := "unlimited"
			if stats.MaxBytes > 0 {
				limit = humanBytes(stats.MaxBytes)
			}
			fmt.Fprintf(out, "Artifacts: %d\n", stats.Entries)
			fmt.Fprintf(out, "Size:      %s / %s\n", humanBytes(stats.TotalBytes), limit)
			fmt.Fprintf(out, "Disk:      %s free (%.1f%%)\n", humanBytes(int64(stats.FreeBytes)), stats.FreeRatio*100)
			if stats.StagingDirs > 0 {
				fmt.Fprintf(out, "Staging:   %d in-flight or abandoned\n", stats.StagingDirs)
			}
			perStage := make(map[stage.Kind]int)
			for _, entry := range stats.EntrySummaries {
				perStage[entry.StageKind]++
			}
			for _, kind := range stage.Kinds() {
				if n := perStage[kind]; n > 0 {
					fmt.Fprintf(out, "  %-9s %d\n", kind, n)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print statistics as JSON")
	return cmd
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	var (
		stageName string
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached artifacts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind stage.Kind
			if strings.TrimSpace(stageName) != "" {
				parsed, err := stage.ParseKind(stageName)
				if err != nil {
					return err
				}
				kind = parsed
			}
			sweeper, err := cacheSweeper(ctx)
			if err != nil {
				return err
			}
			stats, err := sweeper.Stats(cmd.Context())
			if err != nil {
				return err
			}
			entries := stats.EntrySummaries
			if kind != "" {
				filtered := entries[:0]
				for _, entry := range entries {
					if entry.StageKind == kind {
						filtered = append(filtered, entry)
					}
				}
				entries = filtered
			}
			if jsonOut {
				if entries == nil {
					entries = []sweep.EntrySummary{}
				}
				return writeJSON(cmd, entries)
			}
			printCacheEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "Only list artifacts of this stage")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print entries as JSON")
	return cmd
}

func printCacheEntries(out io.Writer, entries []sweep.EntrySummary) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "Cached artifacts: none")
		return
	}
	const stampLayout = "2006-01-02 15:04"
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		label := strings.TrimSpace(entry.PrimaryFile)
		if label == "" {
			label = filepath.Base(entry.Directory)
		}
		if entry.OutputCount > 1 {
			label = fmt.Sprintf("%s (+%d more)", label, entry.OutputCount-1)
		}
		kind := string(entry.StageKind)
		if kind == "" {
			kind = "?"
		}
		updated := "unknown"
		if !entry.ModifiedAt.IsZero() {
			updated = entry.ModifiedAt.Local().Format(stampLayout)
		}
		rows = append(rows, []string{string(entry.Fingerprint), kind, label, humanBytes(entry.SizeBytes), updated})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Fingerprint", "Stage", "Outputs", "Size", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
}

func newCacheVerifyCommand(ctx *commandContext) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every artifact and report damage",
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper, err := cacheSweeper(ctx)
			if err != nil {
				return err
			}
			checked, damaged, err := sweeper.Verify(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checked %d artifacts, %d damaged\n", checked, len(damaged))
			for _, report := range damaged {
				fmt.Fprintf(out, "  %s: %s\n", report.Fingerprint, strings.Join(report.Problems, "; "))
			}
			if len(damaged) == 0 || !remove {
				return nil
			}
			removed, err := sweeper.RemoveDamaged(cmd.Context(), damaged)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Removed %d damaged artifacts; they will be re-derived on next use\n", removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "Delete damaged artifacts")
	return cmd
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	var keep []string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict the oldest artifacts until the cache fits its budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			protected := make([]fingerprint.Fingerprint, 0, len(keep))
			for _, value := range keep {
				fp, err := fingerprint.Parse(value)
				if err != nil {
					return err
				}
				protected = append(protected, fp)
			}
			sweeper, err := cacheSweeper(ctx)
			if err != nil {
				return err
			}
			result, err := sweeper.Prune(cmd.Context(), protected...)
			out := cmd.OutOrStdout()
			if result.StagingRemoved > 0 {
				fmt.Fprintf(out, "Removed %d abandoned staging directories\n", result.StagingRemoved)
			}
			if len(result.Removed) == 0 {
				fmt.Fprintln(out, "No artifacts pruned")
			} else {
				fmt.Fprintf(out, "Pruned %d artifacts, freed %s\n", len(result.Removed), humanBytes(result.FreedBytes))
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&keep, "keep", nil, "Fingerprints that must survive the prune")
	return cmd
}

func cacheSweeper(ctx *commandContext) (*sweep.Sweeper, error) {
	rt, err := ctx.ensureRuntime()
	if err != nil {
		return nil, err
	}
	return rt.sweeper()
}
