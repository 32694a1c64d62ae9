package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"coverforge/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check directories, transforms and cache health",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			fmt.Fprintln(out, renderSectionHeader("Environment", colorize))
			results := preflight.RunAll(cmd.Context(), rt.cfg)
			for _, r := range results {
				kind := statusOK
				if !r.Passed {
					kind = statusError
					if r.Name == "Cache volume" {
						kind = statusWarn
					}
				}
				fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, renderSectionHeader("Transforms", colorize))
			health := rt.registry.HealthCheck(cmd.Context())
			if len(health) == 0 {
				fmt.Fprintln(out, renderStatusLine("transforms", statusWarn, "none configured", colorize))
			}
			for _, h := range health {
				kind := statusOK
				if !h.Ready {
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine(h.Name, kind, h.Detail, colorize))
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, renderSectionHeader("Cache", colorize))
			sweeper, err := rt.sweeper()
			if err != nil {
				return err
			}
			stats, err := sweeper.Stats(cmd.Context())
			if err != nil {
				fmt.Fprintln(out, renderStatusLine("Artifacts", statusError, err.Error(), colorize))
			} else {
				kind := statusOK
				if stats.MaxBytes > 0 && stats.TotalBytes > stats.MaxBytes {
					kind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine("Artifacts", kind,
					fmt.Sprintf("%d (%s)", stats.Entries, humanBytes(stats.TotalBytes)), colorize))
			}
			hits, misses, err := rt.index.HitRate(cmd.Context())
			switch {
			case err != nil:
				fmt.Fprintln(out, renderStatusLine("Hit rate", statusWarn, err.Error(), colorize))
			case hits+misses == 0:
				fmt.Fprintln(out, renderStatusLine("Hit rate", statusInfo, "no stages recorded yet", colorize))
			default:
				rate := float64(hits) / float64(hits+misses) * 100
				fmt.Fprintln(out, renderStatusLine("Hit rate", statusInfo,
					fmt.Sprintf("%.0f%% (%d hits, %d misses)", rate, hits, misses), colorize))
			}
			fmt.Fprintln(out, renderStatusLine("Lineage index", statusInfo, rt.index.Path(), colorize))
			return nil
		},
	}
}
