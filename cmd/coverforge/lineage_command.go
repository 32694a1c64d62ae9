package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"coverforge/internal/fingerprint"
	"coverforge/internal/lineage"
)

type lineageView struct {
	Artifact    *lineage.Artifact         `json:"artifact"`
	Ancestors   []*lineage.Artifact       `json:"ancestors"`
	Descendants []fingerprint.Fingerprint `json:"descendants"`
}

func newLineageCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "lineage <fingerprint>",
		Short: "Show the artifacts an artifact was derived from and feeds into",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime()
			if err != nil {
				return err
			}
			fp, err := fingerprint.Parse(args[0])
			if err != nil {
				return err
			}
			art, err := rt.index.Artifact(cmd.Context(), fp)
			if err != nil {
				return err
			}
			ancestors, err := rt.index.Ancestors(cmd.Context(), fp)
			if err != nil {
				return err
			}
			descendants, err := rt.index.Descendants(cmd.Context(), fp)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, lineageView{Artifact: art, Ancestors: ancestors, Descendants: descendants})
			}

			out := cmd.OutOrStdout()
			present, _ := rt.store.Exists(fp)
			fmt.Fprintf(out, "%s %s (cached: %s)\n", art.StageKind, art.Fingerprint, yesNo(present))
			if len(ancestors) == 0 {
				fmt.Fprintln(out, "Ancestors: none")
			} else {
				rows := make([][]string, 0, len(ancestors))
				for _, a := range ancestors {
					rows = append(rows, []string{string(a.StageKind), string(a.Fingerprint), formatOutputs(a.Outputs)})
				}
				fmt.Fprintln(out, "Ancestors:")
				fmt.Fprintln(out, renderTable([]string{"Stage", "Fingerprint", "Outputs"}, rows, nil))
			}
			if len(descendants) == 0 {
				fmt.Fprintln(out, "Descendants: none")
				return nil
			}
			fmt.Fprintln(out, "Descendants:")
			for _, d := range descendants {
				fmt.Fprintf(out, "  - %s\n", d)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print lineage as JSON")
	return cmd
}
