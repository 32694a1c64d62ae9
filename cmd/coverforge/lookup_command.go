package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"coverforge/internal/artifact"
	"coverforge/internal/fingerprint"
	"coverforge/internal/logging"
)

type artifactView struct {
	Fingerprint string          `json:"fingerprint"`
	StageKind   string          `json:"stage_kind"`
	Directory   string          `json:"directory,omitempty"`
	Upstream    []fileView      `json:"upstream"`
	Parameters  json.RawMessage `json:"parameters"`
	Outputs     []fileView      `json:"outputs"`
}

type fileView struct {
	Name   string `json:"name"`
	HashID string `json:"hash_id"`
	Path   string `json:"path,omitempty"`
}

func newArtifactView(h *artifact.Handle) artifactView {
	view := artifactView{
		Fingerprint: string(h.Fingerprint),
		StageKind:   string(h.Meta.StageKind),
		Directory:   h.Dir,
		Parameters:  h.Meta.Parameters,
	}
	for _, u := range h.Meta.Upstream {
		view.Upstream = append(view.Upstream, fileView{Name: u.Name, HashID: string(u.HashID)})
	}
	for _, out := range h.Meta.Outputs {
		path, _ := h.Path(out.Name)
		view.Outputs = append(view.Outputs, fileView{Name: out.Name, HashID: string(out.HashID), Path: path})
	}
	return view
}

func printArtifactFiles(out io.Writer, view artifactView) {
	rows := make([][]string, 0, len(view.Outputs))
	for _, f := range view.Outputs {
		rows = append(rows, []string{f.Name, f.HashID, f.Path})
	}
	fmt.Fprintln(out, renderTable([]string{"Output", "Hash", "Path"}, rows, nil))
}

func newLookupCommand(ctx *commandContext) *cobra.Command {
	var (
		jsonOut bool
		verify  bool
	)

	cmd := &cobra.Command{
		Use:   "lookup <fingerprint>",
		Short: "Show a cached artifact and its provenance",
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
			h, err := rt.orch.Lookup(fp)
			if err != nil {
				return err
			}
			if err := rt.index.Touch(cmd.Context(), fp); err != nil {
				logging.WarnWithContext(cmd.Context(), rt.logger, "lineage index not updated", "lineage_touch_failed", logging.Error(err))
			}
			view := newArtifactView(h)
			if jsonOut {
				return writeJSON(cmd, view)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Fingerprint: %s\n", view.Fingerprint)
			fmt.Fprintf(out, "Stage:       %s\n", view.StageKind)
			if view.Directory != "" {
				fmt.Fprintf(out, "Directory:   %s\n", view.Directory)
			}
			for _, u := range view.Upstream {
				fmt.Fprintf(out, "Upstream:    %s (%s)\n", u.Name, u.HashID)
			}
			fmt.Fprintf(out, "Parameters:\n%s\n", string(view.Parameters))
			printArtifactFiles(out, view)

			if verify {
				report, err := rt.store.Verify(cmd.Context(), fp)
				if err != nil {
					return err
				}
				if report.OK() {
					fmt.Fprintln(out, "Integrity:   ok")
				} else {
					for _, p := range report.Problems {
						fmt.Fprintf(out, "Integrity:   %s\n", p)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the artifact as JSON")
	cmd.Flags().BoolVar(&verify, "verify", false, "Re-hash outputs against the metadata")
	return cmd
}
