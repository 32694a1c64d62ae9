package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"coverforge/internal/artifact"
	"coverforge/internal/stage"
)

func newStageCommand(ctx *commandContext) *cobra.Command {
	var (
		jsonOut   bool
		stageArgs *stageFlags
	)

	cmd := &cobra.Command{
		Use:   "stage <kind> <input>...",
		Short: "Run one stage over cached artifacts",
		Long: `Stage runs a single pipeline stage. For "source" the input is a song file;
for every other stage each input is "<fingerprint>" (the primary output) or
"<fingerprint>/<output>", e.g. "3fa9c01d2e/main_vocals".`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime()
			if err != nil {
				return err
			}
			kind, err := stage.ParseKind(args[0])
			if err != nil {
				return err
			}

			var h *artifact.Handle
			if kind == stage.KindSource {
				if len(args) != 2 {
					return fmt.Errorf("source takes exactly one song file")
				}
				path, params, err := resolveSource(args[1])
				if err != nil {
					return err
				}
				h, err = rt.orch.Acquire(cmd.Context(), path, params)
				if err != nil {
					return err
				}
			} else {
				inputs := make([]artifact.FileRef, 0, len(args)-1)
				for _, arg := range args[1:] {
					ref, err := resolveRef(rt.store, arg)
					if err != nil {
						return err
					}
					inputs = append(inputs, ref)
				}
				params, err := stageArgs.params(kind)
				if err != nil {
					return err
				}
				h, err = rt.orch.RunStage(cmd.Context(), kind, params, inputs...)
				if err != nil {
					return err
				}
			}

			view := newArtifactView(h)
			if jsonOut {
				return writeJSON(cmd, view)
			}
			out := cmd.OutOrStdout()
			outcome := "hit"
			if h.Fresh {
				outcome = "miss"
			}
			fmt.Fprintf(out, "%s %s (cache %s)\n", h.Meta.StageKind, h.Fingerprint, outcome)
			printArtifactFiles(out, view)
			return nil
		},
	}
	stageArgs = bindStageFlags(cmd)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the artifact as JSON")
	return cmd
}
