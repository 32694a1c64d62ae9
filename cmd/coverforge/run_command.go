package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"coverforge/internal/artifact"
	"coverforge/internal/fileutil"
	"coverforge/internal/fingerprint"
	"coverforge/internal/pipeline"
	"coverforge/internal/preflight"
	"coverforge/internal/services"
	"coverforge/internal/stage"
	"coverforge/internal/textutil"
	"coverforge/internal/transform"
)

type runSummary struct {
	RunID     string         `json:"run_id"`
	Rederived int            `json:"rederived"`
	Stages    []stageSummary `json:"stages"`
	Exported  string         `json:"exported,omitempty"`
}

type stageSummary struct {
	Stage       string   `json:"stage"`
	Outcome     string   `json:"outcome"`
	Fingerprint string   `json:"fingerprint"`
	Outputs     []string `json:"outputs"`
	DurationMS  int64    `json:"duration_ms"`
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		through   string
		sourceFP  string
		runID     string
		jsonOut   bool
		noExport  bool
		skipCheck bool
		stageArgs *stageFlags
	)

	cmd := &cobra.Command{
		Use:   "run [song]",
		Short: "Run the full cover pipeline for a song",
		Long: `Run takes a song through separation, conversion, effects, mixing and
rendering. Stages whose inputs and parameters are unchanged are reused from
the cache; only stages downstream of a change execute their transforms.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime()
			if err != nil {
				return err
			}
			req := pipeline.Request{RunID: runID}
			if len(args) == 1 {
				path, params, err := resolveSource(args[0])
				if err != nil {
					return err
				}
				req.SourcePath = path
				req.Source = params
			}
			if sourceFP != "" {
				fp, err := fingerprint.Parse(sourceFP)
				if err != nil {
					return err
				}
				req.SourceFingerprint = fp
			}
			if through != "" {
				kind, err := stage.ParseKind(through)
				if err != nil {
					return err
				}
				req.Through = kind
			}
			for _, kind := range stage.Kinds()[1:] {
				params, err := stageArgs.raw(kind)
				if err != nil {
					return err
				}
				switch p := params.(type) {
				case stage.SeparateParams:
					req.Separate = p
				case stage.ConvertParams:
					req.Convert = p
				case stage.EffectParams:
					req.Effects = p
				case stage.MixParams:
					req.Mix = p
				case stage.RenderParams:
					req.Render = p
				}
			}
			if req.Render.OutputName == "" && req.SourcePath != "" {
				req.Render.OutputName = defaultOutputName(req.SourcePath, req.Convert)
			}

			if !skipCheck {
				if err := requirePreflight(cmd, rt); err != nil {
					return err
				}
			}

			result, err := rt.orch.Run(cmd.Context(), req)
			if err != nil {
				return err
			}

			summary := summarizeRun(result)
			final := result.Final()
			if !noExport && final != nil && final.Meta.StageKind == stage.KindRender {
				dst, err := exportRender(rt.cfg.Paths.OutputDir, final, req.Render)
				if err != nil {
					return err
				}
				summary.Exported = dst
			}

			if jsonOut {
				return writeJSON(cmd, summary)
			}
			printRunSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	stageArgs = bindStageFlags(cmd)
	cmd.Flags().StringVar(&through, "through", "", "Stop after this stage (source, separate, convert, effects, mix, render)")
	cmd.Flags().StringVar(&sourceFP, "source-fp", "", "Start from a cached source artifact instead of a file")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier recorded in the lineage index (default: random)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the run summary as JSON")
	cmd.Flags().BoolVar(&noExport, "no-export", false, "Leave the rendered file in the cache only")
	cmd.Flags().BoolVar(&skipCheck, "skip-preflight", false, "Do not check directories and transform programs first")
	return cmd
}

// resolveSource accepts a local song path. URLs are validated so a typo is
// reported as such, but downloading is left to the caller.
func resolveSource(arg string) (string, stage.SourceParams, error) {
	arg = strings.TrimSpace(arg)
	if strings.Contains(arg, "://") {
		if _, err := transform.ValidateURL(arg); err != nil {
			return "", stage.SourceParams{}, err
		}
		return "", stage.SourceParams{}, services.Wrap(services.ErrValidation, "source", "resolve",
			"URL sources must be downloaded first; pass the local file", nil)
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", stage.SourceParams{}, services.Wrap(services.ErrValidation, "source", "resolve", arg, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", stage.SourceParams{}, services.Wrap(services.ErrNotFound, "source", "resolve", abs, err)
		}
		return "", stage.SourceParams{}, services.Wrap(services.ErrIO, "source", "resolve", abs, err)
	}
	if info.IsDir() {
		return "", stage.SourceParams{}, services.Wrap(services.ErrValidation, "source", "resolve", abs+" is a directory", nil)
	}
	return abs, stage.SourceParams{Type: stage.SourceFile, Origin: abs}, nil
}

func defaultOutputName(songPath string, convert stage.ConvertParams) string {
	base := strings.TrimSuffix(filepath.Base(songPath), filepath.Ext(songPath))
	return textutil.CoverName(base, convert.ModelName)
}

func requirePreflight(cmd *cobra.Command, rt *runtime) error {
	var blocking []string
	for _, r := range preflight.Failed(preflight.RunAll(cmd.Context(), rt.cfg)) {
		if r.Name == "Cache volume" {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", r.Name, r.Detail)
			continue
		}
		blocking = append(blocking, fmt.Sprintf("%s: %s", r.Name, r.Detail))
	}
	if len(blocking) > 0 {
		return services.Wrap(services.ErrConfiguration, "preflight", "run", strings.Join(blocking, "; "), nil)
	}
	return nil
}

// exportRender copies the rendered file out of the cache into outputDir.
func exportRender(outputDir string, h *artifact.Handle, params stage.RenderParams) (string, error) {
	primary, err := h.Primary()
	if err != nil {
		return "", err
	}
	src, ok := h.Path(primary.File.Name)
	if !ok {
		return "", services.Wrap(services.ErrIO, "render", "export", "artifact has no local path", nil)
	}
	name := primary.File.Name
	if params.OutputName != "" {
		name = params.OutputName + "." + string(params.OutputFormat)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", services.Wrap(services.ErrIO, "render", "export", outputDir, err)
	}
	dst := filepath.Join(outputDir, name)
	if err := fileutil.CopyFileVerified(src, dst); err != nil {
		return "", services.Wrap(services.ErrIO, "render", "export", dst, err)
	}
	return dst, nil
}

func summarizeRun(result *pipeline.Result) runSummary {
	summary := runSummary{RunID: result.RunID, Rederived: result.Rederived}
	for _, s := range result.Stages {
		outputs := make([]string, 0, len(s.Handle.Meta.Outputs))
		for _, out := range s.Handle.Meta.Outputs {
			outputs = append(outputs, out.Name)
		}
		summary.Stages = append(summary.Stages, stageSummary{
			Stage:       string(s.Kind),
			Outcome:     string(s.Outcome),
			Fingerprint: string(s.Handle.Fingerprint),
			Outputs:     outputs,
			DurationMS:  s.Duration.Milliseconds(),
		})
	}
	return summary
}

func printRunSummary(out io.Writer, summary runSummary) {
	rows := make([][]string, 0, len(summary.Stages))
	for _, s := range summary.Stages {
		rows = append(rows, []string{
			s.Stage,
			s.Outcome,
			s.Fingerprint,
			strings.Join(s.Outputs, ", "),
			(time.Duration(s.DurationMS) * time.Millisecond).String(),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Stage", "Cache", "Fingerprint", "Outputs", "Duration"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
	fmt.Fprintf(out, "Run: %s\n", summary.RunID)
	if n := len(summary.Stages); n > 0 {
		fmt.Fprintf(out, "State: %s\n", stage.Kind(summary.Stages[n-1].Stage).State())
	}
	if summary.Rederived > 0 {
		fmt.Fprintf(out, "Re-derived after cache removal: %d time(s)\n", summary.Rederived)
	}
	if summary.Exported != "" {
		fmt.Fprintf(out, "Rendered: %s\n", summary.Exported)
	}
}
