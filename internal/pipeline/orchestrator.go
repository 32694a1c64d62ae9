package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"coverforge/internal/artifact"
	"coverforge/internal/fingerprint"
	"coverforge/internal/lineage"
	"coverforge/internal/logging"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

// Transforms resolves the transform for a stage kind.
type Transforms interface {
	Get(kind stage.Kind) (stage.Transform, error)
}

// Recorder receives artifact and run history. *lineage.Index satisfies it.
type Recorder interface {
	RecordArtifact(ctx context.Context, a lineage.Artifact) error
	RecordStage(ctx context.Context, sr lineage.StageRun) error
	StartRun(ctx context.Context, id, source string) error
	FinishRun(ctx context.Context, id string, runErr error) error
}

// Orchestrator runs stages against an artifact store.
type Orchestrator struct {
	store      *artifact.Store
	transforms Transforms
	recorder   Recorder
	logger     *slog.Logger
	scratchDir string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder records artifacts and stage outcomes.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithScratchDir sets where transforms write before outputs are published.
// It should live on the same filesystem as the cache so imports are renames.
func WithScratchDir(dir string) Option {
	return func(o *Orchestrator) { o.scratchDir = dir }
}

// New builds an Orchestrator.
func New(store *artifact.Store, transforms Transforms, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init", "artifact store is required", nil)
	}
	if transforms == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init", "transforms are required", nil)
	}
	o := &Orchestrator{store: store, transforms: transforms}
	for _, opt := range opts {
		opt(o)
	}
	if o.scratchDir == "" {
		o.scratchDir = os.TempDir()
	}
	o.logger = logging.NewComponentLogger(o.logger, "pipeline")
	return o, nil
}

// Store exposes the underlying artifact store.
func (o *Orchestrator) Store() *artifact.Store { return o.store }

// Lookup returns the artifact published under fp.
func (o *Orchestrator) Lookup(fp fingerprint.Fingerprint) (*artifact.Handle, error) {
	return o.store.Read(fp)
}

// Acquire stores the song at sourcePath as a source artifact addressed by
// its content hash.
func (o *Orchestrator) Acquire(ctx context.Context, sourcePath string, params stage.SourceParams) (*artifact.Handle, error) {
	transform, err := o.transforms.Get(stage.KindSource)
	if err != nil {
		return nil, err
	}
	hash, err := fingerprint.File(sourcePath, o.store.DigestSize())
	if err != nil {
		return nil, err
	}
	name := filepath.Base(sourcePath)
	d := stage.Descriptor{
		Kind:     stage.KindSource,
		Upstream: []stage.FileMetaData{{Name: name, HashID: hash}},
		Params:   params,
	}
	ctx = services.WithFingerprint(logging.WithStage(ctx, string(stage.KindSource)), string(hash))
	logger := logging.WithContext(ctx, o.logger)

	start := time.Now()
	h, err := o.store.Create(ctx, d, func(pctx context.Context, w *artifact.Writer) error {
		return o.withWorkDir(func(work string) error {
			out, err := transform.Apply(pctx, stage.Input{
				Kind:      stage.KindSource,
				Files:     []string{sourcePath},
				Upstream:  d.Upstream,
				Params:    params,
				OutputDir: filepath.Join(work, "out"),
			})
			if err != nil {
				return services.NewStageExecutionError(string(stage.KindSource), string(hash), err)
			}
			if len(out.Files) != 1 {
				return services.NewStageExecutionError(string(stage.KindSource), string(hash),
					fmt.Errorf("source transform produced %d files, want 1", len(out.Files)))
			}
			if err := w.Import(name, out.Files[0]); err != nil {
				return err
			}
			if got := w.Outputs()[0].HashID; got != hash {
				return services.Wrap(services.ErrIO, string(stage.KindSource), "acquire",
					fmt.Sprintf("%s changed while being acquired (%s, expected %s)", sourcePath, got, hash), nil)
			}
			return nil
		})
	})
	o.finishStage(ctx, logger, d, nil, hash, h, err, time.Since(start))
	return h, err
}

// RunStage executes one stage over inputs, each an output of an upstream
// artifact. The transform only runs when no artifact matches the stage's
// fingerprint. Parameters are only checked for representability
// (services.ErrEncoding); domain ranges are the caller's concern, see
// stage.Check. Transform failures surface as services.ErrStageExecution; an
// input whose artifact has been swept surfaces as services.ErrNotFound.
func (o *Orchestrator) RunStage(ctx context.Context, kind stage.Kind, params stage.Params, inputs ...artifact.FileRef) (*artifact.Handle, error) {
	if kind == stage.KindSource {
		return nil, services.Wrap(services.ErrValidation, string(kind), "run stage", "source artifacts are created with Acquire", nil)
	}
	if params == nil || params.Kind() != kind {
		return nil, services.Wrap(services.ErrValidation, string(kind), "run stage", "parameters do not match stage", nil)
	}
	if len(inputs) == 0 {
		return nil, services.Wrap(services.ErrValidation, string(kind), "run stage", "at least one input is required", nil)
	}
	upstream := make([]stage.FileMetaData, len(inputs))
	for i, in := range inputs {
		upstream[i] = in.File
	}
	d := stage.Descriptor{Kind: kind, Upstream: upstream, Params: params}
	fp, err := o.store.Fingerprint(d)
	if err != nil {
		return nil, err
	}
	transform, err := o.transforms.Get(kind)
	if err != nil {
		return nil, err
	}
	ctx = services.WithFingerprint(logging.WithStage(ctx, string(kind)), string(fp))
	logger := logging.WithContext(ctx, o.logger)

	start := time.Now()
	h, err := o.store.Create(ctx, d, func(pctx context.Context, w *artifact.Writer) error {
		return o.withWorkDir(func(work string) error {
			files := make([]string, len(inputs))
			for i, in := range inputs {
				path, err := o.store.Materialize(pctx, in, filepath.Join(work, "in"))
				if err != nil {
					return err
				}
				files[i] = path
			}
			logger.Debug("running transform",
				logging.String("transform", transform.Name()),
				logging.Int("inputs", len(files)),
			)
			out, err := transform.Apply(pctx, stage.Input{
				Kind:      kind,
				Files:     files,
				Upstream:  upstream,
				Params:    params,
				OutputDir: filepath.Join(work, "out"),
			})
			if err != nil {
				return services.NewStageExecutionError(string(kind), string(fp), err)
			}
			if len(out.Files) == 0 {
				return services.NewStageExecutionError(string(kind), string(fp), errors.New("transform produced no files"))
			}
			for _, file := range out.Files {
				if err := w.Import(filepath.Base(file), file); err != nil {
					return err
				}
			}
			return nil
		})
	})
	o.finishStage(ctx, logger, d, parentArtifacts(inputs), fp, h, err, time.Since(start))
	return h, err
}

func (o *Orchestrator) withWorkDir(fn func(dir string) error) error {
	if err := os.MkdirAll(o.scratchDir, 0o755); err != nil {
		return services.Wrap(services.ErrIO, "pipeline", "scratch", o.scratchDir, err)
	}
	dir, err := os.MkdirTemp(o.scratchDir, "stage-")
	if err != nil {
		return services.Wrap(services.ErrIO, "pipeline", "scratch", o.scratchDir, err)
	}
	defer os.RemoveAll(dir)
	return fn(dir)
}

func (o *Orchestrator) finishStage(ctx context.Context, logger *slog.Logger, d stage.Descriptor, parents []fingerprint.Fingerprint, fp fingerprint.Fingerprint, h *artifact.Handle, err error, elapsed time.Duration) {
	runID, _ := services.RunIDFromContext(ctx)
	record := lineage.StageRun{
		RunID:       runID,
		StageKind:   d.Kind,
		Fingerprint: fp,
		Duration:    elapsed,
	}
	if err != nil {
		record.Outcome = lineage.OutcomeFailed
		record.Error = err.Error()
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			details := services.Details(err)
			logging.WarnWithContext(ctx, logger, "stage failed", "stage_failed",
				logging.String("error_kind", string(details.Kind)),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, stageHint(err)),
			)
		}
		o.recordStage(ctx, logger, record)
		return
	}

	record.Outcome = lineage.OutcomeHit
	reason := "artifact already published"
	if h.Fresh {
		record.Outcome = lineage.OutcomeMiss
		reason = "no artifact for fingerprint; transform executed"
	}
	attrs := logging.DecisionAttrs("artifact_cache", string(record.Outcome), reason)
	attrs = append(attrs,
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int("outputs", len(h.Meta.Outputs)),
		logging.Duration("stage_duration", elapsed),
	)
	logger.Info("stage completed", logging.Args(attrs...)...)

	if o.recorder != nil {
		a := lineage.Artifact{
			Fingerprint: h.Fingerprint,
			StageKind:   d.Kind,
			Upstream:    h.Meta.Upstream,
			Parameters:  h.Meta.Parameters,
			Outputs:     h.Meta.Outputs,
			Parents:     parents,
			SizeBytes:   artifactSize(h),
			RunID:       runID,
			CreatedAt:   time.Now(),
		}
		if err := o.recorder.RecordArtifact(ctx, a); err != nil {
			logging.WarnWithContext(ctx, logger, "lineage record failed", "lineage_record_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "lineage is advisory; run cache list to rebuild missing rows"),
			)
		}
	}
	o.recordStage(ctx, logger, record)
}

func (o *Orchestrator) recordStage(ctx context.Context, logger *slog.Logger, sr lineage.StageRun) {
	if o.recorder == nil || sr.RunID == "" {
		return
	}
	sr.RecordedAt = time.Now()
	if err := o.recorder.RecordStage(ctx, sr); err != nil {
		logging.WarnWithContext(ctx, logger, "stage outcome record failed", "lineage_record_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the lineage index path and permissions"),
		)
	}
}

// parentArtifacts lists the distinct artifacts behind inputs in input order.
func parentArtifacts(inputs []artifact.FileRef) []fingerprint.Fingerprint {
	parents := make([]fingerprint.Fingerprint, 0, len(inputs))
	seen := make(map[fingerprint.Fingerprint]bool, len(inputs))
	for _, in := range inputs {
		if seen[in.Artifact] {
			continue
		}
		seen[in.Artifact] = true
		parents = append(parents, in.Artifact)
	}
	return parents
}

func artifactSize(h *artifact.Handle) int64 {
	if h.Dir == "" {
		return 0
	}
	var total int64
	entries, err := os.ReadDir(h.Dir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
	}
	return total
}

func stageHint(err error) string {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return "an upstream artifact is gone; rerun the pipeline to re-derive it"
	case errors.Is(err, services.ErrStageExecution):
		return "check the transform command and its stderr; retrying is safe"
	case errors.Is(err, services.ErrTimeout):
		return "another producer holds this fingerprint; retry or raise cache.lock_timeout_seconds"
	case errors.Is(err, services.ErrConfiguration):
		return "fix the transforms section of the config"
	default:
		return "retrying is safe; nothing partial was published"
	}
}
