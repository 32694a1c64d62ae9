package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coverforge/internal/artifact"
	"coverforge/internal/fingerprint"
	"coverforge/internal/lineage"
	"coverforge/internal/logging"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

// Request describes one full pipeline run. Either SourcePath or
// SourceFingerprint must be set; with both, the file wins and the
// fingerprint is only used when the file is missing.
type Request struct {
	RunID             string
	SourcePath        string
	SourceFingerprint fingerprint.Fingerprint
	Source            stage.SourceParams
	Separate          stage.SeparateParams
	Convert           stage.ConvertParams
	Effects           stage.EffectParams
	Mix               stage.MixParams
	Render            stage.RenderParams
	// Through stops the run after this stage. Empty runs to render.
	Through stage.Kind
}

// StageResult is the outcome of one stage within a run.
type StageResult struct {
	Kind     stage.Kind
	Handle   *artifact.Handle
	Outcome  lineage.Outcome
	Duration time.Duration
}

// Result summarises a run.
type Result struct {
	RunID  string
	Stages []StageResult
	// Rederived counts restarts caused by artifacts vanishing mid-run.
	Rederived int
}

// Final returns the handle of the last stage that ran.
func (r *Result) Final() *artifact.Handle {
	if r == nil || len(r.Stages) == 0 {
		return nil
	}
	return r.Stages[len(r.Stages)-1].Handle
}

// Stage returns the result for kind.
func (r *Result) Stage(kind stage.Kind) (StageResult, bool) {
	if r == nil {
		return StageResult{}, false
	}
	for _, s := range r.Stages {
		if s.Kind == kind {
			return s, true
		}
	}
	return StageResult{}, false
}

// Params returns the parameters req supplies for kind.
func (req Request) Params(kind stage.Kind) stage.Params {
	switch kind {
	case stage.KindSource:
		return req.Source
	case stage.KindSeparate:
		return req.Separate
	case stage.KindConvert:
		return req.Convert
	case stage.KindEffects:
		return req.Effects
	case stage.KindMix:
		return req.Mix
	case stage.KindRender:
		return req.Render
	}
	return nil
}

// Validate checks every stage's parameters before anything runs. Values that
// cannot be fingerprinted fail with services.ErrEncoding, out-of-range values
// with services.ErrValidation.
func (req Request) Validate() error {
	if req.SourcePath == "" && req.SourceFingerprint == "" {
		return services.Wrap(services.ErrValidation, "pipeline", "run", "a source file or source fingerprint is required", nil)
	}
	if req.Through != "" && !req.Through.Valid() {
		return services.Wrap(services.ErrValidation, "pipeline", "run", fmt.Sprintf("unknown stage %q", req.Through), nil)
	}
	for _, kind := range req.kinds() {
		if kind == stage.KindSource && req.SourcePath == "" {
			continue
		}
		if err := stage.Check(req.Params(kind)); err != nil {
			return err
		}
	}
	return nil
}

func (req Request) kinds() []stage.Kind {
	all := stage.Kinds()
	if req.Through == "" {
		return all
	}
	return all[:req.Through.Index()+1]
}

// Run drives req through every stage up to req.Through. Stages already in
// the store are reused. An artifact that disappears while the run is in
// flight is re-derived from the nearest ancestor still present; when no
// ancestor remains and the source file is unavailable the run fails with
// services.ErrNotFound.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ctx = services.WithRunID(ctx, req.RunID)
	logger := logging.WithContext(ctx, o.logger)

	source := req.SourcePath
	if source == "" {
		source = string(req.SourceFingerprint)
	}
	if o.recorder != nil {
		if err := o.recorder.StartRun(ctx, req.RunID, source); err != nil {
			logging.WarnWithContext(ctx, logger, "run record failed", "lineage_record_failed", logging.Error(err))
		}
	}
	logger.Info("pipeline run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.String("source", source),
		logging.String("through", string(req.kinds()[len(req.kinds())-1])),
	)

	start := time.Now()
	result, err := o.run(ctx, req)
	if o.recorder != nil {
		if rerr := o.recorder.FinishRun(context.WithoutCancel(ctx), req.RunID, err); rerr != nil {
			logging.WarnWithContext(ctx, logger, "run record failed", "lineage_record_failed", logging.Error(rerr))
		}
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.ErrorWithContext(ctx, logger, "pipeline run failed", "run_failed",
				logging.String("error_kind", string(services.KindOf(err))),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "coverforge runs show "+req.RunID),
			)
		}
		return result, err
	}

	hits := 0
	for _, s := range result.Stages {
		if s.Outcome == lineage.OutcomeHit {
			hits++
		}
	}
	logger.Info("pipeline run completed",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.String(logging.FieldFingerprint, string(result.Final().Fingerprint)),
		logging.Int("stages", len(result.Stages)),
		logging.Int("cache_hits", hits),
		logging.Int("rederived", result.Rederived),
		logging.Duration("run_duration", time.Since(start)),
	)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request) (*Result, error) {
	kinds := req.kinds()
	result := &Result{RunID: req.RunID}
	handles := make(map[stage.Kind]*artifact.Handle, len(kinds))
	durations := make(map[stage.Kind]time.Duration, len(kinds))

	for i := 0; i < len(kinds); {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		kind := kinds[i]
		start := time.Now()
		h, err := o.step(ctx, req, kind, handles)
		if err != nil {
			if !errors.Is(err, services.ErrNotFound) || kind == stage.KindSource {
				return result, err
			}
			restart, ok := o.earliestMissing(kinds[:i], handles)
			if !ok || result.Rederived >= len(kinds) {
				return result, err
			}
			result.Rederived++
			logging.WarnWithContext(ctx, logging.WithContext(ctx, o.logger), "upstream artifact vanished; re-deriving", "artifact_rederive",
				logging.String(logging.FieldStage, string(kind)),
				logging.String("restart_stage", string(kinds[restart])),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "an external sweep removed an artifact during the run"),
			)
			for _, k := range kinds[restart:] {
				delete(handles, k)
			}
			i = restart
			continue
		}
		handles[kind] = h
		durations[kind] = time.Since(start)
		i++
	}

	for _, kind := range kinds {
		h := handles[kind]
		outcome := lineage.OutcomeHit
		if h.Fresh {
			outcome = lineage.OutcomeMiss
		}
		result.Stages = append(result.Stages, StageResult{Kind: kind, Handle: h, Outcome: outcome, Duration: durations[kind]})
	}
	return result, nil
}

// earliestMissing finds the first completed stage whose artifact is no
// longer in the store.
func (o *Orchestrator) earliestMissing(done []stage.Kind, handles map[stage.Kind]*artifact.Handle) (int, bool) {
	for i, kind := range done {
		h := handles[kind]
		if h == nil {
			return i, true
		}
		ok, err := o.store.Exists(h.Fingerprint)
		if err != nil || !ok {
			return i, true
		}
	}
	return 0, false
}

func (o *Orchestrator) step(ctx context.Context, req Request, kind stage.Kind, handles map[stage.Kind]*artifact.Handle) (*artifact.Handle, error) {
	if kind == stage.KindSource {
		return o.source(ctx, req)
	}
	inputs, err := stageInputs(kind, handles)
	if err != nil {
		return nil, err
	}
	return o.RunStage(ctx, kind, req.Params(kind), inputs...)
}

func (o *Orchestrator) source(ctx context.Context, req Request) (*artifact.Handle, error) {
	if req.SourcePath != "" {
		h, err := o.Acquire(ctx, req.SourcePath, req.Source)
		if err == nil || !errors.Is(err, services.ErrNotFound) || req.SourceFingerprint == "" {
			return h, err
		}
	}
	h, err := o.Lookup(req.SourceFingerprint)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, services.Wrap(services.ErrNotFound, string(stage.KindSource), "run",
				fmt.Sprintf("source artifact %s is gone and no source file is available", req.SourceFingerprint), err)
		}
		return nil, err
	}
	if h.Meta.StageKind != stage.KindSource {
		return nil, services.Wrap(services.ErrValidation, string(stage.KindSource), "run",
			fmt.Sprintf("%s is a %s artifact, not a source", req.SourceFingerprint, h.Meta.StageKind), nil)
	}
	return h, nil
}

// stageInputs wires each stage to the upstream outputs it consumes.
func stageInputs(kind stage.Kind, handles map[stage.Kind]*artifact.Handle) ([]artifact.FileRef, error) {
	need := func(k stage.Kind) (*artifact.Handle, error) {
		h := handles[k]
		if h == nil {
			return nil, services.Wrap(services.ErrValidation, string(kind), "inputs", fmt.Sprintf("%s has not run", k), nil)
		}
		return h, nil
	}
	primary := func(k stage.Kind) ([]artifact.FileRef, error) {
		h, err := need(k)
		if err != nil {
			return nil, err
		}
		ref, err := h.Primary()
		if err != nil {
			return nil, err
		}
		return []artifact.FileRef{ref}, nil
	}

	switch kind {
	case stage.KindSeparate:
		return primary(stage.KindSource)
	case stage.KindConvert:
		sep, err := need(stage.KindSeparate)
		if err != nil {
			return nil, err
		}
		ref, err := sep.File(stage.OutputMainVocals)
		if err != nil {
			return nil, err
		}
		return []artifact.FileRef{ref}, nil
	case stage.KindEffects:
		return primary(stage.KindConvert)
	case stage.KindMix:
		refs, err := primary(stage.KindEffects)
		if err != nil {
			return nil, err
		}
		sep, err := need(stage.KindSeparate)
		if err != nil {
			return nil, err
		}
		for _, name := range []string{stage.OutputInstrumental, stage.OutputBackupVocals} {
			ref, err := sep.File(name)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
		return refs, nil
	case stage.KindRender:
		return primary(stage.KindMix)
	}
	return nil, services.Wrap(services.ErrValidation, string(kind), "inputs", "stage has no upstream wiring", nil)
}
