package lineage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"coverforge/internal/fingerprint"
	"coverforge/internal/lineage"
	"coverforge/internal/services"
	"coverforge/internal/stage"
	"coverforge/internal/testsupport"
)

func chain(t *testing.T, idx *lineage.Index) {
	t.Helper()
	ctx := context.Background()
	records := []lineage.Artifact{
		{Fingerprint: "aaaaaaaaaa", StageKind: stage.KindSource, Outputs: []stage.FileMetaData{{Name: "song.mp3", HashID: "aaaaaaaaaa"}}},
		{Fingerprint: "bbbbbbbbbb", StageKind: stage.KindSeparate, Parents: []fingerprint.Fingerprint{"aaaaaaaaaa"},
			Outputs: []stage.FileMetaData{{Name: "vocals.wav", HashID: "1111111111"}, {Name: "main_vocals.wav", HashID: "2222222222"}}},
		{Fingerprint: "cccccccccc", StageKind: stage.KindConvert, Parents: []fingerprint.Fingerprint{"bbbbbbbbbb"},
			Parameters: []byte(`{"n_semitones": 2}`)},
		{Fingerprint: "dddddddddd", StageKind: stage.KindEffects, Parents: []fingerprint.Fingerprint{"cccccccccc"}},
		{Fingerprint: "eeeeeeeeee", StageKind: stage.KindMix, Parents: []fingerprint.Fingerprint{"dddddddddd", "bbbbbbbbbb"}},
	}
	for _, rec := range records {
		if err := idx.RecordArtifact(ctx, rec); err != nil {
			t.Fatalf("RecordArtifact %s: %v", rec.Fingerprint, err)
		}
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	idx := testsupport.MustOpenIndex(t, cfg)
	if idx.Path() != cfg.Paths.IndexPath {
		t.Fatalf("path = %s, want %s", idx.Path(), cfg.Paths.IndexPath)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := lineage.Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = reopened.Close()
}

func TestRecordAndFetchArtifact(t *testing.T) {
	idx := testsupport.MustOpenIndex(t, testsupport.NewConfig(t))
	chain(t, idx)

	got, err := idx.Artifact(context.Background(), "bbbbbbbbbb")
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if got.StageKind != stage.KindSeparate {
		t.Fatalf("stage = %s", got.StageKind)
	}
	if len(got.Outputs) != 2 || got.Outputs[1].Name != "main_vocals.wav" {
		t.Fatalf("outputs = %+v", got.Outputs)
	}
	if len(got.Parents) != 1 || got.Parents[0] != "aaaaaaaaaa" {
		t.Fatalf("parents = %v", got.Parents)
	}

	mix, err := idx.Artifact(context.Background(), "eeeeeeeeee")
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if len(mix.Parents) != 2 || mix.Parents[0] != "dddddddddd" || mix.Parents[1] != "bbbbbbbbbb" {
		t.Fatalf("mix parents out of order: %v", mix.Parents)
	}

	if _, err := idx.Artifact(context.Background(), "ffffffffff"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("missing artifact error = %v", err)
	}
}

func TestRecordArtifactIsIdempotent(t *testing.T) {
	idx := testsupport.MustOpenIndex(t, testsupport.NewConfig(t))
	ctx := context.Background()
	rec := lineage.Artifact{Fingerprint: "aaaaaaaaaa", StageKind: stage.KindSource, SizeBytes: 10}
	for range 3 {
		if err := idx.RecordArtifact(ctx, rec); err != nil {
			t.Fatalf("RecordArtifact: %v", err)
		}
	}
	all, err := idx.Artifacts(ctx, "")
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if len(all) != 1 || all[0].SizeBytes != 10 {
		t.Fatalf("artifacts = %+v", all)
	}
}

func TestAncestorsAndDescendants(t *testing.T) {
	idx := testsupport.MustOpenIndex(t, testsupport.NewConfig(t))
	chain(t, idx)
	ctx := context.Background()

	ancestors, err := idx.Ancestors(ctx, "eeeeeeeeee")
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	var got []fingerprint.Fingerprint
	for _, a := range ancestors {
		got = append(got, a.Fingerprint)
	}
	want := []fingerprint.Fingerprint{"bbbbbbbbbb", "dddddddddd", "aaaaaaaaaa", "cccccccccc"}
	if len(got) != len(want) {
		t.Fatalf("ancestors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ancestors = %v, want %v", got, want)
		}
	}

	desc, err := idx.Descendants(ctx, "bbbbbbbbbb")
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(desc) != 3 || desc[0] != "cccccccccc" || desc[1] != "eeeeeeeeee" || desc[2] != "dddddddddd" {
		t.Fatalf("descendants = %v", desc)
	}
}

func TestForgetCascadesParents(t *testing.T) {
	idx := testsupport.MustOpenIndex(t, testsupport.NewConfig(t))
	chain(t, idx)
	ctx := context.Background()
	if err := idx.Forget(ctx, "cccccccccc"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	desc, err := idx.Descendants(ctx, "bbbbbbbbbb")
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(desc) != 1 || desc[0] != "eeeeeeeeee" {
		t.Fatalf("descendants after forget = %v", desc)
	}
}

func TestArtifactsFilterByKind(t *testing.T) {
	idx := testsupport.MustOpenIndex(t, testsupport.NewConfig(t))
	chain(t, idx)
	got, err := idx.Artifacts(context.Background(), stage.KindConvert)
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if len(got) != 1 || got[0].Fingerprint != "cccccccccc" {
		t.Fatalf("convert artifacts = %+v", got)
	}
	if string(got[0].Parameters) != `{"n_semitones": 2}` {
		t.Fatalf("parameters = %s", got[0].Parameters)
	}
}

func TestRunsAndStageOutcomes(t *testing.T) {
	idx := testsupport.MustOpenIndex(t, testsupport.NewConfig(t))
	ctx := context.Background()

	if err := idx.StartRun(ctx, "run-1", "/music/song.mp3"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	outcomes := []lineage.StageRun{
		{RunID: "run-1", StageKind: stage.KindSource, Fingerprint: "aaaaaaaaaa", Outcome: lineage.OutcomeHit},
		{RunID: "run-1", StageKind: stage.KindSeparate, Fingerprint: "bbbbbbbbbb", Outcome: lineage.OutcomeMiss, Duration: 1500 * time.Millisecond},
		{RunID: "run-1", StageKind: stage.KindConvert, Fingerprint: "cccccccccc", Outcome: lineage.OutcomeFailed, Error: "model missing"},
	}
	for _, sr := range outcomes {
		if err := idx.RecordStage(ctx, sr); err != nil {
			t.Fatalf("RecordStage: %v", err)
		}
	}
	if err := idx.FinishRun(ctx, "run-1", errors.New("convert failed")); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := idx.Run(ctx, "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != lineage.RunFailed || run.Error != "convert failed" || run.FinishedAt.IsZero() {
		t.Fatalf("run = %+v", run)
	}

	stages, err := idx.StageRuns(ctx, "run-1")
	if err != nil {
		t.Fatalf("StageRuns: %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("stage runs = %d", len(stages))
	}
	if stages[1].Duration != 1500*time.Millisecond || stages[2].Error != "model missing" {
		t.Fatalf("stage runs = %+v", stages)
	}

	hits, misses, err := idx.HitRate(ctx)
	if err != nil {
		t.Fatalf("HitRate: %v", err)
	}
	if hits != 1 || misses != 1 {
		t.Fatalf("hits=%d misses=%d", hits, misses)
	}

	runs, err := idx.Runs(ctx, 5)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("runs = %+v", runs)
	}

	if err := idx.RecordStage(ctx, lineage.StageRun{RunID: "run-1", Outcome: "maybe"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("invalid outcome error = %v", err)
	}
	if _, err := idx.Run(ctx, "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("missing run error = %v", err)
	}
}
