package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"coverforge/internal/services"
	"coverforge/internal/testsupport"
)

func TestCLIRunReusesCachedStages(t *testing.T) {
	env := setupCLITestEnv(t)
	song := testsupport.WriteSong(t, env.songDir, "song.wav", "la la la")

	out, _, err := env.run(t, "run", song, "--model", "Taylor", "--pitch", "2", "--json")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := decodeJSON[runSummary](t, out)
	if len(first.Stages) != 6 {
		t.Fatalf("expected 6 stages, got %d", len(first.Stages))
	}
	for _, s := range first.Stages {
		if s.Outcome != "miss" {
			t.Fatalf("first run %s outcome = %s, want miss", s.Stage, s.Outcome)
		}
	}
	wantExport := filepath.Join(env.cfg.Paths.OutputDir, "song (Taylor Ver).mp3")
	if first.Exported != wantExport {
		t.Fatalf("exported = %q, want %q", first.Exported, wantExport)
	}
	data, err := os.ReadFile(wantExport)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(data), "pitch 2") || !strings.Contains(string(data), "reverb") {
		t.Fatalf("export content %q does not carry converted vocals", data)
	}

	out, _, err = env.run(t, "run", song, "--model", "Taylor", "--pitch", "2", "--json")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	second := decodeJSON[runSummary](t, out)
	for i, s := range second.Stages {
		if s.Outcome != "hit" {
			t.Fatalf("second run %s outcome = %s, want hit", s.Stage, s.Outcome)
		}
		if s.Fingerprint != first.Stages[i].Fingerprint {
			t.Fatalf("%s fingerprint changed: %s -> %s", s.Stage, first.Stages[i].Fingerprint, s.Fingerprint)
		}
	}

	out, _, err = env.run(t, "run", song, "--model", "Taylor", "--pitch", "4", "--json", "--no-export")
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	third := decodeJSON[runSummary](t, out)
	want := map[string]string{"source": "hit", "separate": "hit", "convert": "miss", "effects": "miss", "mix": "miss", "render": "miss"}
	for _, s := range third.Stages {
		if s.Outcome != want[s.Stage] {
			t.Fatalf("pitch change: %s outcome = %s, want %s", s.Stage, s.Outcome, want[s.Stage])
		}
	}
	if third.Exported != "" {
		t.Fatalf("expected no export with --no-export, got %q", third.Exported)
	}
}

func TestCLIRunThroughStopsEarly(t *testing.T) {
	env := setupCLITestEnv(t)
	song := testsupport.WriteSong(t, env.songDir, "song.wav", "hum")

	out, _, err := env.run(t, "run", song, "--model", "Taylor", "--through", "separate", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	summary := decodeJSON[runSummary](t, out)
	if len(summary.Stages) != 2 {
		t.Fatalf("expected source and separate only, got %+v", summary.Stages)
	}
	if got := strings.Join(summary.Stages[1].Outputs, ","); got != "vocals.wav,instrumentals.wav,main_vocals.wav,backup_vocals.wav" {
		t.Fatalf("separate outputs = %s", got)
	}
	if summary.Exported != "" {
		t.Fatalf("partial run must not export, got %q", summary.Exported)
	}
}

func TestCLIStageAndLookup(t *testing.T) {
	env := setupCLITestEnv(t)
	song := testsupport.WriteSong(t, env.songDir, "song.wav", "do re mi")

	out, _, err := env.run(t, "stage", "source", song, "--json")
	if err != nil {
		t.Fatalf("stage source: %v", err)
	}
	source := decodeJSON[artifactView](t, out)
	if source.StageKind != "source" || len(source.Outputs) != 1 {
		t.Fatalf("unexpected source artifact %+v", source)
	}

	out, _, err = env.run(t, "stage", "separate", source.Fingerprint, "--json")
	if err != nil {
		t.Fatalf("stage separate: %v", err)
	}
	separated := decodeJSON[artifactView](t, out)
	if len(separated.Outputs) != 4 {
		t.Fatalf("expected 4 separation outputs, got %d", len(separated.Outputs))
	}

	out, _, err = env.run(t, "stage", "convert", separated.Fingerprint+"/main_vocals", "--model", "Taylor", "--pitch", "1")
	if err != nil {
		t.Fatalf("stage convert: %v", err)
	}
	if !strings.Contains(out, "cache miss") {
		t.Fatalf("expected a cache miss, got %q", out)
	}
	out, _, err = env.run(t, "stage", "convert", separated.Fingerprint+"/main_vocals", "--model", "Taylor", "--pitch", "1")
	if err != nil {
		t.Fatalf("repeat stage convert: %v", err)
	}
	if !strings.Contains(out, "cache hit") {
		t.Fatalf("expected a cache hit, got %q", out)
	}

	out, _, err = env.run(t, "lookup", separated.Fingerprint, "--verify")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	for _, want := range []string{"Stage:       separate", "main_vocals.wav", "Integrity:   ok", source.Outputs[0].HashID} {
		if !strings.Contains(out, want) {
			t.Fatalf("lookup output missing %q:\n%s", want, out)
		}
	}

	_, _, err = env.run(t, "lookup", strings.Repeat("0", len(separated.Fingerprint)))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if code := exitCode(err); code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestCLIStageFailureReportsTransformError(t *testing.T) {
	env := setupCLITestEnv(t,
		testsupport.WithStubbedBinaries(failingScript, "broken-converter"),
		testsupport.WithTransformCommand("convert", "broken-converter {input}"),
	)
	song := testsupport.WriteSong(t, env.songDir, "song.wav", "fa so")

	_, _, err := env.run(t, "run", song, "--model", "Taylor", "--skip-preflight")
	if err == nil {
		t.Fatal("expected run to fail")
	}
	var stageErr *services.StageExecutionError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageExecutionError, got %T: %v", err, err)
	}
	if stageErr.Stage != "convert" {
		t.Fatalf("failed stage = %s, want convert", stageErr.Stage)
	}
	if !strings.Contains(err.Error(), "model checkpoint missing") {
		t.Fatalf("error does not carry command stderr: %v", err)
	}
	if code := exitCode(err); code != 4 {
		t.Fatalf("exit code = %d, want 4", code)
	}

	out, _, err := env.run(t, "cache", "list", "--stage", "convert", "--json")
	if err != nil {
		t.Fatalf("cache list: %v", err)
	}
	if entries := decodeJSON[[]map[string]any](t, out); len(entries) != 0 {
		t.Fatalf("failed convert must not publish, found %v", entries)
	}
}

func TestCLIRunRejectsBadInput(t *testing.T) {
	env := setupCLITestEnv(t)
	song := testsupport.WriteSong(t, env.songDir, "song.wav", "ti")

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"missing file", []string{"run", filepath.Join(env.songDir, "nope.wav"), "--model", "Taylor"}, services.ErrNotFound},
		{"no model", []string{"run", song}, services.ErrValidation},
		{"bad index rate", []string{"run", song, "--model", "Taylor", "--index-rate", "2"}, services.ErrValidation},
		{"bad through", []string{"run", song, "--model", "Taylor", "--through", "master"}, services.ErrValidation},
		{"url source", []string{"run", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "--model", "Taylor"}, services.ErrValidation},
		{"bad fingerprint", []string{"run", "--source-fp", "xyz", "--model", "Taylor"}, services.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.run(t, tt.args...)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCLIRunFromSourceFingerprint(t *testing.T) {
	env := setupCLITestEnv(t)
	song := testsupport.WriteSong(t, env.songDir, "song.wav", "sol")

	out, _, err := env.run(t, "stage", "source", song, "--json")
	if err != nil {
		t.Fatalf("stage source: %v", err)
	}
	source := decodeJSON[artifactView](t, out)
	if err := os.Remove(song); err != nil {
		t.Fatalf("remove song: %v", err)
	}

	out, _, err = env.run(t, "run", "--source-fp", source.Fingerprint, "--model", "Taylor", "--json")
	if err != nil {
		t.Fatalf("run from fingerprint: %v", err)
	}
	summary := decodeJSON[runSummary](t, out)
	if summary.Stages[0].Outcome != "hit" || summary.Stages[0].Fingerprint != source.Fingerprint {
		t.Fatalf("unexpected source stage %+v", summary.Stages[0])
	}
	if filepath.Base(summary.Exported) != "cover.out" {
		t.Fatalf("exported = %q, want the render output name", summary.Exported)
	}
}

func TestCLICacheAndLineage(t *testing.T) {
	env := setupCLITestEnv(t)
	song := testsupport.WriteSong(t, env.songDir, "song.wav", "la")

	out, _, err := env.run(t, "run", song, "--model", "Taylor", "--run-id", "run-cli", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	summary := decodeJSON[runSummary](t, out)
	render := summary.Stages[len(summary.Stages)-1]

	out, _, err = env.run(t, "cache", "stats")
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	if !strings.Contains(out, "Artifacts: 6") {
		t.Fatalf("unexpected stats:\n%s", out)
	}

	out, _, err = env.run(t, "cache", "verify")
	if err != nil {
		t.Fatalf("cache verify: %v", err)
	}
	if !strings.Contains(out, "Checked 6 artifacts, 0 damaged") {
		t.Fatalf("unexpected verify output:\n%s", out)
	}

	out, _, err = env.run(t, "lineage", render.Fingerprint, "--json")
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	view := decodeJSON[struct {
		Ancestors   []map[string]any `json:"ancestors"`
		Descendants []string         `json:"descendants"`
	}](t, out)
	if len(view.Ancestors) != 5 {
		t.Fatalf("render should descend from 5 artifacts, got %d", len(view.Ancestors))
	}
	if len(view.Descendants) != 0 {
		t.Fatalf("render has no descendants, got %v", view.Descendants)
	}

	out, _, err = env.run(t, "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "run-cli") || !strings.Contains(out, "succeeded") {
		t.Fatalf("runs output missing the run:\n%s", out)
	}
	out, _, err = env.run(t, "runs", "show", "run-cli")
	if err != nil {
		t.Fatalf("runs show: %v", err)
	}
	if strings.Count(out, "miss") != 6 {
		t.Fatalf("expected 6 misses in:\n%s", out)
	}

	out, _, err = env.run(t, "cache", "prune", "--keep", render.Fingerprint)
	if err != nil {
		t.Fatalf("cache prune: %v", err)
	}
	if !strings.Contains(out, "No artifacts pruned") {
		t.Fatalf("unbounded cache must not prune:\n%s", out)
	}
}

func TestCLIStatus(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.run(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"== Environment ==", "Cache directory:", "separate transform:", "== Transforms ==", "== Cache ==", "no stages recorded yet"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status missing %q:\n%s", want, out)
		}
	}
}

func TestCLIConfigInitAndValidate(t *testing.T) {
	base := t.TempDir()
	t.Setenv("HOME", base)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, ".config"))
	target := filepath.Join(base, "coverforge.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("init output missing path:\n%s", out)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, ""); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}

	out, _, err = runCLI(t, []string{"config", "init", "--print"}, "")
	if err != nil {
		t.Fatalf("config init --print: %v", err)
	}
	if !strings.Contains(out, "[transforms]") {
		t.Fatalf("sample config missing transforms section:\n%s", out)
	}

	out, _, err = runCLI(t, []string{"config", "validate"}, target)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Fatalf("unexpected validate output:\n%s", out)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.Wrap(services.ErrValidation, "convert", "validate", "bad pitch", nil), 2},
		{services.Wrap(services.ErrConfiguration, "mix", "transform", "unset", nil), 2},
		{services.Wrap(services.ErrEncoding, "store", "read", "bad json", nil), 2},
		{services.Wrap(services.ErrNotFound, "store", "read", "gone", nil), 3},
		{services.NewStageExecutionError("separate", "", errors.New("boom")), 4},
		{services.Wrap(services.ErrIO, "store", "publish", "disk full", nil), 5},
		{services.Wrap(services.ErrTimeout, "convert", "run", "slow", nil), 5},
		{fmt.Errorf("plain"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseRef(t *testing.T) {
	fp, name, err := parseRef(" 0123456789/main_vocals ")
	if err != nil {
		t.Fatalf("parseRef: %v", err)
	}
	if string(fp) != "0123456789" || name != "main_vocals" {
		t.Fatalf("got %s %q", fp, name)
	}
	fp, name, err = parseRef("abcdefabcd")
	if err != nil || string(fp) != "abcdefabcd" || name != "" {
		t.Fatalf("bare fingerprint: %s %q %v", fp, name, err)
	}
	if _, _, err := parseRef("not-hex/out"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRenderStatusLine(t *testing.T) {
	plain := renderStatusLine("Cache volume", statusWarn, "12% free", false)
	if !strings.Contains(plain, "Cache volume:") || !strings.Contains(plain, "[WARN] 12% free") {
		t.Fatalf("unexpected line %q", plain)
	}
	colored := renderStatusLine("Cache volume", statusError, "", true)
	if !strings.HasPrefix(colored, ansiRed) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("expected red line, got %q", colored)
	}
	if shouldColorize(&strings.Builder{}) {
		t.Fatal("non-file writers must not be colorized")
	}
}
