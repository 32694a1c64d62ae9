package stage_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

func TestKindOrder(t *testing.T) {
	kinds := stage.Kinds()
	want := []stage.Kind{stage.KindSource, stage.KindSeparate, stage.KindConvert, stage.KindEffects, stage.KindMix, stage.KindRender}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected kinds %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kind %d = %s, want %s", i, kinds[i], want[i])
		}
		next, ok := kinds[i].Next()
		if i == len(want)-1 {
			if ok {
				t.Fatalf("render must be terminal, got %s", next)
			}
			continue
		}
		if !ok || next != want[i+1] {
			t.Fatalf("%s.Next() = %s, want %s", kinds[i], next, want[i+1])
		}
	}
	if stage.KindEffects.State() != "Effected" {
		t.Fatalf("unexpected state %q", stage.KindEffects.State())
	}
	if _, err := stage.ParseKind("Convert"); err != nil {
		t.Fatalf("ParseKind: %v", err)
	}
	if _, err := stage.ParseKind("upload"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func convertDescriptor(semitones int) stage.Descriptor {
	params := stage.DefaultConvertParams("singer")
	params.NSemitones = semitones
	return stage.Descriptor{
		Kind:     stage.KindConvert,
		Upstream: []stage.FileMetaData{{Name: "main_vocals.wav", HashID: "0a1b2c3d4e"}},
		Params:   params,
	}
}

func TestDescriptorFingerprintDeterministicAndSensitive(t *testing.T) {
	a, err := convertDescriptor(2).Fingerprint(fingerprint.DefaultDigestSize)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	again, err := convertDescriptor(2).Fingerprint(fingerprint.DefaultDigestSize)
	if err != nil {
		t.Fatal(err)
	}
	if a != again {
		t.Fatalf("fingerprint not deterministic: %s vs %s", a, again)
	}
	b, err := convertDescriptor(3).Fingerprint(fingerprint.DefaultDigestSize)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("n_semitones change must alter the fingerprint")
	}

	upstreamChanged := convertDescriptor(2)
	upstreamChanged.Upstream = []stage.FileMetaData{{Name: "main_vocals.wav", HashID: "0a1b2c3d4f"}}
	c, err := upstreamChanged.Fingerprint(fingerprint.DefaultDigestSize)
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Fatal("upstream hash change must alter the fingerprint")
	}
	if a.Size() != fingerprint.DefaultDigestSize {
		t.Fatalf("unexpected size %d", a.Size())
	}
}

func TestDescriptorKindParticipates(t *testing.T) {
	upstream := []stage.FileMetaData{{Name: "in.wav", HashID: "0a1b2c3d4e"}}
	render, err := stage.Descriptor{Kind: stage.KindRender, Upstream: upstream, Params: stage.RenderParams{OutputFormat: stage.ExtWAV}}.Fingerprint(16)
	if err != nil {
		t.Fatal(err)
	}
	renderMP3, err := stage.Descriptor{Kind: stage.KindRender, Upstream: upstream, Params: stage.RenderParams{OutputFormat: stage.ExtMP3}}.Fingerprint(16)
	if err != nil {
		t.Fatal(err)
	}
	if render == renderMP3 {
		t.Fatal("output format must alter the fingerprint")
	}
}

func TestDescriptorRejectsMismatchedParams(t *testing.T) {
	d := stage.Descriptor{
		Kind:     stage.KindEffects,
		Upstream: []stage.FileMetaData{{Name: "in.wav", HashID: "0a1b2c3d4e"}},
		Params:   stage.DefaultMixParams(),
	}
	if _, err := d.Fingerprint(5); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	d.Params = stage.DefaultEffectParams()
	d.Upstream = nil
	if _, err := d.Fingerprint(5); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for missing upstream, got %v", err)
	}
}

func TestDescriptorNonFiniteParamsFailEncoding(t *testing.T) {
	params := stage.DefaultEffectParams()
	params.WetLevel = math.NaN()
	d := stage.Descriptor{
		Kind:     stage.KindEffects,
		Upstream: []stage.FileMetaData{{Name: "in.wav", HashID: "0a1b2c3d4e"}},
		Params:   params,
	}
	if _, err := d.Fingerprint(5); !errors.Is(err, services.ErrEncoding) {
		t.Fatalf("expected encoding error, got %v", err)
	}
}

func TestSourceDescriptorIsContentAddressed(t *testing.T) {
	d := stage.Descriptor{
		Kind:     stage.KindSource,
		Upstream: []stage.FileMetaData{{Name: "song.mp3", HashID: "4d5df5db21"}},
		Params:   stage.SourceParams{Type: stage.SourceFile, Origin: "/music/song.mp3"},
	}
	fp, err := d.Fingerprint(5)
	if err != nil {
		t.Fatal(err)
	}
	if fp != "4d5df5db21" {
		t.Fatalf("source fingerprint should equal content hash, got %s", fp)
	}
	if _, err := d.Fingerprint(16); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected digest size mismatch to fail, got %v", err)
	}
}

func TestMetaDataRoundTripPreservesFingerprint(t *testing.T) {
	d := convertDescriptor(2)
	want, err := d.Fingerprint(5)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := stage.NewMetaData(d, 5)
	if err != nil {
		t.Fatalf("NewMetaData: %v", err)
	}
	meta.Outputs = []stage.FileMetaData{{Name: "converted.wav", HashID: "ffeeddccbb"}}

	encoded, err := meta.MarshalCanonical()
	if err != nil {
		t.Fatalf("MarshalCanonical: %v", err)
	}
	again, err := meta.MarshalCanonical()
	if err != nil {
		t.Fatal(err)
	}
	if string(encoded) != string(again) {
		t.Fatal("metadata encoding must be stable")
	}
	if !strings.Contains(string(encoded), "\"n_semitones\": 2,") || !strings.Contains(string(encoded), "\"index_rate\": 0.5,") {
		t.Fatalf("unexpected encoding:\n%s", encoded)
	}

	parsed, err := stage.ParseMetaData(encoded)
	if err != nil {
		t.Fatalf("ParseMetaData: %v", err)
	}
	got, err := parsed.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if got != want {
		t.Fatalf("recomputed fingerprint %s, want %s", got, want)
	}
	reencoded, err := parsed.MarshalCanonical()
	if err != nil {
		t.Fatal(err)
	}
	if string(reencoded) != string(encoded) {
		t.Fatalf("re-encoding drifted:\n%s\nvs\n%s", reencoded, encoded)
	}
	if out, ok := parsed.Output("converted"); !ok || out.HashID != "ffeeddccbb" {
		t.Fatalf("Output lookup by stem failed: %+v %v", out, ok)
	}
}

func TestParseMetaDataRejectsGarbage(t *testing.T) {
	tests := []string{
		"{",
		`{"stage_kind":"upload","digest_size":5}`,
		`{"stage_kind":"mix","digest_size":0}`,
	}
	for _, raw := range tests {
		if _, err := stage.ParseMetaData([]byte(raw)); !errors.Is(err, services.ErrEncoding) {
			t.Fatalf("ParseMetaData(%q): expected encoding error, got %v", raw, err)
		}
	}
}

func TestParamsValidate(t *testing.T) {
	valid := []stage.Params{
		stage.SourceParams{Type: stage.SourceURL, Origin: "https://example.com/song"},
		stage.DefaultSeparateParams(),
		stage.DefaultConvertParams("singer"),
		stage.DefaultEffectParams(),
		stage.DefaultMixParams(),
		stage.DefaultRenderParams(),
	}
	for _, p := range valid {
		if err := p.Validate(); err != nil {
			t.Fatalf("%s defaults should validate: %v", p.Kind(), err)
		}
	}

	badConvert := stage.DefaultConvertParams("singer")
	badConvert.Protect = 0.9
	badEffects := stage.DefaultEffectParams()
	badEffects.Damping = math.NaN()
	badMix := stage.DefaultMixParams()
	badMix.InstGain = 30
	invalid := []stage.Params{
		stage.SourceParams{Type: "ftp", Origin: "x"},
		stage.SeparateParams{VocalsModel: "m"},
		badConvert,
		stage.ConvertParams{ModelName: "singer", F0Method: "harvest", HopLength: 128},
		badEffects,
		badMix,
		stage.RenderParams{OutputFormat: "wma"},
		stage.RenderParams{OutputFormat: stage.ExtMP3, OutputName: "../escape"},
	}
	for _, p := range invalid {
		if err := p.Validate(); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("%s %+v: expected validation error, got %v", p.Kind(), p, err)
		}
	}
}

func TestCheckReportsEncodingBeforeRange(t *testing.T) {
	nan := stage.DefaultConvertParams("singer")
	nan.IndexRate = math.NaN()
	if err := stage.Check(nan); !errors.Is(err, services.ErrEncoding) || errors.Is(err, services.ErrValidation) {
		t.Fatalf("Check(NaN index rate) = %v, want encoding error only", err)
	}

	wide := stage.DefaultConvertParams("singer")
	wide.FilterRadius = 9
	if err := stage.Check(wide); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Check(filter radius 9) = %v, want validation error", err)
	}
	if err := stage.Check(stage.DefaultMixParams()); err != nil {
		t.Fatalf("Check(defaults) = %v", err)
	}
	if err := stage.Check(nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Check(nil) = %v, want validation error", err)
	}
}

func TestRenderOutputNameDoesNotMoveFingerprint(t *testing.T) {
	upstream := []stage.FileMetaData{{Name: "mixed.wav", HashID: "0a1b2c3d4e"}}
	fp := func(name string) fingerprint.Fingerprint {
		t.Helper()
		got, err := stage.Descriptor{
			Kind:     stage.KindRender,
			Upstream: upstream,
			Params:   stage.RenderParams{OutputFormat: stage.ExtMP3, OutputName: name},
		}.Fingerprint(5)
		if err != nil {
			t.Fatalf("Fingerprint(%q): %v", name, err)
		}
		return got
	}
	if a, b := fp("song (Taylor Ver)"), fp("renamed (Taylor Ver)"); a != b {
		t.Fatalf("export name changed render fingerprint: %s vs %s", a, b)
	}
	if fp("") != fp("anything") {
		t.Fatalf("empty export name changed render fingerprint")
	}
}
