package stage

import (
	"fmt"
	"strings"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
)

// Params is the typed parameter record for one stage. The set of
// implementations is closed; each maps to exactly one Kind.
type Params interface {
	Kind() Kind
	// Fields returns the canonical parameter set used for fingerprinting.
	Fields() []fingerprint.Field
	// Validate checks domain ranges. The store never calls it; callers that
	// build parameters from user input do, through Check.
	Validate() error
	sealed()
}

// SourceType says where the source song came from.
type SourceType string

const (
	SourceURL     SourceType = "url"
	SourceFile    SourceType = "file"
	SourceSongDir SourceType = "song_dir"
)

// F0Method is the pitch extraction algorithm used during conversion.
type F0Method string

const (
	F0RMVPE       F0Method = "rmvpe"
	F0MangioCrepe F0Method = "mangio-crepe"
)

// AudioExt is an output container format.
type AudioExt string

const (
	ExtMP3  AudioExt = "mp3"
	ExtWAV  AudioExt = "wav"
	ExtFLAC AudioExt = "flac"
	ExtOGG  AudioExt = "ogg"
	ExtM4A  AudioExt = "m4a"
	ExtAAC  AudioExt = "aac"
)

// SourceParams describes how the source song was obtained. The source
// artifact is addressed by content alone; these values are provenance only.
type SourceParams struct {
	Type   SourceType
	Origin string
}

// SeparateParams selects the separation models.
type SeparateParams struct {
	VocalsModel  string
	KaraokeModel string
	SegmentSize  int
}

// ConvertParams configures RVC voice conversion.
type ConvertParams struct {
	ModelName    string
	NSemitones   int
	F0Method     F0Method
	IndexRate    float64
	FilterRadius int
	RMSMixRate   float64
	Protect      float64
	HopLength    int
}

// EffectParams configures the reverb applied to converted vocals.
type EffectParams struct {
	RoomSize float64
	WetLevel float64
	DryLevel float64
	Damping  float64
}

// MixParams configures the final mixdown. Gains are in dB.
type MixParams struct {
	MainGain   int
	InstGain   int
	BackupGain int
	OutputSR   int
}

// RenderParams selects the delivered file format and the exported file name.
type RenderParams struct {
	OutputFormat AudioExt
	OutputName   string
}

// DefaultSeparateParams returns the stock separation settings.
func DefaultSeparateParams() SeparateParams {
	return SeparateParams{VocalsModel: "UVR-MDX-NET-Voc_FT", KaraokeModel: "UVR_MDXNET_KARA_2", SegmentSize: 256}
}

// DefaultConvertParams returns the stock conversion settings for model.
func DefaultConvertParams(model string) ConvertParams {
	return ConvertParams{
		ModelName:    model,
		F0Method:     F0RMVPE,
		IndexRate:    0.5,
		FilterRadius: 3,
		RMSMixRate:   0.25,
		Protect:      0.33,
		HopLength:    128,
	}
}

// DefaultEffectParams returns the stock reverb settings.
func DefaultEffectParams() EffectParams {
	return EffectParams{RoomSize: 0.15, WetLevel: 0.2, DryLevel: 0.8, Damping: 0.7}
}

// DefaultMixParams returns unity gains at 44.1 kHz.
func DefaultMixParams() MixParams {
	return MixParams{OutputSR: 44100}
}

// DefaultRenderParams returns mp3 output with a derived name.
func DefaultRenderParams() RenderParams {
	return RenderParams{OutputFormat: ExtMP3}
}

func (SourceParams) Kind() Kind   { return KindSource }
func (SeparateParams) Kind() Kind { return KindSeparate }
func (ConvertParams) Kind() Kind  { return KindConvert }
func (EffectParams) Kind() Kind   { return KindEffects }
func (MixParams) Kind() Kind      { return KindMix }
func (RenderParams) Kind() Kind   { return KindRender }

func (SourceParams) sealed()   {}
func (SeparateParams) sealed() {}
func (ConvertParams) sealed()  {}
func (EffectParams) sealed()   {}
func (MixParams) sealed()      {}
func (RenderParams) sealed()   {}

func (p SourceParams) Fields() []fingerprint.Field {
	return []fingerprint.Field{
		{Name: "source_type", Value: p.Type},
		{Name: "origin", Value: p.Origin},
	}
}

func (p SeparateParams) Fields() []fingerprint.Field {
	return []fingerprint.Field{
		{Name: "vocals_model", Value: p.VocalsModel},
		{Name: "karaoke_model", Value: p.KaraokeModel},
		{Name: "segment_size", Value: p.SegmentSize},
	}
}

func (p ConvertParams) Fields() []fingerprint.Field {
	return []fingerprint.Field{
		{Name: "model_name", Value: p.ModelName},
		{Name: "n_semitones", Value: p.NSemitones},
		{Name: "f0_method", Value: p.F0Method},
		{Name: "index_rate", Value: p.IndexRate},
		{Name: "filter_radius", Value: p.FilterRadius},
		{Name: "rms_mix_rate", Value: p.RMSMixRate},
		{Name: "protect", Value: p.Protect},
		{Name: "hop_length", Value: p.HopLength},
	}
}

func (p EffectParams) Fields() []fingerprint.Field {
	return []fingerprint.Field{
		{Name: "room_size", Value: p.RoomSize},
		{Name: "wet_level", Value: p.WetLevel},
		{Name: "dry_level", Value: p.DryLevel},
		{Name: "damping", Value: p.Damping},
	}
}

func (p MixParams) Fields() []fingerprint.Field {
	return []fingerprint.Field{
		{Name: "main_gain", Value: p.MainGain},
		{Name: "inst_gain", Value: p.InstGain},
		{Name: "backup_gain", Value: p.BackupGain},
		{Name: "output_sr", Value: p.OutputSR},
	}
}

// Fields leaves out OutputName: it only names the exported copy, and the same
// rendered content must keep one fingerprint whatever it is exported as.
func (p RenderParams) Fields() []fingerprint.Field {
	return []fingerprint.Field{
		{Name: "output_format", Value: p.OutputFormat},
	}
}

func (p SourceParams) Validate() error {
	switch p.Type {
	case SourceURL, SourceFile, SourceSongDir:
	default:
		return invalid(KindSource, "unknown source type %q", p.Type)
	}
	if strings.TrimSpace(p.Origin) == "" {
		return invalid(KindSource, "origin is required")
	}
	return nil
}

func (p SeparateParams) Validate() error {
	if strings.TrimSpace(p.VocalsModel) == "" {
		return invalid(KindSeparate, "vocals model is required")
	}
	if p.SegmentSize <= 0 {
		return invalid(KindSeparate, "segment size must be positive, got %d", p.SegmentSize)
	}
	return nil
}

func (p ConvertParams) Validate() error {
	if strings.TrimSpace(p.ModelName) == "" {
		return invalid(KindConvert, "model name is required")
	}
	switch p.F0Method {
	case F0RMVPE, F0MangioCrepe:
	default:
		return invalid(KindConvert, "unknown f0 method %q", p.F0Method)
	}
	if err := unitRange(KindConvert, "index_rate", p.IndexRate, 0, 1); err != nil {
		return err
	}
	if p.FilterRadius < 0 || p.FilterRadius > 7 {
		return invalid(KindConvert, "filter_radius must be between 0 and 7, got %d", p.FilterRadius)
	}
	if err := unitRange(KindConvert, "rms_mix_rate", p.RMSMixRate, 0, 1); err != nil {
		return err
	}
	if err := unitRange(KindConvert, "protect", p.Protect, 0, 0.5); err != nil {
		return err
	}
	if p.HopLength < 1 || p.HopLength > 512 {
		return invalid(KindConvert, "hop_length must be between 1 and 512, got %d", p.HopLength)
	}
	return nil
}

func (p EffectParams) Validate() error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"room_size", p.RoomSize},
		{"wet_level", p.WetLevel},
		{"dry_level", p.DryLevel},
		{"damping", p.Damping},
	} {
		if err := unitRange(KindEffects, f.name, f.value, 0, 1); err != nil {
			return err
		}
	}
	return nil
}

func (p MixParams) Validate() error {
	for _, g := range []struct {
		name  string
		value int
	}{
		{"main_gain", p.MainGain},
		{"inst_gain", p.InstGain},
		{"backup_gain", p.BackupGain},
	} {
		if g.value < -20 || g.value > 20 {
			return invalid(KindMix, "%s must be between -20 and 20 dB, got %d", g.name, g.value)
		}
	}
	if p.OutputSR < 8000 || p.OutputSR > 192000 {
		return invalid(KindMix, "output_sr must be between 8000 and 192000, got %d", p.OutputSR)
	}
	return nil
}

func (p RenderParams) Validate() error {
	switch p.OutputFormat {
	case ExtMP3, ExtWAV, ExtFLAC, ExtOGG, ExtM4A, ExtAAC:
	default:
		return invalid(KindRender, "unsupported output format %q", p.OutputFormat)
	}
	if strings.ContainsAny(p.OutputName, `/\`) {
		return invalid(KindRender, "output name %q must not contain path separators", p.OutputName)
	}
	return nil
}

// Check rejects parameters that cannot be canonically encoded with
// services.ErrEncoding, then applies the domain checks of p.Validate.
func Check(p Params) error {
	if p == nil {
		return services.Wrap(services.ErrValidation, "stage", "validate parameters", "parameters are required", nil)
	}
	if _, err := fingerprint.Canonical(p.Fields()); err != nil {
		return err
	}
	return p.Validate()
}

func unitRange(kind Kind, name string, value, lo, hi float64) error {
	if !(value >= lo && value <= hi) {
		return invalid(kind, "%s must be between %g and %g, got %g", name, lo, hi, value)
	}
	return nil
}

func invalid(kind Kind, format string, args ...any) error {
	return services.Wrap(services.ErrValidation, string(kind), "validate parameters", fmt.Sprintf(format, args...), nil)
}
