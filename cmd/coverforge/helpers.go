package main

import (
	"strings"

	"github.com/spf13/cobra"

	"coverforge/internal/artifact"
	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

// exitCode maps an error kind to a process exit status so scripts can tell
// a retryable failure from a bad request.
func exitCode(err error) int {
	switch services.KindOf(err) {
	case services.KindValidation, services.KindConfiguration, services.KindEncoding:
		return 2
	case services.KindNotFound:
		return 3
	case services.KindStageExecution:
		return 4
	case services.KindIO, services.KindTimeout:
		return 5
	default:
		return 1
	}
}

// stageFlags binds every stage's parameters to command flags.
type stageFlags struct {
	separate stage.SeparateParams
	convert  stage.ConvertParams
	effects  stage.EffectParams
	mix      stage.MixParams
	render   stage.RenderParams
	f0       string
	format   string
}

func bindStageFlags(cmd *cobra.Command) *stageFlags {
	f := &stageFlags{
		separate: stage.DefaultSeparateParams(),
		convert:  stage.DefaultConvertParams(""),
		effects:  stage.DefaultEffectParams(),
		mix:      stage.DefaultMixParams(),
		render:   stage.DefaultRenderParams(),
	}
	f.f0 = string(f.convert.F0Method)
	f.format = string(f.render.OutputFormat)

	flags := cmd.Flags()
	flags.StringVar(&f.separate.VocalsModel, "vocals-model", f.separate.VocalsModel, "Separation model for vocals/instrumentals")
	flags.StringVar(&f.separate.KaraokeModel, "karaoke-model", f.separate.KaraokeModel, "Separation model for main/backup vocals")
	flags.IntVar(&f.separate.SegmentSize, "segment-size", f.separate.SegmentSize, "Separation segment size")

	flags.StringVarP(&f.convert.ModelName, "model", "m", "", "Voice model name")
	flags.IntVarP(&f.convert.NSemitones, "pitch", "p", 0, "Pitch shift of the converted vocals in semitones")
	flags.StringVar(&f.f0, "f0-method", f.f0, "Pitch extraction method (rmvpe, mangio-crepe)")
	flags.Float64Var(&f.convert.IndexRate, "index-rate", f.convert.IndexRate, "Index rate (0..1)")
	flags.IntVar(&f.convert.FilterRadius, "filter-radius", f.convert.FilterRadius, "Median filter radius (0..7)")
	flags.Float64Var(&f.convert.RMSMixRate, "rms-mix-rate", f.convert.RMSMixRate, "Volume envelope mix rate (0..1)")
	flags.Float64Var(&f.convert.Protect, "protect", f.convert.Protect, "Consonant protection (0..0.5)")
	flags.IntVar(&f.convert.HopLength, "hop-length", f.convert.HopLength, "Crepe hop length (1..512)")

	flags.Float64Var(&f.effects.RoomSize, "room-size", f.effects.RoomSize, "Reverb room size (0..1)")
	flags.Float64Var(&f.effects.WetLevel, "wet-level", f.effects.WetLevel, "Reverb wet level (0..1)")
	flags.Float64Var(&f.effects.DryLevel, "dry-level", f.effects.DryLevel, "Reverb dry level (0..1)")
	flags.Float64Var(&f.effects.Damping, "damping", f.effects.Damping, "Reverb damping (0..1)")

	flags.IntVar(&f.mix.MainGain, "main-gain", 0, "Main vocal gain in dB")
	flags.IntVar(&f.mix.InstGain, "inst-gain", 0, "Instrumental gain in dB")
	flags.IntVar(&f.mix.BackupGain, "backup-gain", 0, "Backup vocal gain in dB")
	flags.IntVar(&f.mix.OutputSR, "sample-rate", f.mix.OutputSR, "Mix sample rate")

	flags.StringVar(&f.format, "format", f.format, "Rendered file format (mp3, wav, flac, ogg, m4a, aac)")
	flags.StringVar(&f.render.OutputName, "name", "", "Rendered file name without extension")
	return f
}

func (f *stageFlags) params(kind stage.Kind) (stage.Params, error) {
	p, err := f.raw(kind)
	if err != nil {
		return nil, err
	}
	if err := stage.Check(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (f *stageFlags) raw(kind stage.Kind) (stage.Params, error) {
	switch kind {
	case stage.KindSeparate:
		return f.separate, nil
	case stage.KindConvert:
		p := f.convert
		p.F0Method = stage.F0Method(strings.TrimSpace(f.f0))
		return p, nil
	case stage.KindEffects:
		return f.effects, nil
	case stage.KindMix:
		return f.mix, nil
	case stage.KindRender:
		p := f.render
		p.OutputFormat = stage.AudioExt(strings.ToLower(strings.TrimSpace(f.format)))
		return p, nil
	}
	return nil, services.Wrap(services.ErrValidation, string(kind), "flags", "stage takes no parameters from flags", nil)
}

// parseRef parses "<fingerprint>" or "<fingerprint>/<output>".
func parseRef(value string) (fingerprint.Fingerprint, string, error) {
	value = strings.TrimSpace(value)
	fpPart, name, _ := strings.Cut(value, "/")
	fp, err := fingerprint.Parse(fpPart)
	if err != nil {
		return "", "", err
	}
	return fp, name, nil
}

// resolveRef turns a reference into a FileRef against store.
func resolveRef(store *artifact.Store, value string) (artifact.FileRef, error) {
	fp, name, err := parseRef(value)
	if err != nil {
		return artifact.FileRef{}, err
	}
	h, err := store.Read(fp)
	if err != nil {
		return artifact.FileRef{}, err
	}
	if name == "" {
		return h.Primary()
	}
	return h.File(name)
}

func formatOutputs(files []stage.FileMetaData) string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return strings.Join(names, ", ")
}
