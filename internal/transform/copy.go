package transform

import (
	"context"
	"os"
	"path/filepath"

	"coverforge/internal/fileutil"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

// Copy places each input file into the output directory unchanged. It backs
// local source acquisition, where the artifact is the song itself.
type Copy struct{}

func (Copy) Name() string { return "copy" }

func (Copy) Apply(ctx context.Context, in stage.Input) (stage.Output, error) {
	if len(in.Files) == 0 {
		return stage.Output{}, services.Wrap(services.ErrValidation, "copy", "apply", "no input files", nil)
	}
	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return stage.Output{}, services.Wrap(services.ErrIO, "copy", "apply", in.OutputDir, err)
	}
	out := stage.Output{Files: make([]string, 0, len(in.Files))}
	for _, src := range in.Files {
		if err := ctx.Err(); err != nil {
			return stage.Output{}, err
		}
		dst := filepath.Join(in.OutputDir, filepath.Base(src))
		if err := fileutil.CopyFile(src, dst); err != nil {
			if os.IsNotExist(err) {
				return stage.Output{}, services.Wrap(services.ErrNotFound, "copy", "apply", src, err)
			}
			return stage.Output{}, services.Wrap(services.ErrIO, "copy", "apply", src, err)
		}
		out.Files = append(out.Files, dst)
	}
	return out, nil
}

func (Copy) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("copy")
}
