package artifact

import (
	"fmt"
	"io"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

// Handle is a read view of a published artifact.
type Handle struct {
	Fingerprint fingerprint.Fingerprint
	// Dir is the artifact directory for local backends and empty otherwise.
	Dir  string
	Meta stage.MetaData
	// Fresh is true only for the caller whose producer created the artifact.
	Fresh bool

	backend Backend
}

// FileRef names one output of one artifact.
type FileRef struct {
	Artifact fingerprint.Fingerprint
	File     stage.FileMetaData
}

func (r FileRef) String() string {
	return fmt.Sprintf("%s/%s", r.Artifact, r.File.Name)
}

// Outputs lists the artifact's files in production order.
func (h *Handle) Outputs() []stage.FileMetaData {
	out := make([]stage.FileMetaData, len(h.Meta.Outputs))
	copy(out, h.Meta.Outputs)
	return out
}

// Path returns the local path of an output when the backend has one.
func (h *Handle) Path(name string) (string, bool) {
	if h.backend == nil {
		return "", false
	}
	return h.backend.Path(h.Fingerprint, name)
}

// Open streams one output. The artifact may have been swept since the handle
// was obtained, in which case services.ErrNotFound is returned.
func (h *Handle) Open(name string) (io.ReadCloser, error) {
	if h.backend == nil {
		return nil, notFound(h.Fingerprint, name)
	}
	return h.backend.Open(h.Fingerprint, name)
}

// Primary returns the first output.
func (h *Handle) Primary() (FileRef, error) {
	if len(h.Meta.Outputs) == 0 {
		return FileRef{}, services.Wrap(services.ErrNotFound, string(h.Meta.StageKind), "primary output", string(h.Fingerprint)+" has no outputs", nil)
	}
	return FileRef{Artifact: h.Fingerprint, File: h.Meta.Outputs[0]}, nil
}

// File returns the output whose name matches exactly or by stem, so
// "vocals" finds "vocals.wav".
func (h *Handle) File(name string) (FileRef, error) {
	out, ok := h.Meta.Output(name)
	if !ok {
		return FileRef{}, services.Wrap(services.ErrNotFound, string(h.Meta.StageKind), "output", fmt.Sprintf("%s has no output %q", h.Fingerprint, name), nil)
	}
	return FileRef{Artifact: h.Fingerprint, File: out}, nil
}
