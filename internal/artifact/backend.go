package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
)

// MetaFileName is the provenance record stored in every artifact directory.
const MetaFileName = "coverforge.meta.json"

// ErrPublished is returned by Backend.Publish when the target already exists.
var ErrPublished = errors.New("artifact already published")

// Backend abstracts the storage holding artifact directories.
type Backend interface {
	// Exists reports whether a published artifact is present.
	Exists(fp fingerprint.Fingerprint) (bool, error)
	// Open streams one file of a published artifact. Missing artifacts or
	// files report services.ErrNotFound.
	Open(fp fingerprint.Fingerprint, name string) (io.ReadCloser, error)
	// Path returns a local filesystem path for a file, when the backend has one.
	// An empty name returns the artifact directory.
	Path(fp fingerprint.Fingerprint, name string) (string, bool)
	// Stage allocates a private area for a producer.
	Stage() (Staging, error)
	// Publish atomically moves staging into place under fp. It fails with
	// ErrPublished when fp already exists.
	Publish(s Staging, fp fingerprint.Fingerprint) error
	// Lock acquires the exclusive producer lock for fp, blocking until it is
	// free or ctx ends.
	Lock(ctx context.Context, fp fingerprint.Fingerprint) (unlock func(), err error)
}

// Staging is a producer's private write area.
type Staging interface {
	Create(name string) (io.WriteCloser, error)
	// Import moves the file at path into the staging area, copying when a
	// rename is not possible.
	Import(name, path string) error
	Discard() error
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "",
		name == MetaFileName,
		strings.HasPrefix(name, "."),
		strings.ContainsAny(name, `/\`):
		return services.Wrap(services.ErrValidation, "artifact", "output name", fmt.Sprintf("invalid output name %q", name), nil)
	}
	return nil
}

func notFound(fp fingerprint.Fingerprint, name string) error {
	detail := string(fp)
	if name != "" {
		detail += "/" + name
	}
	return services.Wrap(services.ErrNotFound, "artifact", "read", detail, nil)
}
