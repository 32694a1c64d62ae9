package testsupport

import (
	"testing"

	"coverforge/internal/artifact"
	"coverforge/internal/config"
	"coverforge/internal/lineage"
)

// MustOpenIndex opens a lineage.Index for tests and registers cleanup.
func MustOpenIndex(t testing.TB, cfg *config.Config) *lineage.Index {
	t.Helper()

	idx, err := lineage.Open(cfg)
	if err != nil {
		t.Fatalf("lineage.Open: %v", err)
	}
	t.Cleanup(func() {
		idx.Close()
	})
	return idx
}

// MustOpenStore opens a filesystem-backed artifact store rooted at the
// config's cache directory.
func MustOpenStore(t testing.TB, cfg *config.Config) (*artifact.Store, *artifact.FSBackend) {
	t.Helper()

	backend, err := artifact.NewFSBackend(cfg.Paths.CacheDir, artifact.WithLockRetry(cfg.LockRetry()))
	if err != nil {
		t.Fatalf("artifact.NewFSBackend: %v", err)
	}
	store, err := artifact.NewStore(backend,
		artifact.WithDigestSize(cfg.Cache.DigestSize),
		artifact.WithLockTimeout(cfg.LockTimeout()),
	)
	if err != nil {
		t.Fatalf("artifact.NewStore: %v", err)
	}
	return store, backend
}
