package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"coverforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.CacheDir = filepath.Join(base, "cache")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.IndexPath = filepath.Join(base, "index", "lineage.db")
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Cache.LockTimeoutSeconds = 5
	cfgVal.Cache.LockRetryMillis = 5

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithDigestSize overrides the fingerprint digest size.
func WithDigestSize(size int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Cache.DigestSize = size
	}
}

// WithMaxGiB sets the sweep size budget.
func WithMaxGiB(gib int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Cache.MaxGiB = gib
	}
}

// WithTransformCommand configures the external command for one stage.
func WithTransformCommand(stageName, command string) ConfigOption {
	return func(b *configBuilder) {
		switch stageName {
		case "separate":
			b.cfg.Transforms.Separate = command
		case "convert":
			b.cfg.Transforms.Convert = command
		case "effects":
			b.cfg.Transforms.Effects = command
		case "mix":
			b.cfg.Transforms.Mix = command
		case "render":
			b.cfg.Transforms.Render = command
		default:
			b.t.Fatalf("unknown stage %q", stageName)
		}
	}
}

// WithStubbedBinaries writes executables for the provided names and prepends
// them to PATH. Each stub runs script, which defaults to a successful no-op.
func WithStubbedBinaries(script string, names ...string) ConfigOption {
	return func(b *configBuilder) {
		if script == "" {
			script = "#!/bin/sh\nexit 0\n"
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.CacheDir)
}
