package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	CacheDir  string `toml:"cache_dir"`
	LogDir    string `toml:"log_dir"`
	IndexPath string `toml:"index_path"`
	OutputDir string `toml:"output_dir"`
}

// Cache contains configuration for the artifact store.
type Cache struct {
	// DigestSize is the BLAKE2b digest length in bytes (1..64).
	DigestSize         int `toml:"digest_size"`
	LockTimeoutSeconds int `toml:"lock_timeout_seconds"`
	LockRetryMillis    int `toml:"lock_retry_millis"`
	// MaxGiB caps the cache size enforced by `cache prune`. Zero disables the cap.
	MaxGiB int `toml:"max_gib"`
	// StaleStagingHours controls when abandoned staging directories are swept.
	StaleStagingHours int `toml:"stale_staging_hours"`
}

// Transforms maps pipeline stages to external command templates. An empty
// command leaves the stage without a transform.
type Transforms struct {
	Separate       string `toml:"separate"`
	Convert        string `toml:"convert"`
	Effects        string `toml:"effects"`
	Mix            string `toml:"mix"`
	Render         string `toml:"render"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for coverforge.
//
// Configuration sections by subsystem:
//   - Paths: cache root, lineage index, logs and rendered output
//   - Cache: digest size, producer lock timing and prune budget
//   - Transforms: external commands executed per stage
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Cache      Cache      `toml:"cache"`
	Transforms Transforms `toml:"transforms"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("coverforge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the cache, log and output directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.CacheDir, c.Paths.LogDir, c.Paths.OutputDir, filepath.Dir(c.Paths.IndexPath)} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockTimeout returns how long a producer waits for another process holding
// the same fingerprint lock.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Cache.LockTimeoutSeconds) * time.Second
}

// LockRetry returns the polling interval used while waiting on a held lock.
func (c *Config) LockRetry() time.Duration {
	return time.Duration(c.Cache.LockRetryMillis) * time.Millisecond
}

// MaxCacheBytes returns the prune budget in bytes, or zero when unlimited.
func (c *Config) MaxCacheBytes() int64 {
	return int64(c.Cache.MaxGiB) * 1024 * 1024 * 1024
}

// StaleStagingAge returns the age after which staging directories are abandoned.
func (c *Config) StaleStagingAge() time.Duration {
	return time.Duration(c.Cache.StaleStagingHours) * time.Hour
}

// TransformTimeout returns the per-invocation timeout for external commands.
func (c *Config) TransformTimeout() time.Duration {
	return time.Duration(c.Transforms.TimeoutSeconds) * time.Second
}

// TransformCommand returns the configured command template for a stage name.
func (c *Config) TransformCommand(stage string) string {
	switch stage {
	case "separate":
		return c.Transforms.Separate
	case "convert":
		return c.Transforms.Convert
	case "effects":
		return c.Transforms.Effects
	case "mix":
		return c.Transforms.Mix
	case "render":
		return c.Transforms.Render
	default:
		return ""
	}
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "coverforge", "artifacts")
	}
	return "~/.cache/coverforge/artifacts"
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
