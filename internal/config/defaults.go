package config

import "coverforge/internal/fingerprint"

const (
	defaultConfigPath        = "~/.config/coverforge/config.toml"
	defaultLogDir            = "~/.local/share/coverforge/logs"
	defaultIndexPath         = "~/.local/share/coverforge/lineage.db"
	defaultOutputDir         = "~/.local/share/coverforge/output"
	defaultLockTimeout       = 600
	defaultLockRetryMillis   = 200
	defaultCacheMaxGiB       = 50
	defaultStaleStagingHours = 24
	defaultTransformTimeout  = 1800
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			CacheDir:  defaultCacheDir(),
			LogDir:    defaultLogDir,
			IndexPath: defaultIndexPath,
			OutputDir: defaultOutputDir,
		},
		Cache: Cache{
			DigestSize:         fingerprint.DefaultDigestSize,
			LockTimeoutSeconds: defaultLockTimeout,
			LockRetryMillis:    defaultLockRetryMillis,
			MaxGiB:             defaultCacheMaxGiB,
			StaleStagingHours:  defaultStaleStagingHours,
		},
		Transforms: Transforms{
			TimeoutSeconds: defaultTransformTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
