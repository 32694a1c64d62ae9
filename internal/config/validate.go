package config

import (
	"errors"
	"fmt"

	"coverforge/internal/fingerprint"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateTransforms(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.CacheDir == "" {
		return errors.New("paths.cache_dir must be set")
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.DigestSize < 1 || c.Cache.DigestSize > fingerprint.MaxDigestSize {
		return fmt.Errorf("cache.digest_size must be between 1 and %d", fingerprint.MaxDigestSize)
	}
	if c.Cache.LockTimeoutSeconds < 0 {
		return errors.New("cache.lock_timeout_seconds must be >= 0")
	}
	if c.Cache.LockRetryMillis <= 0 {
		return errors.New("cache.lock_retry_millis must be positive")
	}
	if c.Cache.MaxGiB < 0 {
		return errors.New("cache.max_gib must be >= 0")
	}
	if c.Cache.StaleStagingHours <= 0 {
		return errors.New("cache.stale_staging_hours must be positive")
	}
	return nil
}

func (c *Config) validateTransforms() error {
	if c.Transforms.TimeoutSeconds < 0 {
		return errors.New("transforms.timeout_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
