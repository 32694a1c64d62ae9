// Package config loads, normalizes, and validates coverforge configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the COVERFORGE_CACHE_DIR
// environment fallback. The Config type centralizes the cache root, digest
// size, producer lock timing and the external commands that implement each
// pipeline stage.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
