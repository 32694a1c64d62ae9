package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"coverforge/internal/artifact"
	"coverforge/internal/config"
	"coverforge/internal/lineage"
	"coverforge/internal/logging"
	"coverforge/internal/pipeline"
	"coverforge/internal/sweep"
	"coverforge/internal/transform"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	runtimeOnce sync.Once
	runtime     *runtime
	runtimeErr  error
}

// runtime holds the services a command needs, opened on first use.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	backend  *artifact.FSBackend
	store    *artifact.Store
	index    *lineage.Index
	registry *transform.Registry
	orch     *pipeline.Orchestrator
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureRuntime() (*runtime, error) {
	c.runtimeOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.runtimeErr = err
			return
		}
		c.runtime, c.runtimeErr = openRuntime(cfg)
	})
	return c.runtime, c.runtimeErr
}

func openRuntime(cfg *config.Config) (*runtime, error) {
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	backend, err := artifact.NewFSBackend(cfg.Paths.CacheDir, artifact.WithLockRetry(cfg.LockRetry()))
	if err != nil {
		return nil, err
	}
	store, err := artifact.NewStore(backend,
		artifact.WithDigestSize(cfg.Cache.DigestSize),
		artifact.WithLockTimeout(cfg.LockTimeout()),
		artifact.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	index, err := lineage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open lineage index: %w", err)
	}
	registry, err := transform.FromConfig(cfg, logger)
	if err != nil {
		index.Close()
		return nil, err
	}
	orch, err := pipeline.New(store, registry,
		pipeline.WithRecorder(index),
		pipeline.WithLogger(logger),
		pipeline.WithScratchDir(filepath.Join(cfg.Paths.CacheDir, ".scratch")),
	)
	if err != nil {
		index.Close()
		return nil, err
	}
	return &runtime{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		store:    store,
		index:    index,
		registry: registry,
		orch:     orch,
	}, nil
}

func (r *runtime) sweeper() (*sweep.Sweeper, error) {
	return sweep.NewFromConfig(r.cfg, r.store, r.backend, r.index, r.logger)
}

func (c *commandContext) close() error {
	if c.runtime == nil || c.runtime.index == nil {
		return nil
	}
	err := c.runtime.index.Close()
	c.runtime.index = nil
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func humanBytes(v int64) string {
	const unit = 1024
	if v < unit {
		return fmt.Sprintf("%d B", v)
	}
	div := int64(unit)
	exp := 0
	for n := v / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	value := float64(v) / float64(div)
	return fmt.Sprintf("%.1f %ciB", value, "KMGTPEZY"[exp])
}
