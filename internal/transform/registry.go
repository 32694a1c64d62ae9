package transform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"coverforge/internal/config"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

// Registry maps stage kinds to their transforms.
type Registry struct {
	transforms map[stage.Kind]stage.Transform
}

// NewRegistry returns a registry with the copy transform bound to the
// source stage.
func NewRegistry() *Registry {
	return &Registry{transforms: map[stage.Kind]stage.Transform{stage.KindSource: Copy{}}}
}

// defaultOutputs are the file names each stage's command must produce.
// Separation outputs are matched by stem downstream, so only their stems
// matter; other stages may name their single output freely.
var defaultOutputs = map[stage.Kind][]string{
	stage.KindSeparate: {"vocals.wav", "instrumentals.wav", "main_vocals.wav", "backup_vocals.wav"},
}

// FromConfig builds command transforms for every stage with a configured
// command line.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	if cfg == nil {
		return r, nil
	}
	for _, kind := range stage.Kinds() {
		if kind == stage.KindSource {
			continue
		}
		line := cfg.TransformCommand(string(kind))
		if strings.TrimSpace(line) == "" {
			continue
		}
		opts := []CommandOption{WithTimeout(cfg.TransformTimeout()), WithCommandLogger(logger)}
		if outputs, ok := defaultOutputs[kind]; ok {
			opts = append(opts, WithExpectedOutputs(outputs...))
		}
		cmd, err := NewCommand(string(kind), line, opts...)
		if err != nil {
			return nil, err
		}
		r.Register(kind, cmd)
	}
	return r, nil
}

// Register binds t to kind, replacing any previous binding.
func (r *Registry) Register(kind stage.Kind, t stage.Transform) {
	r.transforms[kind] = t
}

// Get returns the transform for kind or a configuration error.
func (r *Registry) Get(kind stage.Kind) (stage.Transform, error) {
	if t, ok := r.transforms[kind]; ok && t != nil {
		return t, nil
	}
	return nil, services.Wrap(services.ErrConfiguration, string(kind), "transform",
		fmt.Sprintf("no transform configured for %s (set transforms.%s)", kind, kind), nil)
}

// HealthCheck reports readiness of every registered transform in stage order.
func (r *Registry) HealthCheck(ctx context.Context) []stage.Health {
	kinds := make([]stage.Kind, 0, len(r.transforms))
	for kind := range r.transforms {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Index() < kinds[j].Index() })
	out := make([]stage.Health, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, r.transforms[kind].HealthCheck(ctx))
	}
	return out
}
