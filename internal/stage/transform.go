package stage

import "context"

// Input is what a transform receives. Files are read-only local paths in the
// same order as Upstream.
type Input struct {
	Kind      Kind
	Files     []string
	Upstream  []FileMetaData
	Params    Params
	OutputDir string
}

// Output lists the files the transform wrote into Input.OutputDir. The first
// entry is the stage's primary output.
type Output struct {
	Files []string
}

// Transform is an external processing step. Implementations must be
// deterministic for a given input and parameter set.
type Transform interface {
	Name() string
	Apply(ctx context.Context, in Input) (Output, error)
	HealthCheck(ctx context.Context) Health
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, in Input) (Output, error)

func (f TransformFunc) Name() string { return "func" }

func (f TransformFunc) Apply(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

func (f TransformFunc) HealthCheck(context.Context) Health {
	return Healthy(f.Name())
}
