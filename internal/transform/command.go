package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"coverforge/internal/deps"
	"coverforge/internal/fingerprint"
	"coverforge/internal/logging"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

const (
	stderrTailBytes = 4096
	// waitDelay bounds how long output pipes may stay open after the
	// command is killed, since grandchildren can inherit them.
	waitDelay = 2 * time.Second
)

// Command runs an external program for one stage.
type Command struct {
	name    string
	line    string
	args    []string
	outputs []string
	timeout time.Duration
	logger  *slog.Logger
}

// CommandOption customizes a Command.
type CommandOption func(*Command)

// WithTimeout bounds a single invocation. Zero means no limit.
func WithTimeout(d time.Duration) CommandOption {
	return func(c *Command) { c.timeout = d }
}

// WithExpectedOutputs lists the files the command must produce, primary
// first. Without it every file left in the output directory is collected in
// name order.
func WithExpectedOutputs(names ...string) CommandOption {
	return func(c *Command) { c.outputs = append([]string(nil), names...) }
}

// WithCommandLogger sets the logger used for command diagnostics.
func WithCommandLogger(logger *slog.Logger) CommandOption {
	return func(c *Command) { c.logger = logger }
}

// NewCommand parses a command-line template.
func NewCommand(name, line string, opts ...CommandOption) (*Command, error) {
	args, err := deps.SplitCommandLine(line)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, name, "parse command", "", err)
	}
	if len(args) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, name, "parse command", "command line is empty", nil)
	}
	c := &Command{name: name, line: line, args: args}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "transform")
	return c, nil
}

func (c *Command) Name() string { return c.name }

// Apply runs the command and collects its outputs.
func (c *Command) Apply(ctx context.Context, in stage.Input) (stage.Output, error) {
	if strings.TrimSpace(in.OutputDir) == "" {
		return stage.Output{}, services.Wrap(services.ErrConfiguration, c.name, "apply", "output directory is required", nil)
	}
	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return stage.Output{}, services.Wrap(services.ErrIO, c.name, "apply", in.OutputDir, err)
	}
	vars, err := variables(in)
	if err != nil {
		return stage.Output{}, err
	}
	argv, err := expand(c.args, vars, in.Files)
	if err != nil {
		return stage.Output{}, err
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...) //nolint:gosec
	cmd.Dir = in.OutputDir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), environment(vars)...)
	tail := &tailBuffer{limit: stderrTailBytes}
	cmd.Stdout = tail
	cmd.Stderr = tail

	logger := logging.WithContext(ctx, c.logger)
	logger.Debug("running transform command",
		logging.String("transform", c.name),
		logging.String("command", strings.Join(argv, " ")),
	)
	start := time.Now()
	runErr := cmd.Run()
	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return stage.Output{}, services.Wrap(services.ErrTimeout, c.name, "run command",
				fmt.Sprintf("exceeded %s", c.timeout), runErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stage.Output{}, ctxErr
		}
		detail := strings.TrimSpace(tail.String())
		if detail == "" {
			detail = "no output"
		}
		return stage.Output{}, fmt.Errorf("%s: %w: %s", argv[0], runErr, detail)
	}
	logger.Debug("transform command finished",
		logging.String("transform", c.name),
		logging.Duration("duration", time.Since(start)),
	)
	return collectOutputs(in.OutputDir, c.outputs)
}

// HealthCheck reports whether the command's program resolves.
func (c *Command) HealthCheck(context.Context) stage.Health {
	status := deps.CheckBinaries([]deps.Requirement{{Name: c.name, Command: c.line}})[0]
	if !status.Available {
		return stage.Unhealthy(c.name, status.Detail)
	}
	return stage.Healthy(c.name)
}

func variables(in stage.Input) (map[string]string, error) {
	vars := map[string]string{
		"stage":      string(in.Kind),
		"output_dir": in.OutputDir,
	}
	for i, file := range in.Files {
		vars["input."+strconv.Itoa(i)] = file
	}
	if len(in.Files) > 0 {
		vars["input"] = in.Files[0]
	}
	if in.Params != nil {
		for _, field := range in.Params.Fields() {
			vars["param."+field.Name] = formatParam(field.Value)
		}
		encoded, err := fingerprint.Canonical(in.Params.Fields())
		if err != nil {
			return nil, err
		}
		vars["params"] = string(encoded)
	}
	return vars, nil
}

func formatParam(v any) string {
	switch value := v.(type) {
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'g', -1, 32)
	case fmt.Stringer:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}

func expand(template []string, vars map[string]string, inputs []string) ([]string, error) {
	out := make([]string, 0, len(template)+len(inputs))
	for _, arg := range template {
		if arg == "{inputs}" {
			out = append(out, inputs...)
			continue
		}
		expanded, err := substitute(arg, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded)
	}
	if len(out) == 0 || out[0] == "" {
		return nil, services.Wrap(services.ErrConfiguration, "transform", "expand command", "command expands to nothing", nil)
	}
	return out, nil
}

func substitute(arg string, vars map[string]string) (string, error) {
	var b strings.Builder
	for {
		start := strings.IndexByte(arg, '{')
		if start < 0 {
			b.WriteString(arg)
			return b.String(), nil
		}
		end := strings.IndexByte(arg[start:], '}')
		if end < 0 {
			b.WriteString(arg)
			return b.String(), nil
		}
		key := arg[start+1 : start+end]
		value, ok := vars[key]
		if !ok {
			return "", services.Wrap(services.ErrConfiguration, "transform", "expand command",
				fmt.Sprintf("unknown placeholder {%s}", key), nil)
		}
		b.WriteString(arg[:start])
		b.WriteString(value)
		arg = arg[start+end+1:]
	}
}

func environment(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, key := range keys {
		name := "COVERFORGE_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
		env = append(env, name+"="+vars[key])
	}
	return env
}

func collectOutputs(dir string, expected []string) (stage.Output, error) {
	if len(expected) > 0 {
		files := make([]string, 0, len(expected))
		for _, name := range expected {
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				return stage.Output{}, fmt.Errorf("expected output %q was not produced", name)
			}
			files = append(files, path)
		}
		return stage.Output{Files: files}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return stage.Output{}, services.Wrap(services.ErrIO, "transform", "collect outputs", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return stage.Output{}, errors.New("command produced no output files")
	}
	return stage.Output{Files: files}, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
