package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"coverforge/internal/config"
	"coverforge/internal/testsupport"
)

const (
	separatorScript = "#!/bin/sh\nfor n in vocals instrumentals main_vocals backup_vocals; do cp \"$1\" \"$n.wav\"; done\n"
	converterScript = "#!/bin/sh\n{ cat \"$1\"; echo \"pitch $2\"; } > converted.wav\n"
	reverbScript    = "#!/bin/sh\n{ cat \"$1\"; echo reverb; } > effected.wav\n"
	mixerScript     = "#!/bin/sh\ncat \"$@\" > mixed.wav\n"
	rendererScript  = "#!/bin/sh\ncat \"$1\" > cover.out\n"
	failingScript   = "#!/bin/sh\necho 'model checkpoint missing' >&2\nexit 3\n"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	songDir    string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	base := []testsupport.ConfigOption{
		testsupport.WithStubbedBinaries(separatorScript, "separator"),
		testsupport.WithStubbedBinaries(converterScript, "converter"),
		testsupport.WithStubbedBinaries(reverbScript, "reverb"),
		testsupport.WithStubbedBinaries(mixerScript, "mixer"),
		testsupport.WithStubbedBinaries(rendererScript, "renderer"),
		testsupport.WithTransformCommand("separate", "separator {input}"),
		testsupport.WithTransformCommand("convert", "converter {input} {param.n_semitones}"),
		testsupport.WithTransformCommand("effects", "reverb {input}"),
		testsupport.WithTransformCommand("mix", "mixer {inputs}"),
		testsupport.WithTransformCommand("render", "renderer {input}"),
	}
	cfg := testsupport.NewConfig(t, append(base, opts...)...)
	t.Setenv("HOME", filepath.Join(testsupport.BaseDir(cfg), "home"))

	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{
		cfg:        cfg,
		configPath: configPath,
		songDir:    filepath.Join(testsupport.BaseDir(cfg), "songs"),
	}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runCLI(t, args, e.configPath)
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func decodeJSON[T any](t *testing.T, raw string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return v
}
