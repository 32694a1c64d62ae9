package preflight

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"coverforge/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if result := CheckFreeSpace("volume", dir, 0); !result.Passed {
		t.Fatalf("zero floor should pass, got: %s", result.Detail)
	}
	result := CheckFreeSpace("volume", dir, 1.01)
	if result.Passed {
		t.Fatal("floor above 100% should fail")
	}
	if !strings.Contains(result.Detail, "cache prune") {
		t.Fatalf("detail %q should suggest pruning", result.Detail)
	}
	if result := CheckFreeSpace("volume", filepath.Join(dir, "missing"), 0); result.Passed {
		t.Fatal("missing path should fail")
	}
}

func TestCheckSystemDeps(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithStubbedBinaries("#!/bin/sh\nexit 0\n", "separator"),
		testsupport.WithTransformCommand("separate", "separator --in {input} --out {output_dir}"),
		testsupport.WithTransformCommand("convert", "definitely-missing-rvc {input}"),
	)
	statuses := CheckSystemDeps(context.Background(), cfg)
	byName := map[string]bool{}
	for _, s := range statuses {
		byName[s.Name] = s.Available
	}
	if !byName["separate transform"] {
		t.Fatalf("separate transform should resolve: %+v", statuses)
	}
	if available, ok := byName["convert transform"]; !ok || available {
		t.Fatalf("convert transform should be reported missing: %+v", statuses)
	}
	if _, ok := byName["FFmpeg"]; !ok {
		t.Fatalf("ffmpeg status missing: %+v", statuses)
	}
}

func TestRunAll(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	results := RunAll(context.Background(), cfg)
	if len(results) < 3 {
		t.Fatalf("expected cache, volume and output checks, got %+v", results)
	}
	for _, r := range results {
		if strings.HasSuffix(r.Name, "directory") && !r.Passed {
			t.Fatalf("%s failed: %s", r.Name, r.Detail)
		}
	}

	if err := os.RemoveAll(cfg.Paths.OutputDir); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range Failed(RunAll(context.Background(), cfg)) {
		if r.Name == "Output directory" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected output directory failure")
	}
}
