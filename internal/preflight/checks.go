package preflight

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"coverforge/internal/config"
	"coverforge/internal/deps"
	"coverforge/internal/stage"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFreeSpace fails when less than minFraction of the volume holding
// path is free.
func CheckFreeSpace(name, path string, minFraction float64) Result {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	if total <= 0 {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: volume reports no size)", path)}
	}
	free := float64(st.Bavail) * float64(st.Bsize)
	fraction := free / total
	detail := fmt.Sprintf("%.0f%% free", fraction*100)
	if fraction < minFraction {
		return Result{Name: name, Detail: fmt.Sprintf("%s (below %.0f%%; run cache prune)", detail, minFraction*100)}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckSystemDeps evaluates the programs behind every configured stage
// transform. Both the run path and the CLI status command use this to
// avoid duplicating the requirements list.
func CheckSystemDeps(_ context.Context, cfg *config.Config) []deps.Status {
	var requirements []deps.Requirement
	var firstCommand string
	for _, kind := range stage.Kinds() {
		if kind == stage.KindSource {
			continue
		}
		line := cfg.TransformCommand(string(kind))
		if line == "" {
			continue
		}
		if firstCommand == "" {
			firstCommand = line
		}
		requirements = append(requirements, deps.Requirement{
			Name:        fmt.Sprintf("%s transform", kind),
			Command:     line,
			Description: fmt.Sprintf("Runs the %s stage", kind),
		})
	}
	statuses := deps.CheckBinaries(requirements)
	if firstCommand != "" {
		statuses = append(statuses, deps.CheckFFmpegFor(firstCommand))
	}
	return statuses
}
