package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// CheckFFmpegFor reports the FFmpeg binary a transform command would most
// likely use. Bundled separation and conversion toolkits often ship ffmpeg
// next to their own executable, so that location wins over PATH.
func CheckFFmpegFor(commandLine string) Status {
	result := Status{
		Name:        "FFmpeg",
		Description: "Used by transforms for decoding and rendering",
		Optional:    true,
	}

	if binary := CommandBinary(commandLine); binary != "" {
		if resolved, err := exec.LookPath(binary); err == nil {
			if candidate, ok := ffmpegSidecarCandidate(resolved); ok {
				if info, statErr := os.Stat(candidate); statErr == nil && isExecutable(info) {
					result.Command = candidate
					result.Available = true
					return result
				}
			}
		}
	}

	ffmpegName := "ffmpeg"
	if ffmpegPath, err := exec.LookPath(ffmpegName); err == nil {
		result.Command = ffmpegPath
		result.Available = true
		return result
	}

	result.Command = ffmpegName
	result.Detail = fmt.Sprintf("binary %q not found", ffmpegName)
	return result
}

func ffmpegSidecarCandidate(toolPath string) (string, bool) {
	if toolPath == "" {
		return "", false
	}
	name := "ffmpeg"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(toolPath), name), true
}

func isExecutable(info os.FileInfo) bool {
	if info == nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
