package sidecar

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rbright/sotto-core/internal/coreerr"
)

// candidateNames are tried in order on the PATH scan step. Versions are
// attempted newest-first so a machine with several interpreters installed
// prefers the most recent supported one.
var candidateNames = []string{
	"python3.12", "python3.11", "python3.10", "python3.9", "python3", "python",
}

type versionBounds struct{ minMinor, maxMinor int }

// supportedMinors is Python 3.9 through 3.12 inclusive, matching the
// [3.9, 3.13) runtime window spec.md §6 requires.
var supportedMinors = versionBounds{minMinor: 9, maxMinor: 12}

// ErrDiscoveryFailed is returned when no candidate interpreter validates.
var ErrDiscoveryFailed = coreerr.New(coreerr.Configuration, "sidecar: no usable python interpreter found")

// Discover resolves the child interpreter path using the chain: explicit
// env override (APP_PYTHON) -> active virtualenv marker (VIRTUAL_ENV /
// CONDA_PREFIX) -> OS launcher (py.exe on Windows) -> PATH probe over
// versioned names. The first candidate that both exists and validates
// (runtime in [3.9, 3.13) and 64-bit) wins; discovery failure is fatal to
// startup.
func Discover(ctx context.Context) (string, error) {
	if configured := os.Getenv("APP_PYTHON"); configured != "" {
		path := configured
		if !filepath.IsAbs(path) {
			resolved, err := exec.LookPath(path)
			if err != nil {
				return "", fmt.Errorf("%w: APP_PYTHON %q not found on PATH", ErrDiscoveryFailed, configured)
			}
			path = resolved
		} else if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: APP_PYTHON %q does not exist", ErrDiscoveryFailed, configured)
		}
		if ok, _ := validate(ctx, path); ok {
			return path, nil
		}
	}

	if venv, ok := firstNonEmptyEnv("VIRTUAL_ENV", "CONDA_PREFIX"); ok {
		var candidate string
		if runtime.GOOS == "windows" {
			candidate = filepath.Join(venv, "Scripts", "python.exe")
		} else {
			candidate = filepath.Join(venv, "bin", "python")
		}
		if _, err := os.Stat(candidate); err == nil {
			if ok, _ := validate(ctx, candidate); ok {
				return candidate, nil
			}
		}
	}

	if runtime.GOOS == "windows" {
		if path, err := exec.LookPath("py"); err == nil {
			if ok, _ := validate(ctx, path); ok {
				return path, nil
			}
		}
	}

	for _, name := range candidateNames {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		if ok, _ := validate(ctx, path); ok {
			return path, nil
		}
	}

	return "", ErrDiscoveryFailed
}

func firstNonEmptyEnv(names ...string) (string, bool) {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v, true
		}
	}
	return "", false
}

// validate invokes the candidate to print its version and platform
// machine string, then checks both against the supported range.
func validate(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, path, "-c",
		"import sys,platform;print(f'{sys.version_info.major}.{sys.version_info.minor}',platform.machine())")
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}

	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 2 {
		return false, nil
	}

	versionParts := strings.SplitN(fields[0], ".", 2)
	if len(versionParts) != 2 {
		return false, nil
	}
	major, err := strconv.Atoi(versionParts[0])
	if err != nil {
		return false, nil
	}
	minor, err := strconv.Atoi(versionParts[1])
	if err != nil {
		return false, nil
	}
	if major != 3 || minor < supportedMinors.minMinor || minor > supportedMinors.maxMinor {
		return false, nil
	}

	arch := strings.ToLower(fields[1])
	is64Bit := strings.Contains(arch, "64") || strings.Contains(arch, "x86_64") ||
		strings.Contains(arch, "amd64") || strings.Contains(arch, "arm64")
	return is64Bit, nil
}
