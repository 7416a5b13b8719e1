// Package doctor runs runtime readiness diagnostics for config, the
// sidecar interpreter, audio capture, and storage.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rbright/sotto-core/internal/config"
	"github.com/rbright/sotto-core/internal/device"
	"github.com/rbright/sotto-core/internal/sidecar"
	"github.com/rbright/sotto-core/internal/storage"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config. adapter
// is the audio backend to probe (the real PulseAdapter in production, a Fake
// in tests).
func Run(ctx context.Context, cfg config.Loaded, adapter device.Adapter) Report {
	checks := []Check{
		{Name: "config", Pass: true, Message: fmt.Sprintf("loaded %q", cfg.Path)},
		checkSidecarInterpreter(ctx),
		checkSidecarScript(cfg.Config),
		checkAudioDevice(ctx, adapter),
		checkStorageRoot(cfg.Config),
		checkDiskSpace(cfg.Config),
	}
	return Report{Checks: checks}
}

func checkSidecarInterpreter(ctx context.Context) Check {
	path, err := sidecar.Discover(ctx)
	if err != nil {
		return Check{Name: "sidecar.interpreter", Pass: false, Message: err.Error()}
	}
	return Check{Name: "sidecar.interpreter", Pass: true, Message: fmt.Sprintf("using %s", path)}
}

func checkSidecarScript(cfg config.Config) Check {
	path := strings.TrimSpace(cfg.Sidecar.ScriptPath)
	if path == "" {
		return Check{Name: "sidecar.script", Pass: false, Message: "sidecar.script_path is empty"}
	}
	return Check{Name: "sidecar.script", Pass: true, Message: fmt.Sprintf("configured at %s", path)}
}

func checkAudioDevice(ctx context.Context, adapter device.Adapter) Check {
	if adapter == nil {
		return Check{Name: "audio.device", Pass: false, Message: "no audio adapter available"}
	}
	devices, err := adapter.Enumerate(ctx)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	if len(devices) == 0 {
		return Check{Name: "audio.device", Pass: false, Message: "no input devices found"}
	}
	if err := adapter.CheckPermission(ctx); err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	return Check{Name: "audio.device", Pass: true, Message: fmt.Sprintf("%d device(s) available", len(devices))}
}

func checkStorageRoot(cfg config.Config) Check {
	root := strings.TrimSpace(cfg.Storage.Root)
	if root == "" {
		return Check{Name: "storage.root", Pass: false, Message: "storage.root is empty"}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Check{Name: "storage.root", Pass: false, Message: fmt.Sprintf("not creatable: %v", err)}
	}
	probe := filepath.Join(root, ".doctor-write-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Check{Name: "storage.root", Pass: false, Message: fmt.Sprintf("not writable: %v", err)}
	}
	_ = os.Remove(probe)
	return Check{Name: "storage.root", Pass: true, Message: fmt.Sprintf("writable at %s", root)}
}

func checkDiskSpace(cfg config.Config) Check {
	store := storage.New(cfg.Storage.Root, nil)
	status, err := store.CheckDiskSpace()
	if err != nil {
		return Check{Name: "storage.disk_space", Pass: false, Message: err.Error()}
	}
	if status == storage.DiskCritical {
		return Check{Name: "storage.disk_space", Pass: false, Message: "critically low free space"}
	}
	return Check{Name: "storage.disk_space", Pass: true, Message: status.String()}
}
