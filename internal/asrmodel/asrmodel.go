// Package asrmodel answers get_whisper_models: it probes the host's CPU,
// memory, and GPU and recommends a Whisper model size accordingly.
package asrmodel

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// AvailableModels are the Whisper model sizes the sidecar can load.
var AvailableModels = []string{"tiny", "base", "small", "medium", "large-v3"}

const nvidiaSMITimeout = 2 * time.Second

// Resources is the detected hardware snapshot the recommendation is
// computed from.
type Resources struct {
	CPUCores      int     `json:"cpu_cores"`
	TotalMemoryGB float64 `json:"total_memory_gb"`
	GPUAvailable  bool    `json:"gpu_available"`
	GPUMemoryGB   float64 `json:"gpu_memory_gb"`
}

// Report is the get_whisper_models response payload.
type Report struct {
	AvailableModels  []string  `json:"available_models"`
	SystemResources  Resources `json:"system_resources"`
	RecommendedModel string    `json:"recommended_model"`
}

// Detect probes runtime.NumCPU, /proc/meminfo, and nvidia-smi. Detection
// failures degrade gracefully to conservative defaults (0 GPU memory, no
// GPU) rather than failing the whole report — a missing GPU is the
// overwhelmingly common case, not an error.
func Detect(ctx context.Context) Resources {
	res := Resources{CPUCores: runtime.NumCPU()}

	if gb, err := totalMemoryGB(); err == nil {
		res.TotalMemoryGB = gb
	} else {
		res.TotalMemoryGB = 4.0
	}

	if gb, ok := nvidiaGPUMemoryGB(ctx); ok {
		res.GPUAvailable = true
		res.GPUMemoryGB = gb
	}

	return res
}

// Recommend implements the STT-REQ-006.2 model-selection rule: GPUs with
// enough VRAM unlock the larger models, otherwise the choice is driven by
// system memory alone.
func Recommend(res Resources) string {
	switch {
	case res.GPUAvailable && res.TotalMemoryGB >= 8.0 && res.GPUMemoryGB >= 10.0:
		return "large-v3"
	case res.GPUAvailable && res.TotalMemoryGB >= 4.0 && res.GPUMemoryGB >= 5.0:
		return "medium"
	case res.TotalMemoryGB >= 4.0:
		return "small"
	case res.TotalMemoryGB >= 2.0:
		return "base"
	default:
		return "tiny"
	}
}

// GetWhisperModels builds the full get_whisper_models report.
func GetWhisperModels(ctx context.Context) Report {
	res := Detect(ctx)
	return Report{
		AvailableModels:  AvailableModels,
		SystemResources:  res,
		RecommendedModel: Recommend(res),
	}
}

// totalMemoryGB reads MemTotal out of /proc/meminfo.
func totalMemoryGB() (float64, error) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		return kb / (1024 * 1024), nil
	}
	return 0, scanner.Err()
}

// nvidiaGPUMemoryGB shells out to nvidia-smi when present. Absence of the
// binary, or any failure running it, is treated as "no GPU" rather than
// an error.
func nvidiaGPUMemoryGB(ctx context.Context) (float64, bool) {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return 0, false
	}

	cmdCtx, cancel := context.WithTimeout(ctx, nvidiaSMITimeout)
	defer cancel()

	out, err := exec.CommandContext(cmdCtx, "nvidia-smi",
		"--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, false
	}

	firstLine := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	mib, err := strconv.ParseFloat(firstLine, 64)
	if err != nil {
		return 0, false
	}
	return mib / 1024, true
}
