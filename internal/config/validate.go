package config

import (
	"fmt"
	"strings"
)

var validASRModels = map[string]bool{
	"tiny": true, "base": true, "small": true, "medium": true, "large-v3": true,
}

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if strings.TrimSpace(cfg.Sidecar.ScriptPath) == "" {
		return nil, fmt.Errorf("sidecar.script_path must not be empty")
	}
	if strings.TrimSpace(cfg.Storage.Root) == "" {
		return nil, fmt.Errorf("storage.root must not be empty")
	}
	if !validASRModels[cfg.ASR.Model] {
		return nil, fmt.Errorf("asr.model must be one of: tiny, base, small, medium, large-v3")
	}
	if strings.TrimSpace(cfg.Websocket.BindHost) == "" {
		return nil, fmt.Errorf("websocket.bind_host must not be empty")
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return nil, fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if cfg.Reconnect.RetryDelayMS < 0 {
		return nil, fmt.Errorf("reconnect.retry_delay_ms must be >= 0")
	}

	if !cfg.Logging.LogTranscripts && strings.TrimSpace(cfg.Logging.MaskSalt) == "" {
		warnings = append(warnings, Warning{
			Message: "logging.mask_salt is empty; transcript hashes will not be salted",
		})
	}

	return warnings, nil
}
