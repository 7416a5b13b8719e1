package config

import (
	"os"
	"path/filepath"
)

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Sidecar: SidecarConfig{
			ScriptPath: "sidecar/transcribe.py",
			ExtraArgs:  nil,
		},
		Storage: StorageConfig{
			Root: defaultStorageRoot(),
		},
		ASR: ASRConfig{
			Model: "small",
		},
		Websocket: WebsocketConfig{
			BindHost: "127.0.0.1",
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:  0, // 0 defers to internal/reconnect's own default
			RetryDelayMS: 0,
		},
		Debug: DebugConfig{},
		Logging: LoggingConfig{
			LogTranscripts: true,
		},
	}
}

// defaultStorageRoot resolves under XDG_STATE_HOME, falling back to
// ~/.local/state when it is unset.
func defaultStorageRoot() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "sotto-core")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "state", "sotto-core")
	}
	return filepath.Join(home, ".local", "state", "sotto-core")
}
