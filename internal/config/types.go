// Package config resolves, parses, validates, and defaults sotto-core configuration.
package config

// Config is the fully materialized runtime configuration used by
// sotto-core: the sidecar process to spawn, where captured audio and
// transcripts are persisted, the reconnection policy, and the
// websocket fan-out bind host setting.
type Config struct {
	Sidecar   SidecarConfig
	Storage   StorageConfig
	ASR       ASRConfig
	Websocket WebsocketConfig
	Reconnect ReconnectConfig
	Debug     DebugConfig
	Logging   LoggingConfig
}

// SidecarConfig controls how the transcription sidecar script is
// invoked. The interpreter itself is resolved separately by
// internal/sidecar.Discover (APP_PYTHON / virtualenv / PATH probe);
// ScriptPath and ExtraArgs are appended to that interpreter's argv.
type SidecarConfig struct {
	ScriptPath string
	ExtraArgs  []string
}

// StorageConfig controls where recordings and transcripts are persisted.
type StorageConfig struct {
	Root string
}

// ASRConfig holds the ASR model name. Validate checks it against the
// known model sizes; it is not passed to the sidecar's argv.
type ASRConfig struct {
	Model string
}

// WebsocketConfig holds the fan-out server's bind host. Validate rejects
// an empty value; wsfanout.Hub does not read it and always binds
// 127.0.0.1. The port
// range (9001-9100) is a protocol-level invariant shared with the
// browser extension and is not reconfigurable.
type WebsocketConfig struct {
	BindHost string
}

// ReconnectConfig overrides the default reconnection policy
// (STT-REQ-004.11: 3 attempts, 5s apart). Zero values fall back to
// those defaults.
type ReconnectConfig struct {
	MaxAttempts  int
	RetryDelayMS int
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	EnableAudioDump bool
}

// LoggingConfig controls transcript-content logging and its masking.
type LoggingConfig struct {
	LogTranscripts  bool
	MaskSalt        string
	TestFixtureMode bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
