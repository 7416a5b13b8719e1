package config

import "github.com/spf13/viper"

// ApplyEnvOverrides layers the three documented environment overrides on
// top of an already-loaded Config: LOG_TRANSCRIPTS, LOG_MASK_SALT, and
// TEST_FIXTURE_MODE. APP_PYTHON is deliberately not handled here — it is
// read directly by internal/sidecar.Discover as part of its own
// explicit-override-first resolution chain, so duplicating it in this
// layer would just be a second source of truth for the same decision.
func ApplyEnvOverrides(cfg Config) Config {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	if v.IsSet("LOG_TRANSCRIPTS") {
		cfg.Logging.LogTranscripts = v.GetBool("LOG_TRANSCRIPTS")
	}
	if v.IsSet("LOG_MASK_SALT") {
		cfg.Logging.MaskSalt = v.GetString("LOG_MASK_SALT")
	}
	if v.IsSet("TEST_FIXTURE_MODE") {
		cfg.Logging.TestFixtureMode = v.GetBool("TEST_FIXTURE_MODE")
	}

	return cfg
}
