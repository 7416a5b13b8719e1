package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Sidecar   *jsoncSidecar   `json:"sidecar"`
	Storage   *jsoncStorage   `json:"storage"`
	ASR       *jsoncASR       `json:"asr"`
	Websocket *jsoncWebsocket `json:"websocket"`
	Reconnect *jsoncReconnect `json:"reconnect"`
	Debug     *jsoncDebug     `json:"debug"`
	Logging   *jsoncLogging   `json:"logging"`
}

type jsoncSidecar struct {
	ScriptPath *string `json:"script_path"`
	ExtraArgs  *string `json:"extra_args"`
}

type jsoncStorage struct {
	Root *string `json:"root"`
}

type jsoncASR struct {
	Model *string `json:"model"`
}

type jsoncWebsocket struct {
	BindHost *string `json:"bind_host"`
}

type jsoncReconnect struct {
	MaxAttempts  *int `json:"max_attempts"`
	RetryDelayMS *int `json:"retry_delay_ms"`
}

type jsoncDebug struct {
	AudioDump *bool `json:"audio_dump"`
}

type jsoncLogging struct {
	LogTranscripts  *bool   `json:"log_transcripts"`
	MaskSalt        *string `json:"mask_salt"`
	TestFixtureMode *bool   `json:"test_fixture_mode"`
}

type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		parts := strings.Split(single, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
		*l = out
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	warnings, err := payload.applyTo(&cfg)
	if err != nil {
		return Config{}, nil, err
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if payload.Sidecar != nil {
		if payload.Sidecar.ScriptPath != nil {
			cfg.Sidecar.ScriptPath = strings.TrimSpace(*payload.Sidecar.ScriptPath)
		}
		if payload.Sidecar.ExtraArgs != nil {
			argv, err := parseArgv(*payload.Sidecar.ExtraArgs)
			if err != nil {
				return nil, fmt.Errorf("invalid sidecar.extra_args: %w", err)
			}
			cfg.Sidecar.ExtraArgs = argv
		}
	}

	if payload.Storage != nil && payload.Storage.Root != nil {
		cfg.Storage.Root = strings.TrimSpace(*payload.Storage.Root)
	}

	if payload.ASR != nil && payload.ASR.Model != nil {
		cfg.ASR.Model = strings.TrimSpace(*payload.ASR.Model)
	}

	if payload.Websocket != nil && payload.Websocket.BindHost != nil {
		cfg.Websocket.BindHost = strings.TrimSpace(*payload.Websocket.BindHost)
	}

	if payload.Reconnect != nil {
		if payload.Reconnect.MaxAttempts != nil {
			cfg.Reconnect.MaxAttempts = *payload.Reconnect.MaxAttempts
		}
		if payload.Reconnect.RetryDelayMS != nil {
			cfg.Reconnect.RetryDelayMS = *payload.Reconnect.RetryDelayMS
		}
	}

	if payload.Debug != nil && payload.Debug.AudioDump != nil {
		cfg.Debug.EnableAudioDump = *payload.Debug.AudioDump
	}

	if payload.Logging != nil {
		if payload.Logging.LogTranscripts != nil {
			cfg.Logging.LogTranscripts = *payload.Logging.LogTranscripts
		}
		if payload.Logging.MaskSalt != nil {
			cfg.Logging.MaskSalt = *payload.Logging.MaskSalt
		}
		if payload.Logging.TestFixtureMode != nil {
			cfg.Logging.TestFixtureMode = *payload.Logging.TestFixtureMode
		}
	}

	return warnings, nil
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if lineComment {
			if ch == '\n' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			if ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
			continue
		}

		if blockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
			continue
		}

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(content) {
			next := content[i+1]
			if next == '/' {
				lineComment = true
				out.WriteString("  ")
				i++
				continue
			}
			if next == '*' {
				blockComment = true
				out.WriteString("  ")
				i++
				continue
			}
		}

		out.WriteByte(ch)
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
