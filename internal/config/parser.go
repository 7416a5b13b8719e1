// Package config resolves, parses, validates, and defaults sotto-core configuration.
package config

import (
	"fmt"
	"strings"
)

// Parse reads configuration content as JSONC. An empty file is treated
// as "use defaults"; non-empty content that isn't a JSON object is a
// configuration error.
func Parse(content string, base Config) (Config, []Warning, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		validatedWarnings, err := Validate(base)
		if err != nil {
			return Config{}, nil, err
		}
		return base, validatedWarnings, nil
	}

	if !strings.HasPrefix(trimmed, "{") {
		return Config{}, nil, fmt.Errorf("config file must be a JSONC object (starting with '{')")
	}

	return parseJSONC(content, base)
}
