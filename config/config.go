// Package config loads contract and NLU policy documents from either JSON
// or YAML, selecting the codec by file extension and defaulting to YAML
// when the extension is absent or unrecognized; content is not sniffed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the serialization used for a document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat chooses a Format for path based on its extension, defaulting
// to YAML for unrecognized or missing extensions (contracts and policies in
// this ecosystem are authored in YAML by convention; JSON is accepted for
// programmatic generation).
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatYAML
	}
}

// LoadFile reads path and decodes it into v, selecting JSON or YAML by
// DetectFormat.
func LoadFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(DetectFormat(path), data, v)
}

// Load decodes data into v using the given format.
func Load(format Format, data []byte, v any) error {
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("config: decode json: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("config: decode yaml: %w", err)
		}
	default:
		return fmt.Errorf("config: unknown format %q", format)
	}
	return nil
}

// SaveFile encodes v and writes it to path, selecting JSON or YAML by
// DetectFormat.
func SaveFile(path string, v any) error {
	data, err := Save(DetectFormat(path), v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Save encodes v using the given format.
func Save(format Format, v any) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("config: encode json: %w", err)
		}
		return data, nil
	case FormatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("config: encode yaml: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("config: unknown format %q", format)
	}
}
