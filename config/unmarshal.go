package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"
)

// Unmarshal parses a YAML configuration document, resolves its parameter
// references, applies defaults and validates the result.
func Unmarshal(data []byte, params *Params) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid config document format: %v", err)
	}
	if doc.Kind == 0 {
		return nil, errors.New("config document is empty")
	}

	// Resolve variables in the overall configuration
	if err := Resolve(&doc, params); err != nil {
		return nil, fmt.Errorf("failed to resolve variables: %v", err)
	}

	// Re-encode so unknown fields are rejected by a strict decoder
	resolved, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resolved config: %v", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(resolved))
	dec.KnownFields(true)

	config := &Config{}
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config: %v", err)
	}
	config.ApplyDefaults()

	slog.Info("resolved config",
		"driver", config.Source.Driver,
		"tables", config.TableNames(),
		"startup", config.Startup.Mode,
		"stop", config.Stop.Mode,
		"exactlyOnce", config.ExactlyOnceEnabled())

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
