package config

// This file contains configuration loading: the raw document is decoded
// into a generic map, mapped onto Config with mapstructure and validated.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ErrVMSectionMissing is returned when VM tests are active but no VM is configured.
var ErrVMSectionMissing = errors.New("vm tests are active but the configuration has no vm section")

var validate = validator.New()

// Load reads, decodes, validates and defaults a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes a configuration document. ext selects the syntax (".yaml"
// and ".yml" for YAML, anything else is JSON).
func Parse(data []byte, ext string) (*Config, error) {
	var payload map[string]interface{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse json: %w", err)
		}
	}
	if payload == nil {
		return nil, fmt.Errorf("config document is empty")
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		Result: &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(payload); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.ActiveVMTests() && cfg.VM == nil {
		return ErrVMSectionMissing
	}
	return nil
}
