package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds a configuration from an optional YAML file, layered over the
// built-in defaults. The file may be absent; the caller then relies on
// defaults plus programmatic overrides.
//
// Steps performed:
//  1. Read the YAML file (if path is non-empty)
//  2. Expand {{.ENV_VAR}} references
//  3. Parse into a Config
//  4. Merge with Default() (file values win)
//  5. Validate
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		data = ExpandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("DASHLINK_API_KEY")
	}
	if endpoint := os.Getenv("DASHLINK_ENDPOINT"); endpoint != "" && cfg.Endpoint == DefaultEndpoint {
		cfg.Endpoint = endpoint
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads a .env file into the process environment before Load runs.
// A missing file is logged and ignored.
func LoadEnv(path string) {
	if err := godotenv.Load(path); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", path, "error", err)
	}
}
