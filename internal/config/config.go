// Package config loads relay configuration from the environment, optionally
// overlaid by a YAML file.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the loopback port the relay serves when nothing overrides it.
const DefaultPort = 19988

// Config holds all configuration for the relay process.
type Config struct {
	Host           string `envconfig:"TABRELAY_HOST" default:"127.0.0.1" yaml:"host"`
	Port           int    `envconfig:"TABRELAY_PORT" default:"19988" yaml:"port"`
	AuthToken      string `envconfig:"TABRELAY_TOKEN" yaml:"authToken"`
	LogFile        string `envconfig:"TABRELAY_LOG_FILE" yaml:"logFile"`
	LogLevel       string `envconfig:"TABRELAY_LOG_LEVEL" default:"info" yaml:"logLevel"`
	SeparateWindow bool   `envconfig:"TABRELAY_SEPARATE_WINDOW" yaml:"separateWindow"`
}

// Load reads configuration from the environment. If path is non-empty, the
// YAML file at path is applied on top of the environment values.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("TABRELAY_PORT must be in 1-65535, got %d", cfg.Port)
	}
	if cfg.Host == "" {
		return fmt.Errorf("TABRELAY_HOST is required")
	}
	return nil
}
