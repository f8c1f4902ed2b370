// Package config loads the service configuration from a YAML file and
// fills in defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Listen        string `yaml:"listen"`
	DataDir       string `yaml:"dataDir"`
	MinimumFreeGB int    `yaml:"minimumFreeGB"`
	SchemaVersion int    `yaml:"schemaVersion"`
	LogLevel      string `yaml:"logLevel"`
}

// Load reads the YAML file at path. A missing path yields the defaults.
func Load(path string) (Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if config.Listen == "" {
		config.Listen = "127.0.0.1:4780"
	}

	if config.DataDir == "" {
		config.DataDir = "data"
	}

	if config.MinimumFreeGB == 0 {
		config.MinimumFreeGB = 1
	}

	if config.SchemaVersion == 0 {
		config.SchemaVersion = 1
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	return config, nil
}
