package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFromFile overlays a YAML configuration file on top of cfg. Values
// present in the file win over the environment-derived ones; absent values
// are left untouched. ${VAR} references in the file are expanded from the
// environment before parsing, so secrets can stay out of the file itself.
func LoadFromFile(path string, cfg *Config) error {
	if path == "" {
		return fmt.Errorf("configuration path is required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("configuration file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML configuration: %w", err)
	}
	return nil
}
