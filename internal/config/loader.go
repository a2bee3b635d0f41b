package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*ConductorConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.conductor/config.json
// Project: .conductor/config.json (relative to cwd)
func LoadDefault() (*ConductorConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".conductor", "config.json")
	projectPath := filepath.Join(".conductor", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped. Only fields the file sets to a
// non-zero value override the base.
func mergeConfigFile(base *ConductorConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded ConductorConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Server.Listen != "" {
		base.Server.Listen = loaded.Server.Listen
	}
	if loaded.Server.EnableCORS {
		base.Server.EnableCORS = true
	}
	if loaded.Server.Debug {
		base.Server.Debug = true
	}
	if loaded.Storage.Path != "" {
		base.Storage.Path = loaded.Storage.Path
	}
	if loaded.Engine.StaleAfterSeconds > 0 {
		base.Engine.StaleAfterSeconds = loaded.Engine.StaleAfterSeconds
	}
	if loaded.Events.BufferSize > 0 {
		base.Events.BufferSize = loaded.Events.BufferSize
	}
	if loaded.Persistence.InitialIntervalMS > 0 {
		base.Persistence.InitialIntervalMS = loaded.Persistence.InitialIntervalMS
	}
	if loaded.Persistence.MaxIntervalMS > 0 {
		base.Persistence.MaxIntervalMS = loaded.Persistence.MaxIntervalMS
	}
	if loaded.Persistence.MaxElapsedMS > 0 {
		base.Persistence.MaxElapsedMS = loaded.Persistence.MaxElapsedMS
	}

	return nil
}
