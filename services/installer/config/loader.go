// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// Global is the singleton instance loaded by Load.
	Global HarborConfig
	once   sync.Once
)

// Load reads the config into Global exactly once, creating a default
// file on first run.
func Load() error {
	var err error
	once.Do(func() {
		var cfg HarborConfig
		cfg, err = LoadFrom(defaultPath())
		if err == nil {
			Global = cfg
		}
	})
	return err
}

// LoadFrom reads and parses the config at path, creating it with
// defaults when absent. Exposed separately from Load for tests.
func LoadFrom(path string) (HarborConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return HarborConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return HarborConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return HarborConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}

	// Env overrides for containerized deployments.
	if port := os.Getenv("INSTALLER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Server.OTLPEndpoint = endpoint
	}

	return cfg, nil
}

func defaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "harbor.yaml")
	}
	return filepath.Join(home, ".modelharbor", "harbor.yaml")
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("could not create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("could not marshal the default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("could not write the default config to %s: %w", path, err)
	}
	return nil
}
