// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
)

// HarborConfig is the root configuration for the installer service,
// loaded from ~/.modelharbor/harbor.yaml.
type HarborConfig struct {
	// Server: HTTP listener and tracing endpoints
	Server ServerConfig `yaml:"server"`

	// Corpus: where trusted workflow templates live
	Corpus CorpusConfig `yaml:"corpus"`

	// Storage: folder-category registry and capacity policy
	Storage StorageConfig `yaml:"storage"`

	// Features: toggles for optional operations
	Features FeatureConfig `yaml:"features"`

	// Auth: gated-provider credential resolution
	Auth AuthConfig `yaml:"auth"`

	// Logging: level and optional file output
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`          // e.g. "12300"
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty disables tracing export
}

type CorpusConfig struct {
	// TemplateDirs are local directories of trusted workflow templates.
	TemplateDirs []string `yaml:"template_dirs"`

	// Bucket/Prefix select a GCS-hosted template bundle (optional).
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`

	// CredentialsFile is the service-account key for the bundle bucket.
	CredentialsFile string `yaml:"credentials_file,omitempty"`

	// SnapshotPath is the side file the built index is persisted to.
	SnapshotPath string `yaml:"snapshot_path"`
}

type StorageConfig struct {
	// Folders maps a folder category to its candidate root directories.
	// e.g. checkpoints: ["/Volumes/ai_models/checkpoints", "~/.modelharbor/models/checkpoints"]
	Folders map[string][]string `yaml:"folders"`

	// SafetyMarginMB is headroom kept free beyond an expected transfer size.
	SafetyMarginMB int64 `yaml:"safety_margin_mb"`

	// HistoryDir holds the transfer history database.
	HistoryDir string `yaml:"history_dir"`
}

type FeatureConfig struct {
	// AllowUninstall gates the uninstall operation.
	AllowUninstall bool `yaml:"allow_uninstall"`
}

type AuthConfig struct {
	// TokenFile is the well-known gated-provider token location.
	TokenFile string `yaml:"token_file"`

	// TokenEnv names an environment variable consulted when TokenFile is absent.
	TokenEnv string `yaml:"token_env"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
	Dir   string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() HarborConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".modelharbor")

	folders := map[string][]string{}
	for _, category := range DefaultCategories {
		folders[category] = []string{filepath.Join(base, "models", category)}
	}

	return HarborConfig{
		Server: ServerConfig{
			Port: "12300",
		},
		Corpus: CorpusConfig{
			TemplateDirs: []string{filepath.Join(base, "templates")},
			SnapshotPath: filepath.Join(base, "cache", "workflow_index.json"),
		},
		Storage: StorageConfig{
			Folders:        folders,
			SafetyMarginMB: 512,
			HistoryDir:     filepath.Join(base, "history"),
		},
		Features: FeatureConfig{
			AllowUninstall: false,
		},
		Auth: AuthConfig{
			TokenFile: filepath.Join(home, ".cache", "huggingface", "token"),
			TokenEnv:  "HF_TOKEN",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultCategories are the folder categories registered on first run.
// Hosts with extra categories add them to the folders map in harbor.yaml.
var DefaultCategories = []string{
	"checkpoints",
	"clip_vision",
	"controlnet",
	"diffusion_models",
	"loras",
	"text_encoders",
	"upscale_models",
	"vae",
}
