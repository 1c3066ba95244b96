// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianExperiments/pkg/logging"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/telemetry"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/tracking"
)

// envPrefix namespaces every environment override.
const envPrefix = "EXPERIMENTS_"

// Config is the contents of experiments.yaml.
type Config struct {
	Listen              string `yaml:"listen" env:"LISTEN"`
	Production          bool   `yaml:"production" env:"PRODUCTION"`
	QueryStringOverride bool   `yaml:"query_string_override" env:"QUERY_STRING_OVERRIDE"`
	QAMode              bool   `yaml:"qa_mode" env:"QA_MODE"`

	Catalog   CatalogConfig         `yaml:"catalog" envPrefix:"CATALOG_"`
	Identity  IdentityConfig        `yaml:"identity" envPrefix:"IDENTITY_"`
	Tracking  TrackingConfig        `yaml:"tracking" envPrefix:"TRACKING_"`
	Influx    tracking.InfluxConfig `yaml:"influx" envPrefix:"INFLUX_"`
	Telemetry telemetry.Config      `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Log       LogConfig             `yaml:"log" envPrefix:"LOG_"`
}

// CatalogConfig names where experiment definitions come from. Exactly one
// source is used, in this order: GCS, Remote (when APIKey is set), Path.
type CatalogConfig struct {
	Path string `yaml:"path" env:"PATH"`

	GCS            string `yaml:"gcs" env:"GCS"`
	GCSCredentials string `yaml:"gcs_credentials" env:"GCS_CREDENTIALS"`

	RemoteHost   string        `yaml:"remote_host" env:"REMOTE_HOST"`
	APIKey       string        `yaml:"api_key" env:"API_KEY"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// IdentityConfig locates the visitor database. An empty Path keeps
// visitors in memory.
type IdentityConfig struct {
	Path    string        `yaml:"path" env:"PATH"`
	AnonTTL time.Duration `yaml:"anon_ttl" env:"ANON_TTL"`
}

// TrackingConfig configures the analytics beacon.
type TrackingConfig struct {
	Host       string         `yaml:"host" env:"HOST"`
	RateLimit  float64        `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst      int            `yaml:"burst" env:"BURST"`
	BufferSize int            `yaml:"buffer_size" env:"BUFFER_SIZE"`
	Properties map[string]any `yaml:"properties"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	Dir   string `yaml:"dir" env:"DIR"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Listen: ":8080",
		Catalog: CatalogConfig{
			Path:         "experiments.catalog.yaml",
			PollInterval: time.Minute,
		},
		Identity: IdentityConfig{
			AnonTTL: 365 * 24 * time.Hour,
		},
		Tracking: TrackingConfig{
			RateLimit:  50,
			Burst:      100,
			BufferSize: 1024,
		},
		Telemetry: telemetry.DefaultConfig(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path over the defaults and then applies environment
// overrides. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Logger builds the process logger.
func (c Config) Logger(service string) *logging.Logger {
	format := logging.FormatAuto
	if c.Log.JSON {
		format = logging.FormatJSON
	}
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(c.Log.Level),
		LogDir:  c.Log.Dir,
		Service: service,
		Format:  format,
	})
}
