// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the environment-driven configuration for chronoagent:
// database backend selection, model provider endpoint, and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Database *DatabaseConfig
	Logger   *LoggerConfig

	// BaseURL is the model provider's HTTP endpoint.
	BaseURL string

	// OpenAIAPIKey is the model provider credential.
	OpenAIAPIKey string
}

// Load builds a Config from environment variables and any .env/.env.local
// files found in the working directory, per the DATABASE / DATABASE_URL /
// BASE_URL / OPENAI_API_KEY contract.
func Load() (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	dbCfg, err := loadDatabaseConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logCfg := &LoggerConfig{
		Level:  os.Getenv("LOG_LEVEL"),
		File:   os.Getenv("LOG_FILE"),
		Format: os.Getenv("LOG_FORMAT"),
	}
	logCfg.SetDefaults()
	if err := logCfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: logger: %w", err)
	}

	return &Config{
		Database:     dbCfg,
		Logger:       logCfg,
		BaseURL:      SanitizeBaseURL(os.Getenv("BASE_URL")),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
	}, nil
}

// loadDatabaseConfig resolves DATABASE / DATABASE_URL into a DatabaseConfig.
// DATABASE selects the backend ("sqlite" by default, or "postgres").
// DATABASE_URL supplies the connection string: required for postgres
// (must start with "postgresql://" or "postgres://"), optional for sqlite
// (an "sqlite:///PATH" URL, else a default path under ./data).
func loadDatabaseConfig() (*DatabaseConfig, error) {
	backend := os.Getenv("DATABASE")
	if backend == "" {
		backend = "sqlite"
	}
	if backend != "sqlite" && backend != "postgres" {
		return nil, fmt.Errorf("%w: DATABASE must be 'sqlite' or 'postgres', got %q", ErrConfig, backend)
	}

	url := os.Getenv("DATABASE_URL")

	cfg := &DatabaseConfig{Driver: backend}

	switch backend {
	case "postgres":
		if url == "" {
			return nil, fmt.Errorf("%w: DATABASE_URL is required when DATABASE=postgres", ErrConfig)
		}
		if !strings.HasPrefix(url, "postgresql://") && !strings.HasPrefix(url, "postgres://") {
			return nil, fmt.Errorf("%w: DATABASE_URL must begin with postgresql:// or postgres://, got %q", ErrConfig, url)
		}
		cfg.RawDSN = url
	case "sqlite":
		switch {
		case url == "":
			dataDir := "data"
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				return nil, fmt.Errorf("%w: creating default data directory: %v", ErrConfig, err)
			}
			cfg.Database = filepath.Join(dataDir, "rollback_agent.db")
		case strings.HasPrefix(url, "sqlite:///"):
			cfg.Database = strings.TrimPrefix(url, "sqlite:///")
		default:
			return nil, fmt.Errorf("%w: DATABASE_URL for sqlite must be empty or begin with sqlite:///, got %q", ErrConfig, url)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cfg, nil
}

// SanitizeBaseURL trims whitespace, strips a trailing slash, and prefixes
// https:// when no scheme is present.
func SanitizeBaseURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return ""
	}
	url = strings.TrimSuffix(url, "/")
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	return url
}
