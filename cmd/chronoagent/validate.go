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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/chronoagent/chronoagent/pkg/config"
)

// ValidateCmd validates the environment-driven configuration (DATABASE,
// DATABASE_URL, BASE_URL, OPENAI_API_KEY) before serve starts, catching
// ConfigError mismatches early (§7).
type ValidateCmd struct {
	Format      string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the resolved configuration (API key redacted)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load()
	if err != nil {
		return printLoadError(c.Format, err)
	}

	if c.PrintConfig {
		printResolvedConfig(c.Format, cfg)
	}

	printSuccess(c.Format)
	return nil
}

func printLoadError(format string, err error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"valid": false, "error": err.Error()})
	case "verbose":
		fmt.Fprintf(os.Stderr, "Configuration Error\n")
		fmt.Fprintf(os.Stderr, "===================\n\n")
		fmt.Fprintf(os.Stderr, "%s\n", err.Error())
	default:
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err.Error())
	}
	return fmt.Errorf("configuration validation failed")
}

func printResolvedConfig(format string, cfg *config.Config) {
	redactedKey := "(unset)"
	if cfg.OpenAIAPIKey != "" {
		redactedKey = "(set)"
	}

	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"database": map[string]any{
				"driver":   cfg.Database.Driver,
				"database": cfg.Database.Database,
			},
			"base_url":      cfg.BaseURL,
			"openai_api_key": redactedKey,
			"log_level":     cfg.Logger.Level,
		})
	case "verbose":
		fmt.Println("Resolved Configuration")
		fmt.Println("======================")
		fmt.Printf("Database driver:   %s\n", cfg.Database.Driver)
		fmt.Printf("Database path/DSN: %s\n", cfg.Database.Database)
		fmt.Printf("Base URL:          %s\n", cfg.BaseURL)
		fmt.Printf("API key:           %s\n", redactedKey)
		fmt.Printf("Log level:         %s\n", cfg.Logger.Level)
	default:
		fmt.Printf("database=%s path=%s base_url=%s api_key=%s log_level=%s\n",
			cfg.Database.Driver, cfg.Database.Database, cfg.BaseURL, redactedKey, cfg.Logger.Level)
	}
}

func printSuccess(format string) {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"valid": true})
	case "verbose":
		fmt.Println("Configuration is valid.")
	default:
		fmt.Println("ok: configuration is valid")
	}
}
