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

package config

import "fmt"

// logLevels are the values Level accepts. "warning" is an accepted alias
// for "warn", matching slog's own WARN rendering.
var logLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// LoggerConfig is resolved from LOG_LEVEL / LOG_FILE / LOG_FORMAT by
// config.Load; see pkg/logger for how it drives slog output.
//
//	LOG_LEVEL=debug LOG_FORMAT=verbose chronoagent serve
type LoggerConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string

	// File is a path to append logs to. Empty means stderr.
	File string

	// Format is "simple" (level + message) or "verbose" (adds a timestamp).
	// Any other value renders the same as "simple".
	Format string
}

// SetDefaults fills in Level and Format when unset; File is left as-is
// since an empty File legitimately means "log to stderr".
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate rejects an unrecognized Level. Format accepts any value, since
// an unrecognized one renders the same as "simple".
func (c *LoggerConfig) Validate() error {
	if c.Level != "" && !logLevels[c.Level] {
		return fmt.Errorf("config: invalid log level %q (want debug, info, warn, or error)", c.Level)
	}
	return nil
}
