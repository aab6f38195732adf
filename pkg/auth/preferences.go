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

package auth

import (
	"context"
	"fmt"

	"github.com/chronoagent/chronoagent/pkg/store"
)

var allowedModels = map[string]bool{
	"gpt-3.5-turbo":   true,
	"gpt-4":           true,
	"gpt-4-turbo":     true,
	"gpt-4o":          true,
	"claude-2":        true,
	"claude-3-opus":   true,
	"claude-3-sonnet": true,
	"llama-2":         true,
	"mistral":         true,
	"gemini-pro":      true,
}

// validatePreference checks a single preference key/value pair against
// the §4.6 rules. Unknown keys are rejected.
func validatePreference(key string, value any) error {
	switch key {
	case "temperature":
		v, ok := asFloat(value)
		if !ok || v < 0 || v > 2 {
			return fmt.Errorf("%w: temperature must be a number in [0, 2]", ErrValidation)
		}
	case "max_tokens":
		v, ok := asInt(value)
		if !ok || v < 1 || v > 100000 {
			return fmt.Errorf("%w: max_tokens must be an integer in [1, 100000]", ErrValidation)
		}
	case "model":
		v, ok := value.(string)
		if !ok || !allowedModels[v] {
			return fmt.Errorf("%w: unsupported model %v", ErrValidation, value)
		}
	case "auto_checkpoint", "enable_tool_rollback":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: %s must be a boolean", ErrValidation, key)
		}
	case "checkpoint_frequency", "max_checkpoints":
		v, ok := asInt(value)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: %s must be a positive integer", ErrValidation, key)
		}
	case "system_prompt":
		v, ok := value.(string)
		if !ok || len(v) > 10000 {
			return fmt.Errorf("%w: system_prompt must be a string of at most 10000 characters", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown preference %q", ErrValidation, key)
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// UpdatePreferences validates and merges the given preferences into a
// user's preference map, rejecting the whole update if any key fails
// validation.
func (s *Service) UpdatePreferences(ctx context.Context, userID int64, updates map[string]any) (*store.User, error) {
	for k, v := range updates {
		if err := validatePreference(k, v); err != nil {
			return nil, err
		}
	}

	u, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: update preferences: %w", err)
	}
	if u.Preferences == nil {
		u.Preferences = map[string]any{}
	}
	for k, v := range updates {
		u.Preferences[k] = v
	}

	return s.store.SaveUser(ctx, u)
}
