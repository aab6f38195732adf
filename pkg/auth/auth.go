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

// Package auth implements identity, credential, API-key, session-cap, and
// preference operations over pkg/store.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chronoagent/chronoagent/pkg/store"
)

// Error kinds named in §7 of the error-handling design.
var (
	ErrValidation           = errors.New("auth: validation failed")
	ErrPermissionDenied     = errors.New("auth: permission denied")
	ErrSessionLimitExceeded = errors.New("auth: session limit exceeded")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Service wraps a Store with the auth operations of §4.6.
type Service struct {
	store *store.Store
}

// New creates an auth service over the given store.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// ValidateUsername checks the §3 username rule: 3-30 chars, leading
// letter, then letters/digits/underscore.
func ValidateUsername(username string) error {
	if len(username) < 3 || len(username) > 30 {
		return fmt.Errorf("%w: username must be 3-30 characters", ErrValidation)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must start with a letter and contain only letters, digits, and underscores", ErrValidation)
	}
	return nil
}

// ValidatePassword checks the §4.6 password rule: length > 4, no
// leading/trailing whitespace.
func ValidatePassword(password string) error {
	if len(password) <= 4 {
		return fmt.Errorf("%w: Password must be longer than 4 characters", ErrValidation)
	}
	if password != strings.TrimSpace(password) {
		return fmt.Errorf("%w: password must not have leading or trailing whitespace", ErrValidation)
	}
	return nil
}

// Register validates username and password, checks uniqueness, and
// inserts a new user. confirm, if non-empty, must match password.
func (s *Service) Register(ctx context.Context, username, password, confirm string) (*store.User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if confirm != "" && confirm != password {
		return nil, fmt.Errorf("%w: passwords do not match", ErrValidation)
	}

	hash, err := store.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}

	u, err := s.store.SaveUser(ctx, &store.User{
		Username:     username,
		PasswordHash: hash,
		SessionLimit: 5,
		Preferences:  map[string]any{},
	})
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return nil, fmt.Errorf("Username '%s' is already taken: %w", username, err)
		}
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	return u, nil
}

// Login verifies a username/password pair and, on success, updates
// last_login.
func (s *Service) Login(ctx context.Context, username, password string) (*store.User, error) {
	u, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.New("Invalid username or password")
		}
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	if !store.VerifyPassword(u.PasswordHash, password) {
		return nil, errors.New("Invalid username or password")
	}

	now := time.Now().UTC()
	if err := s.store.UpdateLastLogin(ctx, u.ID, now); err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	u.LastLogin = &now
	return u, nil
}

var apiKeyCharset = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateAPIKey checks the §3 api_key format: "sk-" + >=17 URL-safe chars.
func ValidateAPIKey(key string) error {
	const prefix = "sk-"
	if !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("%w: api key must start with %q", ErrValidation, prefix)
	}
	rest := strings.TrimPrefix(key, prefix)
	if len(rest) < 17 {
		return fmt.Errorf("%w: api key body must be at least 17 characters", ErrValidation)
	}
	if !apiKeyCharset.MatchString(rest) {
		return fmt.Errorf("%w: api key must be URL-safe", ErrValidation)
	}
	return nil
}

// LoginWithAPIKey validates and looks up a user by API key, updating
// last_login on success.
func (s *Service) LoginWithAPIKey(ctx context.Context, key string) (*store.User, error) {
	if err := ValidateAPIKey(key); err != nil {
		return nil, err
	}

	u, err := s.store.FindUserByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.New("Invalid API key")
		}
		return nil, fmt.Errorf("auth: login with api key: %w", err)
	}

	now := time.Now().UTC()
	if err := s.store.UpdateLastLogin(ctx, u.ID, now); err != nil {
		return nil, fmt.Errorf("auth: login with api key: %w", err)
	}
	u.LastLogin = &now
	return u, nil
}

// ChangePassword verifies the current password, then sets a new one.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, newPassword string) error {
	u, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("auth: change password: %w", err)
	}
	if !store.VerifyPassword(u.PasswordHash, current) {
		return errors.New("Current password is incorrect")
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	hash, err := store.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("auth: change password: %w", err)
	}
	u.PasswordHash = hash
	_, err = s.store.SaveUser(ctx, u)
	return err
}

// ResetAdminPassword lets an admin set another user's password without
// knowing the current one.
func (s *Service) ResetAdminPassword(ctx context.Context, callerID, targetID int64, newPassword string) error {
	caller, err := s.store.FindUserByID(ctx, callerID)
	if err != nil {
		return fmt.Errorf("auth: reset admin password: %w", err)
	}
	if !caller.IsAdmin {
		return fmt.Errorf("%w: caller is not an admin", ErrPermissionDenied)
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	target, err := s.store.FindUserByID(ctx, targetID)
	if err != nil {
		return fmt.Errorf("auth: reset admin password: %w", err)
	}
	hash, err := store.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("auth: reset admin password: %w", err)
	}
	target.PasswordHash = hash
	_, err = s.store.SaveUser(ctx, target)
	return err
}

// GenerateAPIKey mints and persists a new API key for a user, replacing
// any existing one.
func (s *Service) GenerateAPIKey(ctx context.Context, userID int64) (string, error) {
	key, err := newAPIKey()
	if err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	if err := s.store.UpdateAPIKey(ctx, userID, &key); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return key, nil
}

// RevokeAPIKey clears a user's API key.
func (s *Service) RevokeAPIKey(ctx context.Context, userID int64) error {
	if err := s.store.UpdateAPIKey(ctx, userID, nil); err != nil {
		return fmt.Errorf("auth: revoke api key: %w", err)
	}
	return nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// AddSession registers an outer session as active for a user, enforcing
// the per-user session cap. The session being added does not count against
// the cap itself, even though outer sessions are created already active.
func (s *Service) AddSession(ctx context.Context, userID int64, outerSessionID int64) error {
	u, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("auth: add session: %w", err)
	}
	active := 0
	for _, id := range u.ActiveSessions {
		if id != outerSessionID {
			active++
		}
	}
	if active >= u.SessionLimit {
		return fmt.Errorf("Cannot add session - limit of %d sessions reached: %w", u.SessionLimit, ErrSessionLimitExceeded)
	}
	return s.store.SetOuterSessionActive(ctx, outerSessionID, true)
}

// RemoveSession marks an outer session inactive for a user, freeing a slot
// under the session cap.
func (s *Service) RemoveSession(ctx context.Context, userID int64, outerSessionID int64) error {
	if err := s.verifyOwnership(ctx, userID, outerSessionID); err != nil {
		return err
	}
	return s.store.SetOuterSessionActive(ctx, outerSessionID, false)
}

// CleanupSessions marks every outer session owned by a user inactive.
func (s *Service) CleanupSessions(ctx context.Context, userID int64) error {
	sessions, err := s.store.ListOuterSessionsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("auth: cleanup sessions: %w", err)
	}
	for _, sess := range sessions {
		if !sess.IsActive {
			continue
		}
		if err := s.store.SetOuterSessionActive(ctx, sess.ID, false); err != nil {
			return fmt.Errorf("auth: cleanup sessions: %w", err)
		}
	}
	return nil
}

// SetSessionLimit lets an admin change a user's session cap (1-100).
func (s *Service) SetSessionLimit(ctx context.Context, callerID, targetID int64, limit int) error {
	caller, err := s.store.FindUserByID(ctx, callerID)
	if err != nil {
		return fmt.Errorf("auth: set session limit: %w", err)
	}
	if !caller.IsAdmin {
		return fmt.Errorf("%w: caller is not an admin", ErrPermissionDenied)
	}
	if limit < 1 || limit > 100 {
		return fmt.Errorf("%w: session limit must be between 1 and 100", ErrValidation)
	}

	target, err := s.store.FindUserByID(ctx, targetID)
	if err != nil {
		return fmt.Errorf("auth: set session limit: %w", err)
	}
	target.SessionLimit = limit
	_, err = s.store.SaveUser(ctx, target)
	return err
}

// VerifySessionOwnership confirms that an outer session belongs to userID.
func (s *Service) VerifySessionOwnership(ctx context.Context, userID int64, outerSessionID int64) error {
	return s.verifyOwnership(ctx, userID, outerSessionID)
}

func (s *Service) verifyOwnership(ctx context.Context, userID int64, outerSessionID int64) error {
	sess, err := s.store.GetOuterSession(ctx, outerSessionID)
	if err != nil {
		return fmt.Errorf("auth: verify session ownership: %w", err)
	}
	if sess.UserID != userID {
		return fmt.Errorf("%w: session does not belong to user", ErrPermissionDenied)
	}
	return nil
}

// DeleteUser removes a user, enforcing: caller must be admin, target is
// not rootusr, target is not the caller.
func (s *Service) DeleteUser(ctx context.Context, callerID, targetID int64) error {
	caller, err := s.store.FindUserByID(ctx, callerID)
	if err != nil {
		return fmt.Errorf("auth: delete user: %w", err)
	}
	if !caller.IsAdmin {
		return fmt.Errorf("%w: caller is not an admin", ErrPermissionDenied)
	}
	if callerID == targetID {
		return fmt.Errorf("%w: admins cannot delete themselves", ErrPermissionDenied)
	}

	target, err := s.store.FindUserByID(ctx, targetID)
	if err != nil {
		return fmt.Errorf("auth: delete user: %w", err)
	}
	if target.Username == "rootusr" {
		return fmt.Errorf("%w: rootusr cannot be deleted", ErrPermissionDenied)
	}
	if target.IsAdmin {
		return fmt.Errorf("%w: admins cannot delete other admins", ErrPermissionDenied)
	}

	return s.store.DeleteUser(ctx, targetID)
}
