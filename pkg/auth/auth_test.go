package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/chronoagent/chronoagent/pkg/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := store.Open(db, "sqlite")
	require.NoError(t, err)
	return New(s), s
}

// TestRegisterAndLogin covers scenario 1 of §8.
func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "alice", "hunter22", "hunter22")
	require.NoError(t, err)
	require.Greater(t, u.ID, int64(0))

	_, err = svc.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice", "wrong")
	require.EqualError(t, err, "Invalid username or password")

	_, err = svc.Register(ctx, "alice", "x", "")
	require.ErrorContains(t, err, "Password must be longer than 4 characters")

	_, err = svc.Register(ctx, "alice", "hunter22", "hunter22")
	require.ErrorContains(t, err, "Username 'alice' is already taken")
}

func TestAddSession_EnforcesLimit(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "alice", "hunter22", "")
	require.NoError(t, err)
	u.SessionLimit = 2
	_, err = s.SaveUser(ctx, u)
	require.NoError(t, err)

	outer1, err := s.CreateOuterSession(ctx, u.ID, "chat 1")
	require.NoError(t, err)
	require.NoError(t, svc.AddSession(ctx, u.ID, outer1.ID))

	outer2, err := s.CreateOuterSession(ctx, u.ID, "chat 2")
	require.NoError(t, err)
	require.NoError(t, svc.AddSession(ctx, u.ID, outer2.ID))

	outer3, err := s.CreateOuterSession(ctx, u.ID, "chat 3")
	require.NoError(t, err)
	err = svc.AddSession(ctx, u.ID, outer3.ID)
	require.ErrorContains(t, err, "Cannot add session - limit of 2 sessions reached")
	require.True(t, errors.Is(err, ErrSessionLimitExceeded))
}

func TestDeleteUser_Invariants(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	admin, err := svc.Register(ctx, "admin1", "hunter22", "")
	require.NoError(t, err)
	admin.IsAdmin = true
	_, err = s.SaveUser(ctx, admin)
	require.NoError(t, err)

	plain, err := svc.Register(ctx, "bob", "hunter22", "")
	require.NoError(t, err)

	root, err := s.FindUserByUsername(ctx, "rootusr")
	require.NoError(t, err)

	err = svc.DeleteUser(ctx, admin.ID, root.ID)
	require.ErrorIs(t, err, ErrPermissionDenied)

	err = svc.DeleteUser(ctx, admin.ID, admin.ID)
	require.ErrorIs(t, err, ErrPermissionDenied)

	err = svc.DeleteUser(ctx, plain.ID, admin.ID)
	require.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, svc.DeleteUser(ctx, admin.ID, plain.ID))
	_, err = s.FindUserByID(ctx, plain.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdatePreferences_ValidationRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "alice", "hunter22", "")
	require.NoError(t, err)

	_, err = svc.UpdatePreferences(ctx, u.ID, map[string]any{"temperature": 2.5})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.UpdatePreferences(ctx, u.ID, map[string]any{"model": "not-a-model"})
	require.ErrorIs(t, err, ErrValidation)

	updated, err := svc.UpdatePreferences(ctx, u.ID, map[string]any{
		"temperature": 0.7,
		"model":       "gpt-4o",
		"max_tokens":  float64(4096),
	})
	require.NoError(t, err)
	require.EqualValues(t, 0.7, updated.Preferences["temperature"])
	require.Equal(t, "gpt-4o", updated.Preferences["model"])
}

func TestSetSessionLimit(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	admin, err := svc.Register(ctx, "admin1", "hunter22", "")
	require.NoError(t, err)
	admin.IsAdmin = true
	_, err = s.SaveUser(ctx, admin)
	require.NoError(t, err)

	plain, err := svc.Register(ctx, "bob", "hunter22", "")
	require.NoError(t, err)

	err = svc.SetSessionLimit(ctx, plain.ID, plain.ID, 10)
	require.ErrorIs(t, err, ErrPermissionDenied)

	err = svc.SetSessionLimit(ctx, admin.ID, plain.ID, 0)
	require.ErrorIs(t, err, ErrValidation)

	err = svc.SetSessionLimit(ctx, admin.ID, plain.ID, 101)
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, svc.SetSessionLimit(ctx, admin.ID, plain.ID, 10))
	updated, err := s.FindUserByID(ctx, plain.ID)
	require.NoError(t, err)
	require.Equal(t, 10, updated.SessionLimit)
}

func TestGenerateAndRevokeAPIKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "alice", "hunter22", "")
	require.NoError(t, err)

	key, err := svc.GenerateAPIKey(ctx, u.ID)
	require.NoError(t, err)
	require.NoError(t, ValidateAPIKey(key))

	found, err := svc.LoginWithAPIKey(ctx, key)
	require.NoError(t, err)
	require.Equal(t, u.ID, found.ID)

	require.NoError(t, svc.RevokeAPIKey(ctx, u.ID))
	_, err = svc.LoginWithAPIKey(ctx, key)
	require.Error(t, err)
}
