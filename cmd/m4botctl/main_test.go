// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/m4bot/m4bot-server/auth"
)

// run executes m4botctl against a temporary SQLite database
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd(&out)
	base := []string{
		"--env", filepath.Join(dir, "missing.env"),
		"-d", "file:" + filepath.Join(dir, "ctl.db"),
		"-t", "sqlite",
		"--backup-dir", filepath.Join(dir, "backups"),
	}
	root.SetArgs(append(args, base...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func setup(t *testing.T) string {
	t.Helper()
	auth.PasswordCost = bcrypt.MinCost
	t.Setenv("SESSION_SECRET", "ctl-session-secret-value")
	t.Setenv("RESET_SALT", "ctl-reset-salt")
	t.Setenv("LOG_LEVEL", "error")
	return t.TempDir()
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "m4botctl dev (none)\n", out.String())
}

func TestMigrateCmd(t *testing.T) {
	dir := setup(t)

	out, err := run(t, dir, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema at version 2")
}

func TestUserCommands(t *testing.T) {
	dir := setup(t)

	out, err := run(t, dir, "user", "create-admin", "-u", "Root", "--email", "root@example.com", "--password", "supersecret")
	require.NoError(t, err)
	assert.Contains(t, out, "created admin Root")

	// Duplicate usernames are rejected by the unique index
	_, err = run(t, dir, "user", "create-admin", "-u", "root", "--email", "other@example.com", "--password", "supersecret")
	assert.Error(t, err)

	t.Setenv(passwordEnv, "anothersecret")
	out, err = run(t, dir, "user", "reset-password", "-u", "ROOT")
	require.NoError(t, err)
	assert.Contains(t, out, "password updated for ROOT")

	_, err = run(t, dir, "user", "reset-password", "-u", "ghost")
	assert.ErrorContains(t, err, "not found")
}

func TestUserCommandsValidate(t *testing.T) {
	dir := setup(t)

	_, err := run(t, dir, "user", "create-admin", "-u", "root", "--email", "nope", "--password", "supersecret")
	assert.Error(t, err)

	_, err = run(t, dir, "user", "create-admin", "-u", "root", "--email", "root@example.com", "--password", "short")
	assert.ErrorIs(t, err, auth.ErrWeakPassword)
}

func TestBackupCommands(t *testing.T) {
	dir := setup(t)

	_, err := run(t, dir, "user", "create-admin", "-u", "root", "--email", "root@example.com", "--password", "supersecret")
	require.NoError(t, err)

	out, err := run(t, dir, "backup", "create", "-n", "before upgrade")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "created "), out)
	id := strings.Fields(out)[1]

	out, err = run(t, dir, "backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "before upgrade")

	out, err = run(t, dir, "backup", "restore", id)
	require.NoError(t, err)
	assert.Contains(t, out, "users=1")

	out, err = run(t, dir, "backup", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+id)

	_, err = run(t, dir, "backup", "restore", id)
	assert.Error(t, err)
}

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "channels=2 users=1", formatCounts(map[string]int{"users": 1, "channels": 2}))
	assert.Equal(t, "", formatCounts(nil))
}
