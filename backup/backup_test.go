// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package backup

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4bot/m4bot-server/models"
	"github.com/m4bot/m4bot-server/testutil"
)

func newTestManager(t *testing.T, maxBackups int) (*Manager, string) {
	t.Helper()
	conn := testutil.SetupTestDB(t)
	t.Cleanup(func() { conn.Close() })

	dir := filepath.Join(t.TempDir(), "backups")
	m := NewManager(conn, dir, maxBackups)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	m.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}
	return m, dir
}

func TestCreate(t *testing.T) {
	m, dir := newTestManager(t, 0)
	ctx := context.Background()

	admin := testutil.CreateTestUser(t, m.db, "admin", models.RoleAdmin)
	channel := testutil.CreateTestChannel(t, m.db, admin.ID, "streamer")
	testutil.CreateTestPoll(t, m.db, channel.ID, models.PollDraft, 60, "Yes", "No")

	b, err := m.Create(ctx, admin.Username, "before migration")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^m4bot-20250301-120100-[0-9a-f]{8}\.json\.gz$`), b.Filename)
	assert.Len(t, b.Checksum, 64)
	assert.Positive(t, b.SizeBytes)
	assert.NotEmpty(t, b.Size)
	assert.Equal(t, 1, b.Tables["users"])
	assert.Equal(t, 1, b.Tables["polls"])
	assert.Equal(t, 2, b.Tables["poll_options"])
	assert.Equal(t, 1, b.Tables["bot_state"])
	assert.NotContains(t, b.Tables, "backups")

	f, err := os.Open(filepath.Join(dir, b.Filename))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.NewDecoder(gz).Decode(&doc))
	assert.Equal(t, FormatVersion, doc.Version)
	require.Len(t, doc.Tables["users"], 1)
	assert.Equal(t, "admin", doc.Tables["users"][0]["username"])

	listed, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, b.ID, listed[0].ID)
	assert.Equal(t, "before migration", listed[0].Note)
}

func TestRestore(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	admin := testutil.CreateTestUser(t, m.db, "admin", models.RoleAdmin)
	channel := testutil.CreateTestChannel(t, m.db, admin.ID, "streamer")
	pollID, _ := testutil.CreateTestPoll(t, m.db, channel.ID, models.PollCompleted, 60, "Yes", "No")

	b, err := m.Create(ctx, admin.Username, "")
	require.NoError(t, err)

	// changes made after the backup
	_, err = m.db.Exec(`DELETE FROM polls WHERE id = $1`, pollID)
	require.NoError(t, err)
	testutil.CreateTestUser(t, m.db, "latecomer", models.RoleUser)

	restored, counts, err := m.Restore(ctx, b.ID, "")
	require.NoError(t, err)
	assert.Equal(t, b.ID, restored.ID)
	assert.Equal(t, 1, counts["polls"])

	var users, polls int
	require.NoError(t, m.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&users))
	require.NoError(t, m.db.QueryRow(`SELECT COUNT(*) FROM polls`).Scan(&polls))
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, polls)

	var endedAt *time.Time
	var botEnabled bool
	require.NoError(t, m.db.QueryRow(`SELECT ended_at FROM polls WHERE id = $1`, pollID).Scan(&endedAt))
	require.NoError(t, m.db.QueryRow(`SELECT bot_enabled FROM channels WHERE id = $1`, channel.ID).Scan(&botEnabled))
	assert.NotNil(t, endedAt, "timestamps survive the round trip")
	assert.True(t, botEnabled)

	listed, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1, "restoring leaves the backup list alone")
}

func TestRestore_KeepsRestoringUser(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	first := testutil.CreateTestUser(t, m.db, "first", models.RoleAdmin)
	b, err := m.Create(ctx, first.Username, "")
	require.NoError(t, err)

	second := testutil.CreateTestUser(t, m.db, "second", models.RoleAdmin)
	_, err = m.db.Exec(`
		INSERT INTO privacy_settings (user_id, analytics_consent, marketing_consent, public_profile, data_retention_days, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, second.ID, true, false, true, 90, time.Now().UTC())
	require.NoError(t, err)
	channel := testutil.CreateTestChannel(t, m.db, second.ID, "late_channel")

	_, counts, err := m.Restore(ctx, b.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["users"])

	var role string
	var active bool
	require.NoError(t, m.db.QueryRow(`SELECT role, active FROM users WHERE id = $1`, second.ID).Scan(&role, &active))
	assert.Equal(t, models.RoleAdmin, role)
	assert.True(t, active)

	var retention int
	require.NoError(t, m.db.QueryRow(`SELECT data_retention_days FROM privacy_settings WHERE user_id = $1`, second.ID).Scan(&retention))
	assert.Equal(t, 90, retention)

	var users, channels int
	require.NoError(t, m.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&users))
	require.NoError(t, m.db.QueryRow(`SELECT COUNT(*) FROM channels WHERE id = $1`, channel.ID).Scan(&channels))
	assert.Equal(t, 2, users)
	assert.Zero(t, channels, "only the account is carried over")
}

func TestRestore_KeepsExistingRowInPlace(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	admin := testutil.CreateTestUser(t, m.db, "admin", models.RoleAdmin)
	channel := testutil.CreateTestChannel(t, m.db, admin.ID, "streamer")
	b, err := m.Create(ctx, admin.Username, "")
	require.NoError(t, err)

	_, err = m.db.Exec(`UPDATE users SET display_name = $1 WHERE id = $2`, "Renamed", admin.ID)
	require.NoError(t, err)

	_, _, err = m.Restore(ctx, b.ID, admin.ID)
	require.NoError(t, err)

	var name string
	var channels int
	require.NoError(t, m.db.QueryRow(`SELECT display_name FROM users WHERE id = $1`, admin.ID).Scan(&name))
	require.NoError(t, m.db.QueryRow(`SELECT COUNT(*) FROM channels WHERE id = $1`, channel.ID).Scan(&channels))
	assert.Equal(t, "Renamed", name)
	assert.Equal(t, 1, channels, "restored channels of the kept user survive")
}

func TestRestore_AccountConflict(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	old := testutil.CreateTestUser(t, m.db, "streamer", models.RoleAdmin)
	b, err := m.Create(ctx, old.Username, "")
	require.NoError(t, err)

	_, err = m.db.Exec(`DELETE FROM users WHERE id = $1`, old.ID)
	require.NoError(t, err)
	again := testutil.CreateTestUser(t, m.db, "streamer", models.RoleAdmin)

	_, _, err = m.Restore(ctx, b.ID, again.ID)
	assert.ErrorIs(t, err, ErrAccountConflict)

	var id string
	require.NoError(t, m.db.QueryRow(`SELECT id FROM users`).Scan(&id))
	assert.Equal(t, again.ID, id, "a rejected restore leaves the data alone")
}

func TestRestore_ChecksumMismatch(t *testing.T) {
	m, dir := newTestManager(t, 0)
	ctx := context.Background()

	testutil.CreateTestUser(t, m.db, "admin", models.RoleAdmin)
	b, err := m.Create(ctx, "admin", "")
	require.NoError(t, err)

	path := filepath.Join(dir, b.Filename)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, _, err = m.Restore(ctx, b.ID, "")
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var users int
	require.NoError(t, m.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&users))
	assert.Equal(t, 1, users, "a rejected restore leaves the data alone")
}

func TestRestore_NotFound(t *testing.T) {
	m, _ := newTestManager(t, 0)
	_, _, err := m.Restore(context.Background(), "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_PrunesOldest(t *testing.T) {
	m, dir := newTestManager(t, 2)
	ctx := context.Background()

	var ids []string
	for range 3 {
		b, err := m.Create(ctx, "admin", "")
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	listed, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, ids[2], listed[0].ID)
	assert.Equal(t, ids[1], listed[1].ID)

	files, err := filepath.Glob(filepath.Join(dir, "*.json.gz"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestDelete(t *testing.T) {
	m, dir := newTestManager(t, 0)
	ctx := context.Background()

	b, err := m.Create(ctx, "admin", "")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, b.ID))
	_, err = os.Stat(filepath.Join(dir, b.Filename))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, m.Delete(ctx, b.ID), ErrNotFound)
}

func TestRestoreValue(t *testing.T) {
	assert.Equal(t, int64(42), restoreValue("use_count", json.Number("42")))
	assert.Equal(t, 1.5, restoreValue("score", json.Number("1.5")))
	assert.Equal(t, "hello", restoreValue("message", "hello"))
	assert.Equal(t, "not a time", restoreValue("created_at", "not a time"))
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), restoreValue("created_at", "2025-01-02T03:04:05Z"))
	assert.Nil(t, restoreValue("used_at", nil))
}
