// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4bot/m4bot-server/backup"
	"github.com/m4bot/m4bot-server/models"
	"github.com/m4bot/m4bot-server/testutil"
)

func backupRequest(method, path, id string, body interface{}, user models.User) *http.Request {
	req := testutil.AuthedRequest(method, path, body, user)
	if id != "" {
		req.SetPathValue("id", id)
	}
	return req
}

func TestBackupLifecycle(t *testing.T) {
	f := newFixture(t)
	manager := backup.NewManager(f.db, t.TempDir(), 0)
	handler := NewBackupHandler(f.db, f.cfg, manager)

	w := httptest.NewRecorder()
	handler.CreateBackup(w, backupRequest("POST", "/create_backup", "", models.CreateBackupRequest{Note: strings.Repeat("x", 201)}, f.admin))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	// an empty body is allowed
	w = httptest.NewRecorder()
	handler.CreateBackup(w, backupRequest("POST", "/create_backup", "", nil, f.admin))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var b models.Backup
	testutil.AssertJSON(t, w, &b)
	assert.Equal(t, "admin", b.CreatedBy)
	assert.Equal(t, 1, b.Tables["channels"])
	assert.NotEmpty(t, b.Checksum)

	w = httptest.NewRecorder()
	handler.ListBackups(w, backupRequest("GET", "/api/backups", "", nil, f.admin))
	var list []models.Backup
	testutil.AssertJSON(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	w = httptest.NewRecorder()
	handler.DownloadBackup(w, backupRequest("GET", "/api/backups/"+b.ID+"/download", b.ID, nil, f.admin))
	testutil.AssertStatus(t, w, http.StatusOK)
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), b.Filename)
	assert.Equal(t, b.SizeBytes, int64(w.Body.Len()))

	// channels created after the backup disappear on restore
	testutil.CreateTestChannel(t, f.db, f.owner.ID, "newcomer")
	w = httptest.NewRecorder()
	handler.RestoreBackup(w, backupRequest("POST", "/restore_backup/"+b.ID, b.ID, nil, f.admin))
	testutil.AssertStatus(t, w, http.StatusOK)
	var restored models.RestoreBackupResponse
	testutil.AssertJSON(t, w, &restored)
	assert.Equal(t, "Backup restored", restored.Message)
	assert.Equal(t, 1, restored.Tables["channels"])

	var channels int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM channels`).Scan(&channels))
	assert.Equal(t, 1, channels)

	w = httptest.NewRecorder()
	handler.RestoreBackup(w, backupRequest("POST", "/restore_backup/nope", "nope", nil, f.admin))
	testutil.AssertStatus(t, w, http.StatusNotFound)

	w = httptest.NewRecorder()
	handler.DeleteBackup(w, backupRequest("POST", "/delete_backup", "", models.DeleteBackupRequest{}, f.admin))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = httptest.NewRecorder()
	handler.DeleteBackup(w, backupRequest("POST", "/delete_backup", "", models.DeleteBackupRequest{BackupID: b.ID}, f.admin))
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	handler.DeleteBackup(w, backupRequest("POST", "/delete_backup", "", models.DeleteBackupRequest{BackupID: b.ID}, f.admin))
	testutil.AssertStatus(t, w, http.StatusNotFound)

	w = httptest.NewRecorder()
	handler.DownloadBackup(w, backupRequest("GET", "/api/backups/"+b.ID+"/download", b.ID, nil, f.admin))
	testutil.AssertStatus(t, w, http.StatusNotFound)
}

func TestRestoreCorruptedBackup(t *testing.T) {
	f := newFixture(t)
	manager := backup.NewManager(f.db, t.TempDir(), 0)
	handler := NewBackupHandler(f.db, f.cfg, manager)

	b, err := manager.Create(t.Context(), "admin", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manager.Path(b), []byte("garbage"), 0o600))

	w := httptest.NewRecorder()
	handler.RestoreBackup(w, backupRequest("POST", "/restore_backup/"+b.ID, b.ID, nil, f.admin))
	testutil.AssertStatus(t, w, http.StatusConflict)
}
