// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/m4bot/m4bot-server/backup"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

type BackupHandler struct {
	db      *sql.DB
	cfg     cliparse.Config
	backups *backup.Manager
}

func NewBackupHandler(db *sql.DB, cfg cliparse.Config, backups *backup.Manager) *BackupHandler {
	return &BackupHandler{db: db, cfg: cfg, backups: backups}
}

// CreateBackup handles POST /create_backup
// The body is optional.
func (h *BackupHandler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.CurrentUser(r)

	var req models.CreateBackupRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if len(req.Note) > 200 {
		middleware.ErrorResponse(w, http.StatusBadRequest, "note must be at most 200 characters")
		return
	}

	b, err := h.backups.Create(r.Context(), user.Username, req.Note)
	if err != nil {
		slog.Error("failed to create backup", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create backup")
		return
	}

	recordActivity(r, h.db, h.cfg, "backup_create", b.ID, b.Filename)
	middleware.JSONResponse(w, http.StatusCreated, b)
}

// RestoreBackup handles POST /restore_backup/{id}
func (h *BackupHandler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	user, _ := middleware.CurrentUser(r)

	b, counts, err := h.backups.Restore(r.Context(), id, user.ID)
	switch {
	case errors.Is(err, backup.ErrNotFound):
		middleware.ErrorResponse(w, http.StatusNotFound, "Backup not found")
		return
	case errors.Is(err, backup.ErrChecksumMismatch):
		middleware.ErrorResponse(w, http.StatusConflict, "Backup file is corrupted")
		return
	case errors.Is(err, backup.ErrUnsupportedFormat):
		middleware.ErrorResponse(w, http.StatusUnprocessableEntity, "Backup file format is not supported")
		return
	case errors.Is(err, backup.ErrAccountConflict):
		middleware.ErrorResponse(w, http.StatusConflict, "Backup holds another account with your username or email")
		return
	case err != nil:
		slog.Error("failed to restore backup", "backup_id", id, "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to restore backup")
		return
	}

	// recorded after the restore so the entry survives it
	recordActivity(r, h.db, h.cfg, "backup_restore", b.ID, b.Filename)
	middleware.JSONResponse(w, http.StatusOK, models.RestoreBackupResponse{
		Backup:  b,
		Tables:  counts,
		Message: "Backup restored",
	})
}

// DeleteBackup handles POST /delete_backup
func (h *BackupHandler) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	var req models.DeleteBackupRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.BackupID == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "backup_id is required")
		return
	}

	err := h.backups.Delete(r.Context(), req.BackupID)
	if errors.Is(err, backup.ErrNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Backup not found")
		return
	}
	if err != nil {
		slog.Error("failed to delete backup", "backup_id", req.BackupID, "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to delete backup")
		return
	}

	recordActivity(r, h.db, h.cfg, "backup_delete", req.BackupID, "")
	middleware.JSONResponse(w, http.StatusOK, models.MessageResponse{Message: "Backup deleted"})
}

// ListBackups handles GET /api/backups
func (h *BackupHandler) ListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.backups.List(r.Context())
	if err != nil {
		slog.Error("failed to list backups", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to list backups")
		return
	}
	middleware.JSONResponse(w, http.StatusOK, backups)
}

// DownloadBackup handles GET /api/backups/{id}/download
func (h *BackupHandler) DownloadBackup(w http.ResponseWriter, r *http.Request) {
	b, err := h.backups.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, backup.ErrNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Backup not found")
		return
	}
	if err != nil {
		slog.Error("failed to load backup", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	f, err := os.Open(h.backups.Path(b))
	if errors.Is(err, os.ErrNotExist) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Backup file is missing")
		return
	}
	if err != nil {
		slog.Error("failed to open backup", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to read backup")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, b.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(b.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		slog.Warn("backup download interrupted", "backup_id", b.ID, "error", err)
	}
}
