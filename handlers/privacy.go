// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/m4bot/m4bot-server/activity"
	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

const (
	minRetentionDays = 30
	maxRetentionDays = 3650
	deleteConfirm    = "DELETE"
)

type PrivacyHandler struct {
	db  *sql.DB
	cfg cliparse.Config
}

func NewPrivacyHandler(db *sql.DB, cfg cliparse.Config) *PrivacyHandler {
	return &PrivacyHandler{db: db, cfg: cfg}
}

func loadPrivacy(ctx context.Context, db *sql.DB, userID string) (models.PrivacySettings, error) {
	p := models.DefaultPrivacySettings()
	var updatedAt time.Time
	err := db.QueryRowContext(ctx, `
		SELECT analytics_consent, marketing_consent, public_profile, data_retention_days, updated_at
		FROM privacy_settings WHERE user_id = $1
	`, userID).Scan(&p.AnalyticsConsent, &p.MarketingConsent, &p.PublicProfile, &p.DataRetentionDays, &updatedAt)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	p.UpdatedAt = &updatedAt
	return p, nil
}

// GetSettings handles GET /api/privacy/settings
func (h *PrivacyHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.CurrentUser(r)

	settings, err := loadPrivacy(r.Context(), h.db, user.ID)
	if err != nil {
		slog.Error("failed to load privacy settings", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	middleware.JSONResponse(w, http.StatusOK, settings)
}

// UpdateSettings handles PUT /api/privacy/settings
func (h *PrivacyHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.CurrentUser(r)

	var req models.PrivacySettings
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.DataRetentionDays < minRetentionDays || req.DataRetentionDays > maxRetentionDays {
		middleware.ErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("data_retention_days must be between %d and %d", minRetentionDays, maxRetentionDays))
		return
	}

	now := time.Now().UTC()
	_, err := h.db.ExecContext(r.Context(), `
		INSERT INTO privacy_settings (user_id, analytics_consent, marketing_consent, public_profile, data_retention_days, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			analytics_consent = excluded.analytics_consent,
			marketing_consent = excluded.marketing_consent,
			public_profile = excluded.public_profile,
			data_retention_days = excluded.data_retention_days,
			updated_at = excluded.updated_at
	`, user.ID, req.AnalyticsConsent, req.MarketingConsent, req.PublicProfile, req.DataRetentionDays, now)
	if err != nil {
		slog.Error("failed to save privacy settings", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	recordActivity(r, h.db, h.cfg, "privacy_update", user.ID, "")

	req.UpdatedAt = &now
	middleware.JSONResponse(w, http.StatusOK, req)
}

// Export handles GET /api/privacy/export
// The document is served as a download.
func (h *PrivacyHandler) Export(w http.ResponseWriter, r *http.Request) {
	session, _ := middleware.CurrentUser(r)
	ctx := r.Context()

	user, _, err := queryUser(ctx, h.db, `WHERE id = $1`, session.ID)
	if err != nil {
		slog.Error("failed to load user for export", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to export data")
		return
	}

	export := models.DataExport{ExportedAt: time.Now().UTC(), User: user}

	if export.Privacy, err = loadPrivacy(ctx, h.db, user.ID); err != nil {
		slog.Error("failed to load privacy for export", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to export data")
		return
	}
	if export.Channels, err = listChannels(ctx, h.db, `WHERE owner_id = $1`, user.ID); err != nil {
		slog.Error("failed to load channels for export", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to export data")
		return
	}
	if export.Polls, err = loadPolls(ctx, h.db, `WHERE created_by = $1 ORDER BY created_at`, user.Username); err != nil {
		slog.Error("failed to load polls for export", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to export data")
		return
	}
	if export.Activity, err = allActivity(ctx, h.db, user.ID); err != nil {
		slog.Error("failed to load activity for export", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to export data")
		return
	}

	recordActivity(r, h.db, h.cfg, "data_export", user.ID, "")

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="m4bot-export-%s.json"`, user.Username))
	middleware.JSONResponse(w, http.StatusOK, export)
}

func allActivity(ctx context.Context, db *sql.DB, userID string) ([]models.ActivityLog, error) {
	const perPage = 100
	all := []models.ActivityLog{}
	for page := 1; ; page++ {
		logs, _, err := activity.List(ctx, db, activity.Filter{UserID: userID, Page: page, PerPage: perPage})
		if err != nil {
			return nil, err
		}
		all = append(all, logs...)
		if len(logs) < perPage {
			return all, nil
		}
	}
}

// DeleteAccount handles POST /api/privacy/delete-account
// Owned channels go with the account; audit entries stay without the user ID.
func (h *PrivacyHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	session, _ := middleware.CurrentUser(r)
	ctx := r.Context()

	var req models.DeleteAccountRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Confirm != deleteConfirm {
		middleware.ErrorResponse(w, http.StatusBadRequest, `confirm must be "DELETE"`)
		return
	}

	user, secrets, err := queryUser(ctx, h.db, `WHERE id = $1`, session.ID)
	if err != nil {
		slog.Error("failed to load user", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	if err := auth.CheckPassword(secrets.passwordHash, req.Password); err != nil {
		middleware.ErrorResponse(w, http.StatusForbidden, "Password is incorrect")
		return
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer tx.Rollback()

	if user.Role == models.RoleAdmin {
		var admins int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role = $1 AND active = $2`, models.RoleAdmin, true).Scan(&admins); err != nil {
			slog.Error("failed to count admins", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		if admins <= 1 {
			middleware.ErrorResponse(w, http.StatusConflict, "The last admin cannot delete their account")
			return
		}
	}

	if err := activity.ForgetUser(ctx, tx, user.ID); err != nil {
		slog.Error("failed to detach activity", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to delete account")
		return
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, user.ID); err != nil {
		slog.Error("failed to delete user", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to delete account")
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to delete account")
		return
	}

	activity.Record(ctx, h.db, activity.Entry{Username: user.Username, Action: "account_delete"})
	slog.Info("account deleted", "username", user.Username)

	http.SetCookie(w, &http.Cookie{Name: middleware.SessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	middleware.JSONResponse(w, http.StatusOK, models.MessageResponse{Message: "Account deleted"})
}
