// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

const totpIssuer = "M4Bot"

type userSecrets struct {
	passwordHash string
	totpSecret   string
}

// queryUser loads one user matching the WHERE clause
func queryUser(ctx context.Context, db *sql.DB, where string, args ...any) (models.User, userSecrets, error) {
	var u models.User
	var s userSecrets
	var prefs string
	err := db.QueryRowContext(ctx, `
		SELECT id, username, email, display_name, bio, role, active, totp_enabled,
		       preferences, created_at, last_login_at, password_hash, totp_secret
		FROM users `+where, args...).Scan(
		&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.Bio, &u.Role, &u.Active,
		&u.TwoFactorEnabled, &prefs, &u.CreatedAt, &u.LastLoginAt, &s.passwordHash, &s.totpSecret,
	)
	if err == sql.ErrNoRows {
		return u, s, errNotFound
	}
	if err != nil {
		return u, s, err
	}

	u.Preferences = models.DefaultPreferences()
	if err := json.Unmarshal([]byte(prefs), &u.Preferences); err != nil {
		slog.Warn("ignoring malformed preferences", "user_id", u.ID, "error", err)
	}
	return u, s, nil
}

type UserHandler struct {
	db  *sql.DB
	cfg cliparse.Config
}

func NewUserHandler(db *sql.DB, cfg cliparse.Config) *UserHandler {
	return &UserHandler{db: db, cfg: cfg}
}

// currentUser loads the full record of the authenticated user
func (h *UserHandler) currentUser(w http.ResponseWriter, r *http.Request) (models.User, userSecrets, bool) {
	session, ok := middleware.CurrentUser(r)
	if !ok {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "Authentication required")
		return models.User{}, userSecrets{}, false
	}

	user, secrets, err := queryUser(r.Context(), h.db, `WHERE id = $1`, session.ID)
	if errors.Is(err, errNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "User not found")
		return user, secrets, false
	}
	if err != nil {
		slog.Error("failed to query user", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return user, secrets, false
	}
	return user, secrets, true
}

// GetMe handles GET /api/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, _, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	middleware.JSONResponse(w, http.StatusOK, user)
}

func validPreferences(p models.Preferences) bool {
	switch p.Theme {
	case "dark", "light", "auto":
	default:
		return false
	}
	return len(p.Language) >= 2 && len(p.Language) <= 5
}

// UpdateMe handles PUT /api/users/me
// Only fields present in the request are changed.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	user, _, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req models.UpdateProfileRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if len(name) > 64 {
			middleware.ErrorResponse(w, http.StatusBadRequest, "display_name must be at most 64 characters")
			return
		}
		user.DisplayName = name
	}
	if req.Bio != nil {
		if len(*req.Bio) > 500 {
			middleware.ErrorResponse(w, http.StatusBadRequest, "bio must be at most 500 characters")
			return
		}
		user.Bio = *req.Bio
	}
	if req.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*req.Email))
		if !validEmail(email) {
			middleware.ErrorResponse(w, http.StatusBadRequest, "a valid email is required")
			return
		}
		user.Email = email
	}
	if req.Preferences != nil {
		if !validPreferences(*req.Preferences) {
			middleware.ErrorResponse(w, http.StatusBadRequest, "theme must be dark, light or auto and language a 2-5 letter code")
			return
		}
		user.Preferences = *req.Preferences
	}

	prefs, _ := json.Marshal(user.Preferences)
	_, err := h.db.ExecContext(r.Context(), `
		UPDATE users SET display_name = $1, bio = $2, email = $3, preferences = $4
		WHERE id = $5
	`, user.DisplayName, user.Bio, user.Email, string(prefs), user.ID)
	if isUniqueViolation(err) {
		middleware.ErrorResponse(w, http.StatusConflict, "Email already in use")
		return
	}
	if err != nil {
		slog.Error("failed to update profile", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to update profile")
		return
	}

	recordActivity(r, h.db, h.cfg, "profile_update", user.ID, "")
	middleware.JSONResponse(w, http.StatusOK, user)
}

// ChangePassword handles POST /api/users/me/password
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, secrets, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req models.ChangePasswordRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := auth.CheckPassword(secrets.passwordHash, req.CurrentPassword); err != nil {
		middleware.ErrorResponse(w, http.StatusForbidden, "Current password is incorrect")
		return
	}
	if req.NewPassword != req.NewPasswordConfirm {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Passwords do not match")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if errors.Is(err, auth.ErrWeakPassword) {
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to change password")
		return
	}

	if _, err := h.db.ExecContext(r.Context(), `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, user.ID); err != nil {
		slog.Error("failed to update password", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to change password")
		return
	}

	recordActivity(r, h.db, h.cfg, "password_change", user.ID, "")
	middleware.JSONResponse(w, http.StatusOK, models.MessageResponse{Message: "Password updated"})
}

// SetupTwoFactor handles POST /api/users/me/2fa/setup
// The secret is stored but not enforced until EnableTwoFactor confirms a code.
func (h *UserHandler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	user, _, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	if user.TwoFactorEnabled {
		middleware.ErrorResponse(w, http.StatusConflict, "Two-factor authentication is already enabled")
		return
	}

	key, err := auth.NewTOTPKey(totpIssuer, user.Username)
	if err != nil {
		slog.Error("failed to generate totp key", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to set up two-factor")
		return
	}

	if _, err := h.db.ExecContext(r.Context(), `UPDATE users SET totp_secret = $1 WHERE id = $2`, key.Secret(), user.ID); err != nil {
		slog.Error("failed to store totp secret", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to set up two-factor")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, models.TwoFactorSetupResponse{
		Secret:     key.Secret(),
		OTPAuthURL: key.URL(),
	})
}

// EnableTwoFactor handles POST /api/users/me/2fa/enable
func (h *UserHandler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	h.toggleTwoFactor(w, r, true)
}

// DisableTwoFactor handles POST /api/users/me/2fa/disable
func (h *UserHandler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	h.toggleTwoFactor(w, r, false)
}

func (h *UserHandler) toggleTwoFactor(w http.ResponseWriter, r *http.Request, enable bool) {
	user, secrets, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req models.TwoFactorCodeRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if enable && user.TwoFactorEnabled {
		middleware.ErrorResponse(w, http.StatusConflict, "Two-factor authentication is already enabled")
		return
	}
	if !enable && !user.TwoFactorEnabled {
		middleware.ErrorResponse(w, http.StatusConflict, "Two-factor authentication is not enabled")
		return
	}
	if secrets.totpSecret == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Run two-factor setup first")
		return
	}
	if !auth.ValidateTOTP(req.Code, secrets.totpSecret) {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid verification code")
		return
	}

	var err error
	if enable {
		_, err = h.db.ExecContext(r.Context(), `UPDATE users SET totp_enabled = $1 WHERE id = $2`, true, user.ID)
	} else {
		_, err = h.db.ExecContext(r.Context(), `UPDATE users SET totp_enabled = $1, totp_secret = '' WHERE id = $2`, false, user.ID)
	}
	if err != nil {
		slog.Error("failed to update two-factor state", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	action := "2fa_disable"
	if enable {
		action = "2fa_enable"
	}
	recordActivity(r, h.db, h.cfg, action, user.ID, "")

	user.TwoFactorEnabled = enable
	middleware.JSONResponse(w, http.StatusOK, user)
}

// SearchUsers handles GET /api/users/search?q=
func (h *UserHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	results := []models.UserSearchResult{}
	if utf8.RuneCountInString(q) < 2 {
		middleware.JSONResponse(w, http.StatusOK, results)
		return
	}

	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(q)
	pattern := "%" + escaped + "%"

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, username, display_name, email, role, active
		FROM users
		WHERE username_lower LIKE $1 ESCAPE '\'
		   OR LOWER(email) LIKE $1 ESCAPE '\'
		   OR LOWER(display_name) LIKE $1 ESCAPE '\'
		ORDER BY username_lower
		LIMIT 20
	`, pattern)
	if err != nil {
		slog.Error("failed to search users", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var u models.UserSearchResult
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.Role, &u.Active); err != nil {
			slog.Error("failed to scan user", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		results = append(results, u)
	}

	middleware.JSONResponse(w, http.StatusOK, results)
}

// SetRole handles PUT /api/admin/users/{id}/role
// The last remaining admin cannot be demoted.
func (h *UserHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	targetID := r.PathValue("id")

	var req models.UpdateRoleRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	switch req.Role {
	case models.RoleAdmin, models.RoleModerator, models.RoleUser:
	default:
		middleware.ErrorResponse(w, http.StatusBadRequest, "role must be admin, moderator or user")
		return
	}

	tx, err := h.db.BeginTx(r.Context(), nil)
	if err != nil {
		slog.Error("failed to begin transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(r.Context(), `SELECT role FROM users WHERE id = $1`, targetID).Scan(&current)
	if err == sql.ErrNoRows {
		middleware.ErrorResponse(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		slog.Error("failed to query user", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	if current == models.RoleAdmin && req.Role != models.RoleAdmin {
		var admins int
		if err := tx.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM users WHERE role = $1 AND active = $2`, models.RoleAdmin, true).Scan(&admins); err != nil {
			slog.Error("failed to count admins", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		if admins <= 1 {
			middleware.ErrorResponse(w, http.StatusConflict, "Cannot demote the last admin")
			return
		}
	}

	if _, err := tx.ExecContext(r.Context(), `UPDATE users SET role = $1 WHERE id = $2`, req.Role, targetID); err != nil {
		slog.Error("failed to update role", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	recordActivity(r, h.db, h.cfg, "user_role", targetID, req.Role)

	user, _, err := queryUser(r.Context(), h.db, `WHERE id = $1`, targetID)
	if err != nil {
		slog.Error("failed to reload user", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	middleware.JSONResponse(w, http.StatusOK, user)
}

// SetActive handles PUT /api/admin/users/{id}/active
func (h *UserHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	targetID := r.PathValue("id")
	admin, _ := middleware.CurrentUser(r)

	var req models.UpdateActiveRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Active == nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "active is required")
		return
	}
	if targetID == admin.ID && !*req.Active {
		middleware.ErrorResponse(w, http.StatusBadRequest, "You cannot disable your own account")
		return
	}

	res, err := h.db.ExecContext(r.Context(), `UPDATE users SET active = $1 WHERE id = $2`, *req.Active, targetID)
	if err != nil {
		slog.Error("failed to update user", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		middleware.ErrorResponse(w, http.StatusNotFound, "User not found")
		return
	}

	action := "user_disable"
	if *req.Active {
		action = "user_enable"
	}
	recordActivity(r, h.db, h.cfg, action, targetID, "")

	user, _, err := queryUser(r.Context(), h.db, `WHERE id = $1`, targetID)
	if err != nil {
		slog.Error("failed to reload user", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	middleware.JSONResponse(w, http.StatusOK, user)
}
