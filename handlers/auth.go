// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/m4bot/m4bot-server/activity"
	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

type AuthHandler struct {
	db       *sql.DB
	cfg      cliparse.Config
	sessions *auth.Sessions
}

func NewAuthHandler(db *sql.DB, cfg cliparse.Config, sessions *auth.Sessions) *AuthHandler {
	return &AuthHandler{db: db, cfg: cfg, sessions: sessions}
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && len(email) <= 254 && !strings.ContainsAny(email, " \t\n")
}

// Register handles POST /api/auth/register
// The first account created becomes an admin.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if !usernamePattern.MatchString(req.Username) {
		middleware.ErrorResponse(w, http.StatusBadRequest, "username must be 3-32 letters, digits or underscores")
		return
	}
	if !validEmail(req.Email) {
		middleware.ErrorResponse(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrWeakPassword) {
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	userID, err := auth.GenerateID(16)
	if err != nil {
		slog.Error("failed to generate user ID", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	prefs := models.DefaultPreferences()
	prefsJSON, _ := json.Marshal(prefs)
	privacy := models.DefaultPrivacySettings()
	now := time.Now().UTC()

	tx, err := h.db.BeginTx(r.Context(), nil)
	if err != nil {
		slog.Error("failed to begin transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM users`).Scan(&existing); err != nil {
		slog.Error("failed to count users", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	role := models.RoleUser
	if existing == 0 {
		role = models.RoleAdmin
	}

	_, err = tx.ExecContext(r.Context(), `
		INSERT INTO users (id, username, username_lower, email, password_hash, display_name, role, active, preferences, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, userID, req.Username, strings.ToLower(req.Username), req.Email, hash, req.Username, role, true, string(prefsJSON), now)
	if isUniqueViolation(err) {
		middleware.ErrorResponse(w, http.StatusConflict, "Username or email already taken")
		return
	}
	if err != nil {
		slog.Error("failed to insert user", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	_, err = tx.ExecContext(r.Context(), `
		INSERT INTO privacy_settings (user_id, analytics_consent, marketing_consent, public_profile, data_retention_days, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, privacy.AnalyticsConsent, privacy.MarketingConsent, privacy.PublicProfile, privacy.DataRetentionDays, now)
	if err != nil {
		slog.Error("failed to insert privacy settings", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	slog.Info("user registered", "user_id", userID, "role", role)
	activity.Record(r.Context(), h.db, activity.Entry{
		UserID:   userID,
		Username: req.Username,
		Action:   "register",
		IPHash:   auth.HashIP(middleware.GetClientIP(r), h.cfg.SessionSecret),
	})

	middleware.JSONResponse(w, http.StatusCreated, models.User{
		ID:          userID,
		Username:    req.Username,
		Email:       req.Email,
		DisplayName: req.Username,
		Role:        role,
		Active:      true,
		Preferences: prefs,
		CreatedAt:   now,
	})
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Username == "" || req.Password == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "username and password are required")
		return
	}

	login := strings.ToLower(strings.TrimSpace(req.Username))
	user, secrets, err := queryUser(r.Context(), h.db,
		`WHERE username_lower = $1 OR email = $1`, login)
	if errors.Is(err, errNotFound) {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if err != nil {
		slog.Error("failed to query user", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	if err := auth.CheckPassword(secrets.passwordHash, req.Password); err != nil {
		if !errors.Is(err, auth.ErrBadPassword) {
			slog.Error("failed to check password", "error", err)
		}
		middleware.ErrorResponse(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	if !user.Active {
		middleware.ErrorResponse(w, http.StatusForbidden, "Account disabled")
		return
	}

	if user.TwoFactorEnabled && !auth.ValidateTOTP(req.TOTPCode, secrets.totpSecret) {
		middleware.JSONResponse(w, http.StatusUnauthorized, models.ErrorResponse{
			Error:   http.StatusText(http.StatusUnauthorized),
			Message: "totp_required",
		})
		return
	}

	token, expiresAt, err := h.sessions.Issue(user.ID, user.Role)
	if err != nil {
		slog.Error("failed to issue session", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to log in")
		return
	}

	now := time.Now().UTC()
	if _, err := h.db.ExecContext(r.Context(), `UPDATE users SET last_login_at = $1 WHERE id = $2`, now, user.ID); err != nil {
		slog.Warn("failed to update last login", "user_id", user.ID, "error", err)
	}
	user.LastLoginAt = &now

	activity.Record(r.Context(), h.db, activity.Entry{
		UserID:   user.ID,
		Username: user.Username,
		Action:   "login",
		IPHash:   auth.HashIP(middleware.GetClientIP(r), h.cfg.SessionSecret),
	})

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   strings.HasPrefix(h.cfg.BaseURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})

	middleware.JSONResponse(w, http.StatusOK, models.LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	})
}

// Logout handles POST /api/auth/logout
// Sessions are stateless; the dashboard cookie is cleared.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	recordActivity(r, h.db, h.cfg, "logout", "", "")
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

// RequestPasswordReset handles POST /api/auth/password-reset/request
// Always answers 202 so the endpoint cannot be used to discover accounts.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req models.PasswordResetRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !validEmail(email) {
		middleware.ErrorResponse(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	resp := models.PasswordResetRequestResponse{
		Message: "If an account exists for this address, a reset link has been sent",
	}

	var userID string
	var active bool
	err := h.db.QueryRowContext(r.Context(), `SELECT id, active FROM users WHERE email = $1`, email).Scan(&userID, &active)
	if err == sql.ErrNoRows || (err == nil && !active) {
		middleware.JSONResponse(w, http.StatusAccepted, resp)
		return
	}
	if err != nil {
		slog.Error("failed to query user", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	token, hash, err := auth.GenerateResetToken(h.cfg.ResetSalt)
	if err != nil {
		slog.Error("failed to generate reset token", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to start password reset")
		return
	}
	resetID, err := auth.GenerateID(12)
	if err != nil {
		slog.Error("failed to generate reset id", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to start password reset")
		return
	}
	now := time.Now().UTC()

	_, err = h.db.ExecContext(r.Context(), `
		INSERT INTO password_resets (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, resetID, userID, hash, now.Add(h.cfg.ResetTTL), now)
	if err != nil {
		slog.Error("failed to store reset token", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to start password reset")
		return
	}

	// Mail delivery is handled outside this service
	slog.Info("password reset requested", "user_id", userID, "expires_in", h.cfg.ResetTTL.String())
	if h.cfg.DevMode {
		slog.Info("password reset link", "url", h.cfg.BaseURL+"/reset-password?token="+token)
		resp.Token = token
	}

	middleware.JSONResponse(w, http.StatusAccepted, resp)
}

type resetRow struct {
	id        string
	userID    string
	expiresAt time.Time
	usedAt    *time.Time
}

func (h *AuthHandler) lookupReset(r *http.Request, token string) (resetRow, bool, error) {
	var row resetRow
	if token == "" {
		return row, false, nil
	}
	err := h.db.QueryRowContext(r.Context(), `
		SELECT id, user_id, expires_at, used_at FROM password_resets WHERE token_hash = $1
	`, auth.HashResetToken(token, h.cfg.ResetSalt)).Scan(&row.id, &row.userID, &row.expiresAt, &row.usedAt)
	if err == sql.ErrNoRows {
		return row, false, nil
	}
	if err != nil {
		return row, false, err
	}
	valid := row.usedAt == nil && time.Now().Before(row.expiresAt)
	return row, valid, nil
}

// VerifyPasswordReset handles GET /api/auth/password-reset/verify?token=
func (h *AuthHandler) VerifyPasswordReset(w http.ResponseWriter, r *http.Request) {
	_, valid, err := h.lookupReset(r, r.URL.Query().Get("token"))
	if err != nil {
		slog.Error("failed to query reset token", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	middleware.JSONResponse(w, http.StatusOK, models.VerifyResetResponse{Valid: valid})
}

// ConfirmPasswordReset handles POST /api/auth/password-reset/confirm
// Tokens are single use; completing a reset revokes every other pending
// token of the account.
func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req models.PasswordResetConfirmRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.Password != req.PasswordConfirm {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Passwords do not match")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrWeakPassword) {
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}

	row, valid, err := h.lookupReset(r, req.Token)
	if err != nil {
		slog.Error("failed to query reset token", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	if !valid {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid or expired token")
		return
	}

	now := time.Now().UTC()
	tx, err := h.db.BeginTx(r.Context(), nil)
	if err != nil {
		slog.Error("failed to begin transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(r.Context(), `
		UPDATE password_resets SET used_at = $1 WHERE id = $2 AND used_at IS NULL
	`, now, row.id)
	if err != nil {
		slog.Error("failed to consume reset token", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}
	if n, _ := res.RowsAffected(); n != 1 {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid or expired token")
		return
	}

	if _, err := tx.ExecContext(r.Context(), `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, row.userID); err != nil {
		slog.Error("failed to update password", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}

	if _, err := tx.ExecContext(r.Context(), `
		UPDATE password_resets SET used_at = $1 WHERE user_id = $2 AND used_at IS NULL
	`, now, row.userID); err != nil {
		slog.Error("failed to revoke reset tokens", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}

	slog.Info("password reset completed", "user_id", row.userID)
	activity.Record(r.Context(), h.db, activity.Entry{
		UserID: row.userID,
		Action: "password_reset",
		IPHash: auth.HashIP(middleware.GetClientIP(r), h.cfg.SessionSecret),
	})

	middleware.JSONResponse(w, http.StatusOK, models.MessageResponse{Message: "Password updated"})
}
