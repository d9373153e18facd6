// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package middleware

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/models"
)

// SessionCookie is the cookie the dashboard stores the session token in
const SessionCookie = "m4bot_session"

type userKey struct{}

// Authenticator verifies session tokens and loads the caller's current role
type Authenticator struct {
	db       *sql.DB
	sessions *auth.Sessions
}

func NewAuthenticator(db *sql.DB, sessions *auth.Sessions) *Authenticator {
	return &Authenticator{db: db, sessions: sessions}
}

// Require rejects requests without a valid session. When roles are given
// the caller must hold one of them.
func (a *Authenticator) Require(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			ErrorResponse(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		claims, err := a.sessions.Verify(token)
		if errors.Is(err, auth.ErrExpiredToken) {
			ErrorResponse(w, http.StatusUnauthorized, "Session expired")
			return
		}
		if err != nil {
			ErrorResponse(w, http.StatusUnauthorized, "Invalid session")
			return
		}

		// Role and active flag come from the database so revocations apply
		// before the token expires
		user := models.SessionUser{ID: claims.UserID}
		var active bool
		err = a.db.QueryRowContext(r.Context(), `
			SELECT username, role, active FROM users WHERE id = $1
		`, claims.UserID).Scan(&user.Username, &user.Role, &active)
		if err == sql.ErrNoRows {
			ErrorResponse(w, http.StatusUnauthorized, "Invalid session")
			return
		}
		if err != nil {
			slog.Error("failed to load session user", "error", err)
			ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		if !active {
			ErrorResponse(w, http.StatusForbidden, "Account disabled")
			return
		}

		if len(roles) > 0 && !slices.Contains(roles, user.Role) {
			ErrorResponse(w, http.StatusForbidden, "Insufficient permissions")
			return
		}

		next(w, r.WithContext(WithUser(r.Context(), user)))
	}
}

// WithUser attaches the authenticated user to a context
func WithUser(ctx context.Context, user models.SessionUser) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// CurrentUser returns the authenticated user set by Require
func CurrentUser(r *http.Request) (models.SessionUser, bool) {
	user, ok := r.Context().Value(userKey{}).(models.SessionUser)
	return user, ok
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}
