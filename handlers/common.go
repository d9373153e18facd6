// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/m4bot/m4bot-server/activity"
	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

var errNotFound = errors.New("not found")

// recordActivity audits an action performed by the current user
func recordActivity(r *http.Request, db *sql.DB, cfg cliparse.Config, action, target, details string) {
	user, _ := middleware.CurrentUser(r)
	activity.Record(r.Context(), db, activity.Entry{
		UserID:   user.ID,
		Username: user.Username,
		Action:   action,
		Target:   target,
		Details:  details,
		IPHash:   auth.HashIP(middleware.GetClientIP(r), cfg.SessionSecret),
	})
}

const channelColumns = `id, owner_id, platform, name, display_name, bot_enabled,
	prefix, welcome_message, auto_moderation, language, created_at`

func scanChannel(row interface{ Scan(...any) error }) (models.Channel, error) {
	var c models.Channel
	err := row.Scan(&c.ID, &c.OwnerID, &c.Platform, &c.Name, &c.DisplayName, &c.BotEnabled,
		&c.Settings.Prefix, &c.Settings.WelcomeMessage, &c.Settings.AutoModeration,
		&c.Settings.Language, &c.CreatedAt)
	return c, err
}

func getChannel(ctx context.Context, db *sql.DB, channelID string) (models.Channel, error) {
	c, err := scanChannel(db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, channelID))
	if err == sql.ErrNoRows {
		return c, errNotFound
	}
	return c, err
}

// authorizeChannel loads a channel the current user may manage. It writes
// the error response itself and reports whether the handler may continue.
// Channels owned by someone else answer 404 so IDs cannot be enumerated.
func authorizeChannel(w http.ResponseWriter, r *http.Request, db *sql.DB, channelID string) (models.Channel, bool) {
	if channelID == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "channel_id is required")
		return models.Channel{}, false
	}

	user, ok := middleware.CurrentUser(r)
	if !ok {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "Authentication required")
		return models.Channel{}, false
	}

	channel, err := getChannel(r.Context(), db, channelID)
	if errors.Is(err, errNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Channel not found")
		return channel, false
	}
	if err != nil {
		slog.Error("failed to query channel", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return channel, false
	}

	if channel.OwnerID != user.ID && !user.IsAdmin() {
		middleware.ErrorResponse(w, http.StatusNotFound, "Channel not found")
		return channel, false
	}

	return channel, true
}

// authorizeByParent resolves a child resource to its channel and authorizes it
func authorizeByParent(w http.ResponseWriter, r *http.Request, db *sql.DB, query, id, what string) (models.Channel, bool) {
	if id == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, what+" id is required")
		return models.Channel{}, false
	}

	var channelID string
	err := db.QueryRowContext(r.Context(), query, id).Scan(&channelID)
	if err == sql.ErrNoRows {
		middleware.ErrorResponse(w, http.StatusNotFound, capitalize(what)+" not found")
		return models.Channel{}, false
	}
	if err != nil {
		slog.Error("failed to resolve channel", "resource", what, "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return models.Channel{}, false
	}

	return authorizeChannel(w, r, db, channelID)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// isUniqueViolation matches both the sqlite and postgres error texts
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// renderTemplate substitutes {key} placeholders
func renderTemplate(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
