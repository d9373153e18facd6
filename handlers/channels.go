// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

var channelNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

type ChannelHandler struct {
	db  *sql.DB
	cfg cliparse.Config
}

func NewChannelHandler(db *sql.DB, cfg cliparse.Config) *ChannelHandler {
	return &ChannelHandler{db: db, cfg: cfg}
}

func listChannels(ctx context.Context, db *sql.DB, where string, args ...any) ([]models.Channel, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels `+where+` ORDER BY platform, name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// applyChannelRequest merges a request into c and validates the result
func applyChannelRequest(c *models.Channel, req models.ChannelRequest) string {
	if req.Platform != "" {
		c.Platform = req.Platform
	}
	if req.Name != "" {
		c.Name = strings.ToLower(strings.TrimSpace(req.Name))
	}
	if req.DisplayName != "" {
		c.DisplayName = strings.TrimSpace(req.DisplayName)
	}
	if req.BotEnabled != nil {
		c.BotEnabled = *req.BotEnabled
	}
	if req.Settings != nil {
		c.Settings = *req.Settings
	}

	if c.Settings.Prefix == "" {
		c.Settings.Prefix = "!"
	}
	if c.Settings.Language == "" {
		c.Settings.Language = "en"
	}
	if c.DisplayName == "" {
		c.DisplayName = c.Name
	}

	switch {
	case !models.ValidPlatform(c.Platform):
		return "platform must be twitch, youtube or discord"
	case !channelNamePattern.MatchString(c.Name):
		return "name must be 1-64 lowercase letters, digits or underscores"
	case utf8.RuneCountInString(c.Settings.Prefix) > 3:
		return "prefix must be 1-3 characters"
	case utf8.RuneCountInString(c.Settings.WelcomeMessage) > 500:
		return "welcome_message must be at most 500 characters"
	}
	return ""
}

// ListChannels handles GET /api/channels
// Admins see every channel, everyone else their own.
func (h *ChannelHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.CurrentUser(r)

	var channels []models.Channel
	var err error
	if user.IsAdmin() {
		channels, err = listChannels(r.Context(), h.db, "")
	} else {
		channels, err = listChannels(r.Context(), h.db, `WHERE owner_id = $1`, user.ID)
	}
	if err != nil {
		slog.Error("failed to list channels", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, channels)
}

// CreateChannel handles POST /api/channels
func (h *ChannelHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.CurrentUser(r)

	var req models.ChannelRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	channel := models.Channel{OwnerID: user.ID}
	if msg := applyChannelRequest(&channel, req); msg != "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, msg)
		return
	}

	id, err := auth.GenerateID(12)
	if err != nil {
		slog.Error("failed to generate channel ID", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create channel")
		return
	}
	channel.ID = id
	channel.CreatedAt = time.Now().UTC()

	_, err = h.db.ExecContext(r.Context(), `
		INSERT INTO channels (id, owner_id, platform, name, display_name, bot_enabled,
			prefix, welcome_message, auto_moderation, language, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, channel.ID, channel.OwnerID, channel.Platform, channel.Name, channel.DisplayName, channel.BotEnabled,
		channel.Settings.Prefix, channel.Settings.WelcomeMessage, channel.Settings.AutoModeration,
		channel.Settings.Language, channel.CreatedAt)
	if isUniqueViolation(err) {
		middleware.ErrorResponse(w, http.StatusConflict, "Channel already registered")
		return
	}
	if err != nil {
		slog.Error("failed to create channel", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create channel")
		return
	}

	slog.Info("channel created", "channel_id", channel.ID, "platform", channel.Platform, "name", channel.Name)
	recordActivity(r, h.db, h.cfg, "channel_create", channel.ID, channel.Platform+"/"+channel.Name)

	middleware.JSONResponse(w, http.StatusCreated, channel)
}

// GetChannel handles GET /api/channels/{id}
func (h *ChannelHandler) GetChannel(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}
	middleware.JSONResponse(w, http.StatusOK, channel)
}

// UpdateChannel handles PUT /api/channels/{id}
func (h *ChannelHandler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	var req models.ChannelRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if msg := applyChannelRequest(&channel, req); msg != "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, msg)
		return
	}

	_, err := h.db.ExecContext(r.Context(), `
		UPDATE channels SET platform = $1, name = $2, display_name = $3, bot_enabled = $4,
			prefix = $5, welcome_message = $6, auto_moderation = $7, language = $8
		WHERE id = $9
	`, channel.Platform, channel.Name, channel.DisplayName, channel.BotEnabled,
		channel.Settings.Prefix, channel.Settings.WelcomeMessage, channel.Settings.AutoModeration,
		channel.Settings.Language, channel.ID)
	if isUniqueViolation(err) {
		middleware.ErrorResponse(w, http.StatusConflict, "Channel already registered")
		return
	}
	if err != nil {
		slog.Error("failed to update channel", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to update channel")
		return
	}

	recordActivity(r, h.db, h.cfg, "channel_update", channel.ID, "")
	middleware.JSONResponse(w, http.StatusOK, channel)
}

// DeleteChannel handles DELETE /api/channels/{id}
func (h *ChannelHandler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	if _, err := h.db.ExecContext(r.Context(), `DELETE FROM channels WHERE id = $1`, channel.ID); err != nil {
		slog.Error("failed to delete channel", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to delete channel")
		return
	}

	slog.Info("channel deleted", "channel_id", channel.ID)
	recordActivity(r, h.db, h.cfg, "channel_delete", channel.ID, channel.Platform+"/"+channel.Name)

	w.WriteHeader(http.StatusNoContent)
}

// ChannelStats handles GET /api/channels/{id}/stats
func (h *ChannelHandler) ChannelStats(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}
	ctx := r.Context()

	stats := models.ChannelStats{
		ChannelID: channel.ID,
		Polls: map[string]int{
			models.PollDraft:     0,
			models.PollActive:    0,
			models.PollCompleted: 0,
		},
	}

	counts := []struct {
		query string
		dest  any
	}{
		{`SELECT COUNT(*), COALESCE(SUM(use_count), 0) FROM commands WHERE channel_id = $1`, nil},
		{`SELECT COUNT(*) FROM timers WHERE channel_id = $1 AND enabled = TRUE`, &stats.ActiveTimers},
		{`SELECT COUNT(*) FROM automations WHERE channel_id = $1`, &stats.Automations},
		{`SELECT COUNT(*) FROM rewards WHERE channel_id = $1`, &stats.Rewards},
		{`SELECT COUNT(*) FROM redemptions JOIN rewards ON rewards.id = redemptions.reward_id WHERE rewards.channel_id = $1`, &stats.Redemptions},
	}
	for _, c := range counts {
		var err error
		if c.dest == nil {
			err = h.db.QueryRowContext(ctx, c.query, channel.ID).Scan(&stats.Commands, &stats.CommandUses)
		} else {
			err = h.db.QueryRowContext(ctx, c.query, channel.ID).Scan(c.dest)
		}
		if err != nil {
			slog.Error("failed to compute channel stats", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
	}

	rows, err := h.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM polls WHERE channel_id = $1 GROUP BY status`, channel.ID)
	if err != nil {
		slog.Error("failed to count polls", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			slog.Error("failed to scan poll count", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		stats.Polls[status] = n
	}

	middleware.JSONResponse(w, http.StatusOK, stats)
}
