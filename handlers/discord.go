// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/discord"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

type DiscordHandler struct {
	db       *sql.DB
	cfg      cliparse.Config
	notifier Notifier
}

func NewDiscordHandler(db *sql.DB, cfg cliparse.Config, notifier Notifier) *DiscordHandler {
	return &DiscordHandler{db: db, cfg: cfg, notifier: notifier}
}

func loadDiscord(ctx context.Context, db *sql.DB, channelID string) (models.DiscordIntegration, error) {
	d := models.DiscordIntegration{ChannelID: channelID}
	var updatedAt time.Time
	err := db.QueryRowContext(ctx, `
		SELECT webhook_url, guild_id, notify_channel, notify_live, notify_polls, enabled, updated_at
		FROM discord_integrations WHERE channel_id = $1
	`, channelID).Scan(&d.WebhookURL, &d.GuildID, &d.NotifyChannel, &d.NotifyLive, &d.NotifyPolls, &d.Enabled, &updatedAt)
	if err == sql.ErrNoRows {
		return d, errNotFound
	}
	if err != nil {
		return d, err
	}
	d.UpdatedAt = &updatedAt
	return d, nil
}

// GetIntegration handles GET /api/channels/{id}/discord
// A channel without an integration gets the disabled defaults.
func (h *DiscordHandler) GetIntegration(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	integration, err := loadDiscord(r.Context(), h.db, channel.ID)
	if err != nil && err != errNotFound {
		slog.Error("failed to load discord integration", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	middleware.JSONResponse(w, http.StatusOK, integration)
}

// UpdateIntegration handles PUT /api/channels/{id}/discord
func (h *DiscordHandler) UpdateIntegration(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	var req models.DiscordIntegration
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	req.ChannelID = channel.ID
	req.WebhookURL = strings.TrimSpace(req.WebhookURL)

	if req.WebhookURL != "" {
		if err := discord.ValidateWebhookURL(req.WebhookURL); err != nil {
			middleware.ErrorResponse(w, http.StatusBadRequest, "webhook_url must be an https Discord webhook URL")
			return
		}
	} else if req.Enabled {
		middleware.ErrorResponse(w, http.StatusBadRequest, "webhook_url is required to enable the integration")
		return
	}

	now := time.Now().UTC()
	_, err := h.db.ExecContext(r.Context(), `
		INSERT INTO discord_integrations (channel_id, webhook_url, guild_id, notify_channel, notify_live, notify_polls, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (channel_id) DO UPDATE SET
			webhook_url = excluded.webhook_url,
			guild_id = excluded.guild_id,
			notify_channel = excluded.notify_channel,
			notify_live = excluded.notify_live,
			notify_polls = excluded.notify_polls,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, req.ChannelID, req.WebhookURL, req.GuildID, req.NotifyChannel, req.NotifyLive, req.NotifyPolls, req.Enabled, now)
	if err != nil {
		slog.Error("failed to save discord integration", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to save integration")
		return
	}

	recordActivity(r, h.db, h.cfg, "discord_update", channel.ID, "")

	req.UpdatedAt = &now
	middleware.JSONResponse(w, http.StatusOK, req)
}

// TestIntegration handles POST /api/channels/{id}/discord/test
func (h *DiscordHandler) TestIntegration(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	integration, err := loadDiscord(r.Context(), h.db, channel.ID)
	if err != nil && err != errNotFound {
		slog.Error("failed to load discord integration", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	if integration.WebhookURL == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "No webhook configured")
		return
	}

	content := "✅ M4Bot test message for " + channel.DisplayName
	if err := h.notifier.Send(r.Context(), integration.WebhookURL, content); err != nil {
		slog.Warn("discord test failed", "channel_id", channel.ID, "error", err)
		middleware.ErrorResponse(w, http.StatusBadGateway, "Discord did not accept the test message")
		return
	}

	recordActivity(r, h.db, h.cfg, "discord_test", channel.ID, "")
	middleware.JSONResponse(w, http.StatusOK, models.DiscordTestResponse{
		Delivered: true,
		Message:   "Test message delivered",
	})
}
