// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package bot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/m4bot/m4bot-server/models"
)

// Sender delivers a bot message to a channel
type Sender interface {
	Send(ctx context.Context, channel models.Channel, message string) error
}

// Notifier posts to a Discord webhook
type Notifier interface {
	Send(ctx context.Context, webhookURL, content string) error
}

// DispatchSender routes discord channels with an enabled webhook to the
// notifier and writes everything else to the log, since chat platform
// connections are not part of this server.
type DispatchSender struct {
	db       *sql.DB
	notifier Notifier
}

func NewDispatchSender(db *sql.DB, notifier Notifier) *DispatchSender {
	return &DispatchSender{db: db, notifier: notifier}
}

func (s *DispatchSender) Send(ctx context.Context, channel models.Channel, message string) error {
	if channel.Platform == models.PlatformDiscord && s.notifier != nil {
		var webhook string
		var enabled bool
		err := s.db.QueryRowContext(ctx,
			`SELECT webhook_url, enabled FROM discord_integrations WHERE channel_id = $1`, channel.ID).
			Scan(&webhook, &enabled)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to load discord integration: %w", err)
		}
		if enabled && webhook != "" {
			return s.notifier.Send(ctx, webhook, message)
		}
	}

	slog.Info("bot message", "platform", channel.Platform, "channel", channel.Name, "message", message)
	return nil
}
