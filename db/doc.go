// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package db opens the database and manages the schema.

# Opening

	conn, err := db.Open(ctx, cfg.DatabaseType, cfg.DatabaseURL)

Supported types are sqlite (modernc.org/sqlite, no CGO) and postgres
(github.com/lib/pq). SQLite connections get foreign keys, WAL, a busy
timeout and immediate transactions.

# Migrations

Migrations are embedded SQL files run by goose. Every statement is written
to run on both dialects: queries use $n placeholders, timestamps are always
supplied by the application and JSON documents are stored as TEXT.

# Tables

  - users, privacy_settings, password_resets: accounts and the privacy center
  - channels, commands, timers: per-channel bot configuration
  - polls, poll_options, poll_votes: poll manager
  - automations: visual editor rules (conditions/actions as JSON)
  - rewards, redemptions, points: channel points
  - discord_integrations: webhook settings per channel
  - activity_logs: admin audit trail (user_id survives account deletion as NULL)
  - bot_state: single row with the intended bot state
  - backups: catalog of backup archives on disk

# Relationships

	users 1──* channels 1──* commands | timers | automations | rewards | polls
	polls 1──* poll_options 1──* poll_votes
	rewards 1──* redemptions

Foreign keys use ON DELETE CASCADE.
*/
package db
