// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package main provides the entry point for the M4Bot API server.

M4Bot is the admin backend of a streaming chat bot: channels, custom
commands, polls, timers, automations, channel point rewards, Discord
notifications, backups and user management.

# Starting the Server

	DATABASE_URL=file:m4bot.db SESSION_SECRET=... RESET_SALT=... go run .

Or with flags and a YAML file:

	go run . -c m4bot.yaml -p 5000 -t postgres -d "postgres://..."

# Configuration

Required settings:

  - DATABASE_URL (-d): SQLite file URL or PostgreSQL connection string
  - SESSION_SECRET (--session-secret): session signing key, 16+ chars
  - RESET_SALT (--reset-salt): salt for password reset token hashes

Optional settings:

  - PORT (-p): server port (default: 5000)
  - DATABASE_TYPE (-t): sqlite or postgres (default: sqlite)
  - BACKUP_DIR, MAX_BACKUPS: backup storage (default: ./backups, 20)
  - SESSION_TTL, RESET_TTL, SCHEDULER_INTERVAL: durations
  - LOG_LEVEL, LOG_FORMAT: slog level and text/json output
  - M4BOT_DEV (--dev): development mode

A .env file is loaded first when present.

# Architecture

  - handlers: HTTP request handlers
  - router: route definitions using Go 1.22+ routing
  - middleware: CORS, logging, sessions, JSON helpers
  - models: request/response types
  - auth: passwords, sessions, TOTP and tokens
  - db: connections and goose migrations
  - bot: bot runtime and message senders
  - scheduler: periodic jobs (poll expiry, timers)
  - automation: rule validation, evaluation and YAML sharing
  - backup: database backups
  - discord: webhook notifier
  - activity: activity log

The operator CLI lives in cmd/m4botctl.
*/
package main
