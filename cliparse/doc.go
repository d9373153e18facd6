// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package cliparse handles command-line argument parsing and configuration.

# Configuration

ParseFlags returns a Config struct with all settings:

	cfg, err := cliparse.ParseFlags(os.Args[1:])

Values are resolved in this order: CLI flag, environment variable (a .env
file is loaded first and never overrides variables already set), YAML
config file (-c or M4BOT_CONFIG), built-in default.

# CLI Flags and Environment Variables

	-p               PORT                Server port (default 5000)
	-d               DATABASE_URL        Database URL (required)
	-t               DATABASE_TYPE       sqlite (default) or postgres
	-base-url        BASE_URL            Public URL used in reset links
	-session-secret  SESSION_SECRET      Session signing secret (required, 16+ chars)
	-reset-salt      RESET_SALT          Reset token salt (required)
	-backup-dir      BACKUP_DIR          Backup directory (default ./backups)
	-max-backups     MAX_BACKUPS         Backups kept, 0 keeps all (default 20)
	-log-level       LOG_LEVEL           debug, info, warn, error
	-log-format      LOG_FORMAT          text or json
	-dev             M4BOT_DEV=1         Development mode
	                 SESSION_TTL         Session lifetime (default 24h)
	                 RESET_TTL           Reset link lifetime (default 1h)
	                 SCHEDULER_INTERVAL  Background tick (default 1s)

# Config File

	port: 5000
	database_url: postgres://m4bot@localhost/m4bot?sslmode=disable
	database_type: postgres
	session_ttl: 12h
	max_backups: 10
*/
package cliparse
