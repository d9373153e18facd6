// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package router defines HTTP routes for the M4Bot API.

# Route Registration

NewRouter creates the handler tree from a Deps value:

	mux := router.NewRouter(router.Deps{
		DB:       conn,
		Config:   cfg,
		Sessions: sessions,
		Runtime:  runtime,
		Backups:  backups,
		Notifier: notifier,
		Sender:   sender,
	})

Every route is wrapped in middleware.WithLogging. Everything outside
/api/auth, /health and / also goes through Authenticator.Require, with
admin only routes passing the admin role. The whole mux is wrapped in
middleware.CORS, which only grants the origin of the configured base URL.

# Endpoints

Public:

	GET  /health
	GET  /
	POST /api/auth/register
	POST /api/auth/login
	POST /api/auth/logout
	POST /api/auth/password-reset/request
	GET  /api/auth/password-reset/verify
	POST /api/auth/password-reset/confirm

Admin only:

	POST /api/bot/start, /api/bot/stop
	POST /create_backup, /restore_backup/{id}, /delete_backup
	GET  /api/backups, /api/backups/{id}/download
	GET  /api/admin/stats, /api/admin/activity-logs
	PUT  /api/admin/users/{id}/role, /api/admin/users/{id}/active

Channel scoped resources live under /api/channels/{id}/... and child
resources (polls, timers, automations, rewards, redemptions) are addressed
by their own ID under /api/<resource>/{id}.
*/
package router
