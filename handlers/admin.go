// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/m4bot/m4bot-server/activity"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

type AdminHandler struct {
	db      *sql.DB
	cfg     cliparse.Config
	runtime BotRuntime
}

func NewAdminHandler(db *sql.DB, cfg cliparse.Config, runtime BotRuntime) *AdminHandler {
	return &AdminHandler{db: db, cfg: cfg, runtime: runtime}
}

// Stats handles GET /api/admin/stats
// The independent counts run in parallel.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := models.AdminStats{
		Polls: map[string]int{
			models.PollDraft:     0,
			models.PollActive:    0,
			models.PollCompleted: 0,
		},
	}

	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		return h.db.QueryRowContext(ctx, `
			SELECT COUNT(*),
			       COALESCE(SUM(CASE WHEN active THEN 1 ELSE 0 END), 0),
			       COALESCE(SUM(CASE WHEN role = $1 THEN 1 ELSE 0 END), 0)
			FROM users
		`, models.RoleAdmin).Scan(&stats.Users.Total, &stats.Users.Active, &stats.Users.Admins)
	})
	g.Go(func() error {
		return h.db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(CASE WHEN bot_enabled THEN 1 ELSE 0 END), 0) FROM channels
		`).Scan(&stats.Channels.Total, &stats.Channels.BotEnabled)
	})
	g.Go(func() error {
		return h.db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(use_count), 0) FROM commands
		`).Scan(&stats.Commands.Total, &stats.Commands.Uses)
	})
	g.Go(func() error {
		return h.db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM backups
		`).Scan(&stats.Backups.Count, &stats.Backups.TotalBytes)
	})
	g.Go(func() error {
		rows, err := h.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM polls GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			stats.Polls[status] = n
		}
		return rows.Err()
	})
	g.Go(func() error {
		var err error
		stats.Bot, err = h.runtime.Status(ctx)
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("failed to compute admin stats", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to compute statistics")
		return
	}

	stats.Backups.TotalSize = humanize.Bytes(uint64(stats.Backups.TotalBytes))
	middleware.JSONResponse(w, http.StatusOK, stats)
}

// ActivityLogs handles GET /api/admin/activity-logs
func (h *AdminHandler) ActivityLogs(w http.ResponseWriter, r *http.Request) {
	page, perPage := middleware.ParsePage(r)
	q := r.URL.Query()

	logs, total, err := activity.List(r.Context(), h.db, activity.Filter{
		UserID:  q.Get("user_id"),
		Action:  q.Get("action"),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		slog.Error("failed to list activity", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, models.ActivityLogList{
		Logs:     logs,
		PageInfo: models.NewPageInfo(page, perPage, total),
	})
}
