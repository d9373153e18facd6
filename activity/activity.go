// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Package activity records and lists the admin audit trail.
package activity

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/models"
)

// Entry is one audited action
type Entry struct {
	UserID   string
	Username string
	Action   string
	Target   string
	Details  string
	IPHash   string
}

// Filter narrows List results; zero values match everything
type Filter struct {
	UserID  string
	Action  string
	Page    int
	PerPage int
}

// Record stores an entry. Failures are logged, never returned: auditing
// must not fail the operation being audited.
func Record(ctx context.Context, db *sql.DB, e Entry) {
	id, err := auth.GenerateID(12)
	if err != nil {
		slog.Error("failed to generate activity ID", "error", err)
		return
	}

	var userID *string
	if e.UserID != "" {
		userID = &e.UserID
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, user_id, username, action, target, details, ip_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, userID, e.Username, e.Action, e.Target, e.Details, e.IPHash, time.Now().UTC())
	if err != nil {
		slog.Error("failed to record activity", "action", e.Action, "error", err)
	}
}

// List returns entries newest first together with the total match count
func List(ctx context.Context, db *sql.DB, f Filter) ([]models.ActivityLog, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = 20
	}

	where := `WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR action = $2)`

	var total int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_logs `+where, f.UserID, f.Action).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count activity: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, username, action, target, details, created_at
		FROM activity_logs `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, f.UserID, f.Action, f.PerPage, (f.Page-1)*f.PerPage)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	logs := []models.ActivityLog{}
	for rows.Next() {
		var l models.ActivityLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Username, &l.Action, &l.Target, &l.Details, &l.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan activity: %w", err)
		}
		l.Age = humanize.Time(l.CreatedAt)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read activity: %w", err)
	}

	return logs, total, nil
}

// ForgetUser detaches a deleted account from its history
func ForgetUser(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE activity_logs SET user_id = NULL, ip_hash = '' WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to detach activity: %w", err)
	}
	return nil
}
