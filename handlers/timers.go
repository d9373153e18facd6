// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

const (
	minTimerInterval = 60
	maxTimerInterval = 86400
)

type TimerHandler struct {
	db      *sql.DB
	cfg     cliparse.Config
	runtime BotRuntime
}

func NewTimerHandler(db *sql.DB, cfg cliparse.Config, runtime BotRuntime) *TimerHandler {
	return &TimerHandler{db: db, cfg: cfg, runtime: runtime}
}

const timerColumns = `id, channel_id, name, message, interval_seconds, min_chat_lines, enabled,
	run_count, last_run_at, next_run_at, created_at`

func scanTimer(row interface{ Scan(...any) error }) (models.Timer, error) {
	var t models.Timer
	err := row.Scan(&t.ID, &t.ChannelID, &t.Name, &t.Message, &t.IntervalSeconds, &t.MinChatLines,
		&t.Enabled, &t.RunCount, &t.LastRunAt, &t.NextRunAt, &t.CreatedAt)
	return t, err
}

func applyTimerRequest(t *models.Timer, req models.TimerRequest) string {
	if req.Name != "" {
		t.Name = strings.TrimSpace(req.Name)
	}
	if req.Message != "" {
		t.Message = req.Message
	}
	if req.IntervalSeconds != 0 {
		t.IntervalSeconds = req.IntervalSeconds
	}
	if req.MinChatLines != nil {
		t.MinChatLines = *req.MinChatLines
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}

	switch {
	case t.Name == "" || utf8.RuneCountInString(t.Name) > 64:
		return "name must be 1-64 characters"
	case strings.TrimSpace(t.Message) == "" || utf8.RuneCountInString(t.Message) > maxResponseLength:
		return "message must be 1-500 characters"
	case t.IntervalSeconds < minTimerInterval || t.IntervalSeconds > maxTimerInterval:
		return fmt.Sprintf("interval_seconds must be between %d and %d", minTimerInterval, maxTimerInterval)
	case t.MinChatLines < 0:
		return "min_chat_lines must not be negative"
	}
	return ""
}

func (h *TimerHandler) loadTimer(w http.ResponseWriter, r *http.Request) (models.Timer, bool) {
	timerID := r.PathValue("id")
	if _, ok := authorizeByParent(w, r, h.db, `SELECT channel_id FROM timers WHERE id = $1`, timerID, "timer"); !ok {
		return models.Timer{}, false
	}

	t, err := scanTimer(h.db.QueryRowContext(r.Context(), `SELECT `+timerColumns+` FROM timers WHERE id = $1`, timerID))
	if err != nil {
		slog.Error("failed to load timer", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return t, false
	}
	return t, true
}

// ListTimers handles GET /api/channels/{id}/timers
func (h *TimerHandler) ListTimers(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `SELECT `+timerColumns+` FROM timers WHERE channel_id = $1 ORDER BY name, id`, channel.ID)
	if err != nil {
		slog.Error("failed to list timers", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer rows.Close()

	timers := []models.Timer{}
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			slog.Error("failed to scan timer", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		timers = append(timers, t)
	}

	middleware.JSONResponse(w, http.StatusOK, timers)
}

// CreateTimer handles POST /api/channels/{id}/timers
// The first run is one interval after creation.
func (h *TimerHandler) CreateTimer(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	var req models.TimerRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	t := models.Timer{ChannelID: channel.ID, Enabled: true}
	if msg := applyTimerRequest(&t, req); msg != "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, msg)
		return
	}

	id, err := auth.GenerateID(12)
	if err != nil {
		slog.Error("failed to generate timer ID", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create timer")
		return
	}
	t.ID = id
	t.CreatedAt = time.Now().UTC()
	next := t.CreatedAt.Add(time.Duration(t.IntervalSeconds) * time.Second)
	t.NextRunAt = &next

	_, err = h.db.ExecContext(r.Context(), `
		INSERT INTO timers (id, channel_id, name, message, interval_seconds, min_chat_lines, enabled, run_count, next_run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
	`, t.ID, t.ChannelID, t.Name, t.Message, t.IntervalSeconds, t.MinChatLines, t.Enabled, t.NextRunAt, t.CreatedAt)
	if err != nil {
		slog.Error("failed to create timer", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create timer")
		return
	}

	recordActivity(r, h.db, h.cfg, "timer_create", t.ID, t.Name)
	middleware.JSONResponse(w, http.StatusCreated, t)
}

// UpdateTimer handles PUT /api/timers/{id}
func (h *TimerHandler) UpdateTimer(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTimer(w, r)
	if !ok {
		return
	}

	var req models.TimerRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	oldInterval := t.IntervalSeconds
	if msg := applyTimerRequest(&t, req); msg != "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, msg)
		return
	}
	if t.IntervalSeconds != oldInterval {
		base := time.Now().UTC()
		if t.LastRunAt != nil {
			base = *t.LastRunAt
		}
		next := base.Add(time.Duration(t.IntervalSeconds) * time.Second)
		t.NextRunAt = &next
	}

	_, err := h.db.ExecContext(r.Context(), `
		UPDATE timers SET name = $1, message = $2, interval_seconds = $3, min_chat_lines = $4, enabled = $5, next_run_at = $6
		WHERE id = $7
	`, t.Name, t.Message, t.IntervalSeconds, t.MinChatLines, t.Enabled, t.NextRunAt, t.ID)
	if err != nil {
		slog.Error("failed to update timer", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to update timer")
		return
	}

	recordActivity(r, h.db, h.cfg, "timer_update", t.ID, t.Name)
	middleware.JSONResponse(w, http.StatusOK, t)
}

// DeleteTimer handles DELETE /api/timers/{id}
func (h *TimerHandler) DeleteTimer(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTimer(w, r)
	if !ok {
		return
	}

	if _, err := h.db.ExecContext(r.Context(), `DELETE FROM timers WHERE id = $1`, t.ID); err != nil {
		slog.Error("failed to delete timer", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to delete timer")
		return
	}

	recordActivity(r, h.db, h.cfg, "timer_delete", t.ID, t.Name)
	w.WriteHeader(http.StatusNoContent)
}

// ToggleTimer handles POST /api/timers/{id}/toggle
// Re-enabling a timer schedules its next run one interval from now.
func (h *TimerHandler) ToggleTimer(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTimer(w, r)
	if !ok {
		return
	}

	t.Enabled = !t.Enabled
	if t.Enabled {
		next := time.Now().UTC().Add(time.Duration(t.IntervalSeconds) * time.Second)
		t.NextRunAt = &next
	}

	_, err := h.db.ExecContext(r.Context(), `UPDATE timers SET enabled = $1, next_run_at = $2 WHERE id = $3`,
		t.Enabled, t.NextRunAt, t.ID)
	if err != nil {
		slog.Error("failed to toggle timer", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to toggle timer")
		return
	}

	recordActivity(r, h.db, h.cfg, "timer_toggle", t.ID, fmt.Sprintf("enabled=%t", t.Enabled))
	middleware.JSONResponse(w, http.StatusOK, t)
}

// TimerStatus handles GET /api/timer/{id}/status
func (h *TimerHandler) TimerStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTimer(w, r)
	if !ok {
		return
	}

	status := models.TimerStatus{
		ID:        t.ID,
		Enabled:   t.Enabled,
		Running:   t.Enabled && h.runtime.Running(),
		LastRunAt: t.LastRunAt,
		NextRunAt: t.NextRunAt,
		RunCount:  t.RunCount,
	}
	if t.NextRunAt != nil {
		status.SecondsUntilNext = remainingSeconds(*t.NextRunAt, time.Now())
	}

	middleware.JSONResponse(w, http.StatusOK, status)
}
