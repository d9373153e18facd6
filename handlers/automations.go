// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/m4bot/m4bot-server/activity"
	"github.com/m4bot/m4bot-server/automation"
	"github.com/m4bot/m4bot-server/bot"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

const maxImportBytes = 1 << 20

type AutomationHandler struct {
	db       *sql.DB
	cfg      cliparse.Config
	runtime  BotRuntime
	sender   bot.Sender
	notifier Notifier
}

func NewAutomationHandler(db *sql.DB, cfg cliparse.Config, runtime BotRuntime, sender bot.Sender, notifier Notifier) *AutomationHandler {
	return &AutomationHandler{db: db, cfg: cfg, runtime: runtime, sender: sender, notifier: notifier}
}

const automationColumns = `id, channel_id, name, enabled, trigger_type, trigger_value, conditions, actions,
	run_count, last_triggered_at, created_at, updated_at`

func scanAutomation(row interface{ Scan(...any) error }) (models.Automation, error) {
	var a models.Automation
	var conditions, actions string
	err := row.Scan(&a.ID, &a.ChannelID, &a.Name, &a.Enabled, &a.Trigger.Type, &a.Trigger.Value,
		&conditions, &actions, &a.RunCount, &a.LastTriggeredAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(conditions), &a.Conditions); err != nil {
		return a, fmt.Errorf("corrupt conditions on automation %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &a.Actions); err != nil {
		return a, fmt.Errorf("corrupt actions on automation %s: %w", a.ID, err)
	}
	if a.Conditions == nil {
		a.Conditions = []models.Condition{}
	}
	return a, nil
}

func listAutomations(ctx context.Context, db *sql.DB, channelID string, enabledOnly bool) ([]models.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE channel_id = $1`
	if enabledOnly {
		query += ` AND enabled = TRUE`
	}
	rows, err := db.QueryContext(ctx, query+` ORDER BY created_at, id`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	automations := []models.Automation{}
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		automations = append(automations, a)
	}
	return automations, rows.Err()
}

func insertAutomation(ctx context.Context, db interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, a *models.Automation) error {
	a.ID = uuid.NewString()
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	if a.Conditions == nil {
		a.Conditions = []models.Condition{}
	}

	conditions, _ := json.Marshal(a.Conditions)
	actions, _ := json.Marshal(a.Actions)
	_, err := db.ExecContext(ctx, `
		INSERT INTO automations (id, channel_id, name, enabled, trigger_type, trigger_value, conditions, actions, run_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
	`, a.ID, a.ChannelID, a.Name, a.Enabled, a.Trigger.Type, a.Trigger.Value, string(conditions), string(actions), a.CreatedAt, a.UpdatedAt)
	return err
}

func automationFromRequest(req models.AutomationRequest) models.Automation {
	a := models.Automation{
		Name:       strings.TrimSpace(req.Name),
		Enabled:    true,
		Trigger:    req.Trigger,
		Conditions: req.Conditions,
		Actions:    req.Actions,
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	return a
}

func (h *AutomationHandler) loadAutomation(w http.ResponseWriter, r *http.Request) (models.Automation, bool) {
	id := r.PathValue("id")
	if _, ok := authorizeByParent(w, r, h.db, `SELECT channel_id FROM automations WHERE id = $1`, id, "automation"); !ok {
		return models.Automation{}, false
	}

	a, err := scanAutomation(h.db.QueryRowContext(r.Context(), `SELECT `+automationColumns+` FROM automations WHERE id = $1`, id))
	if err != nil {
		slog.Error("failed to load automation", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return a, false
	}
	return a, true
}

// ListAutomations handles GET /api/channels/{id}/automations
func (h *AutomationHandler) ListAutomations(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	automations, err := listAutomations(r.Context(), h.db, channel.ID, false)
	if err != nil {
		slog.Error("failed to list automations", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	middleware.JSONResponse(w, http.StatusOK, automations)
}

// CreateAutomation handles POST /api/channels/{id}/automations
func (h *AutomationHandler) CreateAutomation(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	var req models.AutomationRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	a := automationFromRequest(req)
	a.ChannelID = channel.ID
	if err := automation.Validate(a); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := insertAutomation(r.Context(), h.db, &a); err != nil {
		slog.Error("failed to create automation", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create automation")
		return
	}

	recordActivity(r, h.db, h.cfg, "automation_create", a.ID, a.Name)
	middleware.JSONResponse(w, http.StatusCreated, a)
}

// GetAutomation handles GET /api/automations/{id}
func (h *AutomationHandler) GetAutomation(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadAutomation(w, r)
	if !ok {
		return
	}
	middleware.JSONResponse(w, http.StatusOK, a)
}

// UpdateAutomation handles PUT /api/automations/{id}
// The request replaces the whole rule; counters are kept.
func (h *AutomationHandler) UpdateAutomation(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.loadAutomation(w, r)
	if !ok {
		return
	}

	var req models.AutomationRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	a := automationFromRequest(req)
	if req.Enabled == nil {
		a.Enabled = existing.Enabled
	}
	a.ID, a.ChannelID, a.CreatedAt = existing.ID, existing.ChannelID, existing.CreatedAt
	a.RunCount, a.LastTriggeredAt = existing.RunCount, existing.LastTriggeredAt
	a.UpdatedAt = time.Now().UTC()
	if a.Conditions == nil {
		a.Conditions = []models.Condition{}
	}
	if err := automation.Validate(a); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	conditions, _ := json.Marshal(a.Conditions)
	actions, _ := json.Marshal(a.Actions)
	_, err := h.db.ExecContext(r.Context(), `
		UPDATE automations SET name = $1, enabled = $2, trigger_type = $3, trigger_value = $4,
			conditions = $5, actions = $6, updated_at = $7
		WHERE id = $8
	`, a.Name, a.Enabled, a.Trigger.Type, a.Trigger.Value, string(conditions), string(actions), a.UpdatedAt, a.ID)
	if err != nil {
		slog.Error("failed to update automation", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to update automation")
		return
	}

	recordActivity(r, h.db, h.cfg, "automation_update", a.ID, a.Name)
	middleware.JSONResponse(w, http.StatusOK, a)
}

// DeleteAutomation handles DELETE /api/automations/{id}
func (h *AutomationHandler) DeleteAutomation(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadAutomation(w, r)
	if !ok {
		return
	}

	if _, err := h.db.ExecContext(r.Context(), `DELETE FROM automations WHERE id = $1`, a.ID); err != nil {
		slog.Error("failed to delete automation", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to delete automation")
		return
	}

	recordActivity(r, h.db, h.cfg, "automation_delete", a.ID, a.Name)
	w.WriteHeader(http.StatusNoContent)
}

func parseEvent(r *http.Request) (models.Event, error) {
	var ev models.Event
	if err := middleware.ParseJSONBody(r, &ev); err != nil {
		return ev, err
	}
	if ev.TimeOfDay == "" {
		ev.TimeOfDay = time.Now().Format("15:04")
	}
	if ev.UserRole == "" {
		ev.UserRole = models.PermissionEveryone
	}
	return ev, nil
}

// TestAutomation handles POST /api/automations/{id}/test
// The event is evaluated and the actions rendered, nothing is executed.
func (h *AutomationHandler) TestAutomation(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadAutomation(w, r)
	if !ok {
		return
	}

	ev, err := parseEvent(r)
	if err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	matched, failed := automation.Evaluate(a, ev)
	middleware.JSONResponse(w, http.StatusOK, models.AutomationTestResponse{
		Matched:         matched,
		FailedCondition: failed,
		Actions:         automation.Render(a.Actions, ev),
	})
}

// HandleEvent handles POST /api/channels/{id}/events
// Every enabled automation of the channel is evaluated against the event
// and the actions of those that match are executed in order.
func (h *AutomationHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	ev, err := parseEvent(r)
	if err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if !knownEventType(ev.Type) {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Unknown event type "+strconv.Quote(ev.Type))
		return
	}

	ctx := r.Context()
	if ev.Type == models.TriggerMessage {
		h.runtime.ObserveChat(channel.ID)
	}

	automations, err := listAutomations(ctx, h.db, channel.ID, true)
	if err != nil {
		slog.Error("failed to list automations", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	resp := models.EventResponse{Executed: []models.ExecutedAction{}}
	now := time.Now().UTC()
	for _, a := range automations {
		matched, _ := automation.Evaluate(a, ev)
		if !matched {
			continue
		}
		resp.Matched++

		for _, action := range automation.Render(a.Actions, ev) {
			executed := models.ExecutedAction{AutomationID: a.ID, Type: action.Type, Params: action.Params}
			if err := h.execute(ctx, channel, ev, action, now); err != nil {
				slog.Warn("automation action failed", "automation_id", a.ID, "action", action.Type, "error", err)
				executed.Error = err.Error()
			}
			resp.Executed = append(resp.Executed, executed)
		}

		_, err := h.db.ExecContext(ctx, `
			UPDATE automations SET run_count = run_count + 1, last_triggered_at = $1 WHERE id = $2
		`, now, a.ID)
		if err != nil {
			slog.Error("failed to count automation run", "automation_id", a.ID, "error", err)
		}
	}

	middleware.JSONResponse(w, http.StatusOK, resp)
}

func knownEventType(t string) bool {
	switch t {
	case models.TriggerMessage, models.TriggerCommand, models.TriggerFollow,
		models.TriggerSubscription, models.TriggerRaid, models.TriggerTimer:
		return true
	}
	return false
}

func (h *AutomationHandler) execute(ctx context.Context, channel models.Channel, ev models.Event, action models.RenderedAction, now time.Time) error {
	target := action.Params["user"]
	if target == "" {
		target = ev.User
	}

	switch action.Type {
	case models.ActionSendMessage:
		return h.sender.Send(ctx, channel, action.Params["message"])

	case models.ActionDiscordNotify:
		integration, err := loadDiscord(ctx, h.db, channel.ID)
		if errors.Is(err, errNotFound) || (err == nil && (!integration.Enabled || integration.WebhookURL == "")) {
			return errors.New("discord integration is not enabled")
		}
		if err != nil {
			return err
		}
		return h.notifier.Send(ctx, integration.WebhookURL, action.Params["message"])

	case models.ActionAddPoints:
		amount, err := strconv.ParseInt(action.Params["amount"], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q", action.Params["amount"])
		}
		if target == "" {
			return errors.New("no user to credit")
		}
		_, err = creditPoints(ctx, h.db, channel.ID, target, amount, now)
		return err

	case models.ActionStartPoll:
		pollID := action.Params["poll_id"]
		var pollChannel string
		err := h.db.QueryRowContext(ctx, `SELECT channel_id FROM polls WHERE id = $1`, pollID).Scan(&pollChannel)
		if err == sql.ErrNoRows || (err == nil && pollChannel != channel.ID) {
			return fmt.Errorf("poll %s not found on this channel", pollID)
		}
		if err != nil {
			return err
		}
		if err := startPoll(ctx, h.db, pollID, now); err != nil {
			return err
		}
		poll, err := loadPoll(ctx, h.db, pollID)
		if err != nil {
			return err
		}
		notifyPoll(ctx, h.db, h.notifier, poll, startedMessage(poll))
		return nil

	case models.ActionTimeoutUser:
		if target == "" {
			return errors.New("no user to time out")
		}
		slog.Info("timeout requested", "channel", channel.Name, "user", target, "duration", action.Params["duration"])
		activity.Record(ctx, h.db, activity.Entry{
			Username: "m4bot",
			Action:   "timeout_user",
			Target:   target,
			Details:  channel.Platform + "/" + channel.Name + " " + action.Params["duration"] + "s",
		})
		return nil
	}
	return fmt.Errorf("unsupported action %q", action.Type)
}

// ExportAutomations handles GET /api/channels/{id}/automations/export
func (h *AutomationHandler) ExportAutomations(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	automations, err := listAutomations(r.Context(), h.db, channel.ID, false)
	if err != nil {
		slog.Error("failed to list automations", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	data, err := automation.Export(automations)
	if err != nil {
		slog.Error("failed to export automations", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to export automations")
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="automations-%s.yaml"`, channel.Name))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ImportAutomations handles POST /api/channels/{id}/automations/import
// Imported rules are added next to the existing ones, never merged.
func (h *AutomationHandler) ImportAutomations(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Could not read body")
		return
	}

	automations, err := automation.Import(body)
	if err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := h.db.BeginTx(r.Context(), nil)
	if err != nil {
		slog.Error("failed to begin transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer tx.Rollback()

	for i := range automations {
		automations[i].ChannelID = channel.ID
		if err := insertAutomation(r.Context(), tx, &automations[i]); err != nil {
			slog.Error("failed to import automation", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to import automations")
			return
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to import automations")
		return
	}

	recordActivity(r, h.db, h.cfg, "automation_import", channel.ID, strconv.Itoa(len(automations)))
	middleware.JSONResponse(w, http.StatusCreated, models.ImportResponse{Imported: len(automations)})
}
