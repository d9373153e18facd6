// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

var commandNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

const maxResponseLength = 500

type CommandHandler struct {
	db  *sql.DB
	cfg cliparse.Config
}

func NewCommandHandler(db *sql.DB, cfg cliparse.Config) *CommandHandler {
	return &CommandHandler{db: db, cfg: cfg}
}

const commandColumns = `id, channel_id, name, response, cooldown_seconds, permission, enabled, use_count, last_used_at, created_at`

func scanCommand(row interface{ Scan(...any) error }) (models.Command, error) {
	var c models.Command
	err := row.Scan(&c.ID, &c.ChannelID, &c.Name, &c.Response, &c.CooldownSeconds, &c.Permission,
		&c.Enabled, &c.UseCount, &c.LastUsedAt, &c.CreatedAt)
	return c, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCommand(ctx context.Context, q queryRower, channelID, name string) (models.Command, error) {
	c, err := scanCommand(q.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE channel_id = $1 AND name = $2`, channelID, name))
	if err == sql.ErrNoRows {
		return c, errNotFound
	}
	return c, err
}

func applyCommandRequest(c *models.Command, req models.CommandRequest) string {
	if req.Name != "" {
		c.Name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.Name), "!"))
	}
	if req.Response != "" {
		c.Response = req.Response
	}
	if req.CooldownSeconds != nil {
		c.CooldownSeconds = *req.CooldownSeconds
	}
	if req.Permission != "" {
		c.Permission = req.Permission
	}
	if req.Enabled != nil {
		c.Enabled = *req.Enabled
	}

	switch {
	case !commandNamePattern.MatchString(c.Name):
		return "name must be 1-32 lowercase letters, digits or underscores"
	case strings.TrimSpace(c.Response) == "" || utf8.RuneCountInString(c.Response) > maxResponseLength:
		return "response must be 1-500 characters"
	case c.CooldownSeconds < 0:
		return "cooldown_seconds must not be negative"
	case models.PermissionRank(c.Permission) < 0:
		return "permission must be everyone, subscriber, moderator or owner"
	}
	return ""
}

// ListCommands handles GET /api/channels/{id}/commands
func (h *CommandHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	rows, err := h.db.QueryContext(r.Context(),
		`SELECT `+commandColumns+` FROM commands WHERE channel_id = $1 ORDER BY name`, channel.ID)
	if err != nil {
		slog.Error("failed to list commands", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer rows.Close()

	commands := []models.Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			slog.Error("failed to scan command", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		commands = append(commands, c)
	}

	middleware.JSONResponse(w, http.StatusOK, commands)
}

// CreateCommand handles POST /api/channels/{id}/commands
func (h *CommandHandler) CreateCommand(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	var req models.CommandRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	cmd := models.Command{ChannelID: channel.ID, Permission: models.PermissionEveryone, Enabled: true}
	if msg := applyCommandRequest(&cmd, req); msg != "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, msg)
		return
	}

	id, err := auth.GenerateID(12)
	if err != nil {
		slog.Error("failed to generate command ID", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create command")
		return
	}
	cmd.ID = id
	cmd.CreatedAt = time.Now().UTC()

	_, err = h.db.ExecContext(r.Context(), `
		INSERT INTO commands (id, channel_id, name, response, cooldown_seconds, permission, enabled, use_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
	`, cmd.ID, cmd.ChannelID, cmd.Name, cmd.Response, cmd.CooldownSeconds, cmd.Permission, cmd.Enabled, cmd.CreatedAt)
	if isUniqueViolation(err) {
		middleware.ErrorResponse(w, http.StatusConflict, "Command already exists")
		return
	}
	if err != nil {
		slog.Error("failed to create command", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create command")
		return
	}

	recordActivity(r, h.db, h.cfg, "command_create", channel.ID, "!"+cmd.Name)
	middleware.JSONResponse(w, http.StatusCreated, cmd)
}

// UpdateCommand handles PUT /api/channels/{id}/commands/{cmd}
func (h *CommandHandler) UpdateCommand(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	cmd, ok := h.lookup(w, r, channel.ID)
	if !ok {
		return
	}

	var req models.CommandRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if msg := applyCommandRequest(&cmd, req); msg != "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, msg)
		return
	}

	_, err := h.db.ExecContext(r.Context(), `
		UPDATE commands SET name = $1, response = $2, cooldown_seconds = $3, permission = $4, enabled = $5
		WHERE id = $6
	`, cmd.Name, cmd.Response, cmd.CooldownSeconds, cmd.Permission, cmd.Enabled, cmd.ID)
	if isUniqueViolation(err) {
		middleware.ErrorResponse(w, http.StatusConflict, "Command already exists")
		return
	}
	if err != nil {
		slog.Error("failed to update command", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to update command")
		return
	}

	recordActivity(r, h.db, h.cfg, "command_update", channel.ID, "!"+cmd.Name)
	middleware.JSONResponse(w, http.StatusOK, cmd)
}

// DeleteCommand handles DELETE /api/channels/{id}/commands/{cmd}
func (h *CommandHandler) DeleteCommand(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	cmd, ok := h.lookup(w, r, channel.ID)
	if !ok {
		return
	}

	if _, err := h.db.ExecContext(r.Context(), `DELETE FROM commands WHERE id = $1`, cmd.ID); err != nil {
		slog.Error("failed to delete command", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to delete command")
		return
	}

	recordActivity(r, h.db, h.cfg, "command_delete", channel.ID, "!"+cmd.Name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CommandHandler) lookup(w http.ResponseWriter, r *http.Request, channelID string) (models.Command, bool) {
	cmd, err := getCommand(r.Context(), h.db, channelID, strings.ToLower(r.PathValue("cmd")))
	if err == errNotFound {
		middleware.ErrorResponse(w, http.StatusNotFound, "Command not found")
		return cmd, false
	}
	if err != nil {
		slog.Error("failed to query command", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return cmd, false
	}
	return cmd, true
}

// InvokeCommand handles POST /api/channels/{id}/commands/{cmd}/invoke
// It runs the command the same way the bot does for a chat message.
func (h *CommandHandler) InvokeCommand(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	var req models.InvokeCommandRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	req.User = strings.TrimSpace(req.User)
	if req.User == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "user is required")
		return
	}
	if req.Role == "" {
		req.Role = models.PermissionEveryone
	}
	if models.PermissionRank(req.Role) < 0 {
		middleware.ErrorResponse(w, http.StatusBadRequest, "role must be everyone, subscriber, moderator or owner")
		return
	}

	ctx := r.Context()
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer tx.Rollback()

	cmd, err := getCommand(ctx, tx, channel.ID, strings.ToLower(r.PathValue("cmd")))
	if err == errNotFound {
		middleware.ErrorResponse(w, http.StatusNotFound, "Command not found")
		return
	}
	if err != nil {
		slog.Error("failed to query command", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	if !cmd.Enabled {
		middleware.ErrorResponse(w, http.StatusConflict, "Command is disabled")
		return
	}
	if models.PermissionRank(req.Role) < models.PermissionRank(cmd.Permission) {
		middleware.ErrorResponse(w, http.StatusForbidden, "Command requires "+cmd.Permission+" permission")
		return
	}

	now := time.Now().UTC()
	if retry := cooldownRemaining(cmd.LastUsedAt, cmd.CooldownSeconds, now); retry > 0 {
		middleware.RetryResponse(w, retry, "Command is on cooldown")
		return
	}

	count, err := claimInvocation(ctx, tx, cmd, now)
	if errors.Is(err, errCooldownTaken) {
		middleware.RetryResponse(w, cmd.CooldownSeconds, "Command is on cooldown")
		return
	}
	if err != nil {
		slog.Error("failed to update command usage", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bot_state SET processed_commands = processed_commands + 1 WHERE id = 1`); err != nil {
		slog.Error("failed to count processed command", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, models.InvokeCommandResponse{
		Command: cmd.Name,
		Response: renderTemplate(cmd.Response, map[string]string{
			"user":    req.User,
			"channel": channel.DisplayName,
			"count":   strconv.Itoa(count),
		}),
		UseCount: count,
	})
}

var errCooldownTaken = errors.New("another invocation claimed the cooldown")

// claimInvocation counts one use of cmd and returns the new use count. With
// a cooldown, use_count doubles as a version so only one of two concurrent
// invocations passes.
func claimInvocation(ctx context.Context, tx *sql.Tx, cmd models.Command, now time.Time) (int, error) {
	query := `UPDATE commands SET use_count = use_count + 1, last_used_at = $1 WHERE id = $2`
	args := []any{now, cmd.ID}
	if cmd.CooldownSeconds > 0 {
		query += ` AND use_count = $3`
		args = append(args, cmd.UseCount)
	}

	var count int
	err := tx.QueryRowContext(ctx, query+` RETURNING use_count`, args...).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, errCooldownTaken
	}
	return count, err
}

// cooldownRemaining returns the whole seconds left before a cooldown expires
func cooldownRemaining(last *time.Time, cooldownSeconds int, now time.Time) int {
	if last == nil || cooldownSeconds <= 0 {
		return 0
	}
	left := last.Add(time.Duration(cooldownSeconds) * time.Second).Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}
