// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/m4bot/m4bot-server/bot"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

// BotRuntime is the part of the bot runtime the API drives
type BotRuntime interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Status(ctx context.Context) (models.BotStatus, error)
	ObserveChat(channelID string)
}

type BotHandler struct {
	db      *sql.DB
	cfg     cliparse.Config
	runtime BotRuntime
}

func NewBotHandler(db *sql.DB, cfg cliparse.Config, runtime BotRuntime) *BotHandler {
	return &BotHandler{db: db, cfg: cfg, runtime: runtime}
}

// StartBot handles POST /api/bot/start
func (h *BotHandler) StartBot(w http.ResponseWriter, r *http.Request) {
	err := h.runtime.Start(r.Context())
	if errors.Is(err, bot.ErrAlreadyRunning) {
		middleware.ErrorResponse(w, http.StatusConflict, "Bot is already running")
		return
	}
	if err != nil {
		slog.Error("failed to start bot", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to start bot")
		return
	}

	recordActivity(r, h.db, h.cfg, "bot_start", "", "")
	h.respondStatus(w, r)
}

// StopBot handles POST /api/bot/stop
func (h *BotHandler) StopBot(w http.ResponseWriter, r *http.Request) {
	err := h.runtime.Stop(r.Context())
	if errors.Is(err, bot.ErrNotRunning) {
		middleware.ErrorResponse(w, http.StatusConflict, "Bot is not running")
		return
	}
	if err != nil {
		slog.Error("failed to stop bot", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to stop bot")
		return
	}

	recordActivity(r, h.db, h.cfg, "bot_stop", "", "")
	h.respondStatus(w, r)
}

// Status handles GET /api/bot/status
func (h *BotHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondStatus(w, r)
}

func (h *BotHandler) respondStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.runtime.Status(r.Context())
	if err != nil {
		slog.Error("failed to read bot status", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to read bot status")
		return
	}
	middleware.JSONResponse(w, http.StatusOK, status)
}
