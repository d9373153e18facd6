// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
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

type RewardHandler struct {
	db  *sql.DB
	cfg cliparse.Config
}

func NewRewardHandler(db *sql.DB, cfg cliparse.Config) *RewardHandler {
	return &RewardHandler{db: db, cfg: cfg}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// creditPoints adds amount to a viewer's balance, creating the ledger entry
// on first credit, and returns the new balance
func creditPoints(ctx context.Context, db execer, channelID, user string, amount int64, now time.Time) (int64, error) {
	user = strings.ToLower(user)
	_, err := db.ExecContext(ctx, `
		INSERT INTO points (channel_id, username, balance, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_id, username) DO UPDATE SET
			balance = points.balance + excluded.balance,
			updated_at = excluded.updated_at
	`, channelID, user, amount, now)
	if err != nil {
		return 0, err
	}

	var balance int64
	err = db.QueryRowContext(ctx, `SELECT balance FROM points WHERE channel_id = $1 AND username = $2`, channelID, user).Scan(&balance)
	return balance, err
}

const rewardColumns = `id, channel_id, title, cost, prompt, enabled, max_per_stream, cooldown_seconds,
	redemption_count, last_redeemed_at, created_at`

func scanReward(row interface{ Scan(...any) error }) (models.Reward, error) {
	var rw models.Reward
	err := row.Scan(&rw.ID, &rw.ChannelID, &rw.Title, &rw.Cost, &rw.Prompt, &rw.Enabled, &rw.MaxPerStream,
		&rw.CooldownSeconds, &rw.RedemptionCount, &rw.LastRedeemedAt, &rw.CreatedAt)
	return rw, err
}

const redemptionColumns = `id, reward_id, username, input, status, redeemed_at, resolved_at`

func scanRedemption(row interface{ Scan(...any) error }) (models.Redemption, error) {
	var rd models.Redemption
	err := row.Scan(&rd.ID, &rd.RewardID, &rd.User, &rd.Input, &rd.Status, &rd.RedeemedAt, &rd.ResolvedAt)
	return rd, err
}

func applyRewardRequest(rw *models.Reward, req models.RewardRequest) string {
	if req.Title != "" {
		rw.Title = strings.TrimSpace(req.Title)
	}
	if req.Cost != 0 {
		rw.Cost = req.Cost
	}
	if req.Prompt != "" {
		rw.Prompt = req.Prompt
	}
	if req.Enabled != nil {
		rw.Enabled = *req.Enabled
	}
	if req.MaxPerStream != nil {
		rw.MaxPerStream = *req.MaxPerStream
	}
	if req.CooldownSeconds != nil {
		rw.CooldownSeconds = *req.CooldownSeconds
	}

	switch {
	case rw.Title == "" || utf8.RuneCountInString(rw.Title) > 64:
		return "title must be 1-64 characters"
	case rw.Cost <= 0:
		return "cost must be greater than zero"
	case utf8.RuneCountInString(rw.Prompt) > 200:
		return "prompt must be at most 200 characters"
	case rw.MaxPerStream < 0:
		return "max_per_stream must not be negative"
	case rw.CooldownSeconds < 0:
		return "cooldown_seconds must not be negative"
	}
	return ""
}

func (h *RewardHandler) loadReward(w http.ResponseWriter, r *http.Request) (models.Reward, bool) {
	id := r.PathValue("id")
	if _, ok := authorizeByParent(w, r, h.db, `SELECT channel_id FROM rewards WHERE id = $1`, id, "reward"); !ok {
		return models.Reward{}, false
	}

	rw, err := scanReward(h.db.QueryRowContext(r.Context(), `SELECT `+rewardColumns+` FROM rewards WHERE id = $1`, id))
	if err != nil {
		slog.Error("failed to load reward", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return rw, false
	}
	return rw, true
}

// ListRewards handles GET /api/channels/{id}/rewards
func (h *RewardHandler) ListRewards(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `SELECT `+rewardColumns+` FROM rewards WHERE channel_id = $1 ORDER BY cost, title`, channel.ID)
	if err != nil {
		slog.Error("failed to list rewards", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer rows.Close()

	rewards := []models.Reward{}
	for rows.Next() {
		rw, err := scanReward(rows)
		if err != nil {
			slog.Error("failed to scan reward", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		rewards = append(rewards, rw)
	}

	middleware.JSONResponse(w, http.StatusOK, rewards)
}

// CreateReward handles POST /api/channels/{id}/rewards
func (h *RewardHandler) CreateReward(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	var req models.RewardRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	rw := models.Reward{ChannelID: channel.ID, Enabled: true}
	if msg := applyRewardRequest(&rw, req); msg != "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, msg)
		return
	}

	id, err := auth.GenerateID(12)
	if err != nil {
		slog.Error("failed to generate reward ID", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create reward")
		return
	}
	rw.ID = id
	rw.CreatedAt = time.Now().UTC()

	_, err = h.db.ExecContext(r.Context(), `
		INSERT INTO rewards (id, channel_id, title, cost, prompt, enabled, max_per_stream, cooldown_seconds, redemption_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
	`, rw.ID, rw.ChannelID, rw.Title, rw.Cost, rw.Prompt, rw.Enabled, rw.MaxPerStream, rw.CooldownSeconds, rw.CreatedAt)
	if err != nil {
		slog.Error("failed to create reward", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create reward")
		return
	}

	recordActivity(r, h.db, h.cfg, "reward_create", rw.ID, rw.Title)
	middleware.JSONResponse(w, http.StatusCreated, rw)
}

// UpdateReward handles PUT /api/rewards/{id}
func (h *RewardHandler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	rw, ok := h.loadReward(w, r)
	if !ok {
		return
	}

	var req models.RewardRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if msg := applyRewardRequest(&rw, req); msg != "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, msg)
		return
	}

	_, err := h.db.ExecContext(r.Context(), `
		UPDATE rewards SET title = $1, cost = $2, prompt = $3, enabled = $4, max_per_stream = $5, cooldown_seconds = $6
		WHERE id = $7
	`, rw.Title, rw.Cost, rw.Prompt, rw.Enabled, rw.MaxPerStream, rw.CooldownSeconds, rw.ID)
	if err != nil {
		slog.Error("failed to update reward", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to update reward")
		return
	}

	recordActivity(r, h.db, h.cfg, "reward_update", rw.ID, rw.Title)
	middleware.JSONResponse(w, http.StatusOK, rw)
}

// DeleteReward handles DELETE /api/rewards/{id}
func (h *RewardHandler) DeleteReward(w http.ResponseWriter, r *http.Request) {
	rw, ok := h.loadReward(w, r)
	if !ok {
		return
	}

	if _, err := h.db.ExecContext(r.Context(), `DELETE FROM rewards WHERE id = $1`, rw.ID); err != nil {
		slog.Error("failed to delete reward", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to delete reward")
		return
	}

	recordActivity(r, h.db, h.cfg, "reward_delete", rw.ID, rw.Title)
	w.WriteHeader(http.StatusNoContent)
}

// Redeem handles POST /api/rewards/{id}/redeem
// The per-stream limit counts non-rejected redemptions since the bot last
// started. Viewers with a points ledger entry pay the cost.
func (h *RewardHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	channel, ok := authorizeByParent(w, r, h.db, `SELECT channel_id FROM rewards WHERE id = $1`, id, "reward")
	if !ok {
		return
	}

	var req models.RedeemRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	req.User = strings.ToLower(strings.TrimSpace(req.User))
	if req.User == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "user is required")
		return
	}
	if utf8.RuneCountInString(req.Input) > 500 {
		middleware.ErrorResponse(w, http.StatusBadRequest, "input must be at most 500 characters")
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

	rw, err := scanReward(tx.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = $1`, id))
	if err != nil {
		slog.Error("failed to load reward", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	if !rw.Enabled {
		middleware.ErrorResponse(w, http.StatusConflict, "Reward is disabled")
		return
	}

	now := time.Now().UTC()
	if rw.MaxPerStream > 0 {
		used, err := redemptionsThisStream(ctx, tx, rw.ID)
		if err != nil {
			slog.Error("failed to count redemptions", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		if used >= rw.MaxPerStream {
			middleware.ErrorResponse(w, http.StatusConflict, "Reward limit reached for this stream")
			return
		}
	}
	if retry := cooldownRemaining(rw.LastRedeemedAt, rw.CooldownSeconds, now); retry > 0 {
		middleware.RetryResponse(w, retry, "Reward is on cooldown")
		return
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM points WHERE channel_id = $1 AND username = $2`, channel.ID, req.User).Scan(&balance)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		slog.Error("failed to read points", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	case balance < int64(rw.Cost):
		middleware.ErrorResponse(w, http.StatusPaymentRequired, "Not enough points")
		return
	default:
		if _, err := creditPoints(ctx, tx, channel.ID, req.User, -int64(rw.Cost), now); err != nil {
			slog.Error("failed to spend points", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
	}

	redemptionID, err := auth.GenerateID(12)
	if err != nil {
		slog.Error("failed to generate redemption ID", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to redeem")
		return
	}
	rd := models.Redemption{
		ID:         redemptionID,
		RewardID:   rw.ID,
		User:       req.User,
		Input:      req.Input,
		Status:     models.RedemptionPending,
		RedeemedAt: now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO redemptions (id, reward_id, username, input, status, redeemed_at) VALUES ($1, $2, $3, $4, $5, $6)
	`, rd.ID, rd.RewardID, rd.User, rd.Input, rd.Status, rd.RedeemedAt)
	if err != nil {
		slog.Error("failed to insert redemption", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to redeem")
		return
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE rewards SET redemption_count = redemption_count + 1, last_redeemed_at = $1 WHERE id = $2
	`, now, rw.ID)
	if err != nil {
		slog.Error("failed to update reward", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to redeem")
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to redeem")
		return
	}

	slog.Info("reward redeemed", "reward_id", rw.ID, "user", rd.User)
	middleware.JSONResponse(w, http.StatusCreated, rd)
}

// redemptionsThisStream counts non-rejected redemptions since the bot's
// last start; with no recorded start every redemption counts
func redemptionsThisStream(ctx context.Context, tx *sql.Tx, rewardID string) (int, error) {
	var startedAt *time.Time
	if err := tx.QueryRowContext(ctx, `SELECT started_at FROM bot_state WHERE id = 1`).Scan(&startedAt); err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT redeemed_at FROM redemptions WHERE reward_id = $1 AND status <> $2`,
		rewardID, models.RedemptionRejected)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return 0, err
		}
		if startedAt == nil || !at.Before(*startedAt) {
			n++
		}
	}
	return n, rows.Err()
}

// ListRedemptions handles GET /api/rewards/{id}/redemptions?status=
func (h *RewardHandler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	rw, ok := h.loadReward(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", models.RedemptionPending, models.RedemptionFulfilled, models.RedemptionRejected:
	default:
		middleware.ErrorResponse(w, http.StatusBadRequest, "status must be pending, fulfilled or rejected")
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT `+redemptionColumns+` FROM redemptions
		WHERE reward_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY redeemed_at DESC, id
	`, rw.ID, status)
	if err != nil {
		slog.Error("failed to list redemptions", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer rows.Close()

	redemptions := []models.Redemption{}
	for rows.Next() {
		rd, err := scanRedemption(rows)
		if err != nil {
			slog.Error("failed to scan redemption", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		redemptions = append(redemptions, rd)
	}

	middleware.JSONResponse(w, http.StatusOK, redemptions)
}

// FulfillRedemption handles POST /api/redemptions/{id}/fulfill
func (h *RewardHandler) FulfillRedemption(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, models.RedemptionFulfilled)
}

// RejectRedemption handles POST /api/redemptions/{id}/reject
func (h *RewardHandler) RejectRedemption(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, models.RedemptionRejected)
}

func (h *RewardHandler) resolve(w http.ResponseWriter, r *http.Request, status string) {
	id := r.PathValue("id")
	_, ok := authorizeByParent(w, r, h.db, `
		SELECT rewards.channel_id FROM redemptions JOIN rewards ON rewards.id = redemptions.reward_id
		WHERE redemptions.id = $1
	`, id, "redemption")
	if !ok {
		return
	}

	now := time.Now().UTC()
	res, err := h.db.ExecContext(r.Context(), `
		UPDATE redemptions SET status = $1, resolved_at = $2 WHERE id = $3 AND status = $4
	`, status, now, id, models.RedemptionPending)
	if err != nil {
		slog.Error("failed to resolve redemption", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		middleware.ErrorResponse(w, http.StatusConflict, "Redemption is no longer pending")
		return
	}

	rd, err := scanRedemption(h.db.QueryRowContext(r.Context(), `SELECT `+redemptionColumns+` FROM redemptions WHERE id = $1`, id))
	if err != nil {
		slog.Error("failed to reload redemption", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	recordActivity(r, h.db, h.cfg, "redemption_"+status, id, rd.User)
	middleware.JSONResponse(w, http.StatusOK, rd)
}

// GetPoints handles GET /api/channels/{id}/points/{user}
func (h *RewardHandler) GetPoints(w http.ResponseWriter, r *http.Request) {
	channel, ok := authorizeChannel(w, r, h.db, r.PathValue("id"))
	if !ok {
		return
	}

	user := strings.ToLower(r.PathValue("user"))
	balance := models.PointsBalance{ChannelID: channel.ID, User: user}
	err := h.db.QueryRowContext(r.Context(), `SELECT balance FROM points WHERE channel_id = $1 AND username = $2`,
		channel.ID, user).Scan(&balance.Balance)
	if err != nil && err != sql.ErrNoRows {
		slog.Error("failed to read points", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, balance)
}
