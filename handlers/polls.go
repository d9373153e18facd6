// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

var (
	errPollNotDraft     = errors.New("poll is not a draft")
	errPollNotActive    = errors.New("poll is not active")
	errActivePollExists = errors.New("channel already has an active poll")
)

// Notifier delivers a message to a Discord webhook
type Notifier interface {
	Send(ctx context.Context, webhookURL, content string) error
}

type PollHandler struct {
	db       *sql.DB
	cfg      cliparse.Config
	notifier Notifier
}

func NewPollHandler(db *sql.DB, cfg cliparse.Config, notifier Notifier) *PollHandler {
	return &PollHandler{db: db, cfg: cfg, notifier: notifier}
}

const pollColumns = `id, channel_id, question, platforms, duration_seconds, allow_multiple, status,
	created_by, created_at, started_at, ends_at, ended_at`

func scanPoll(row interface{ Scan(...any) error }) (models.Poll, error) {
	var p models.Poll
	var platforms string
	err := row.Scan(&p.ID, &p.ChannelID, &p.Question, &platforms, &p.DurationSeconds, &p.AllowMultiple,
		&p.Status, &p.CreatedBy, &p.CreatedAt, &p.StartedAt, &p.EndsAt, &p.EndedAt)
	p.Platforms = splitPlatforms(platforms)
	return p, err
}

func splitPlatforms(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// loadPollOptions returns the options of a poll with vote counts and
// percentages of all votes cast
func loadPollOptions(ctx context.Context, db *sql.DB, pollID string) ([]models.PollOption, int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT o.id, o.label, o.position, COUNT(v.voter)
		FROM poll_options o
		LEFT JOIN poll_votes v ON v.option_id = o.id
		WHERE o.poll_id = $1
		GROUP BY o.id, o.label, o.position
		ORDER BY o.position
	`, pollID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	options := []models.PollOption{}
	total := 0
	for rows.Next() {
		var o models.PollOption
		if err := rows.Scan(&o.ID, &o.Label, &o.Position, &o.Votes); err != nil {
			return nil, 0, err
		}
		total += o.Votes
		options = append(options, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if total > 0 {
		for i := range options {
			options[i].Percentage = math.Round(float64(options[i].Votes)*1000/float64(total)) / 10
		}
	}
	return options, total, nil
}

// loadPolls returns the polls matching the clause with their options
func loadPolls(ctx context.Context, db *sql.DB, clause string, args ...any) ([]models.Poll, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+pollColumns+` FROM polls `+clause, args...)
	if err != nil {
		return nil, err
	}

	polls := []models.Poll{}
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		polls = append(polls, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range polls {
		if polls[i].Options, _, err = loadPollOptions(ctx, db, polls[i].ID); err != nil {
			return nil, err
		}
	}
	return polls, nil
}

func loadPoll(ctx context.Context, db *sql.DB, pollID string) (models.Poll, error) {
	polls, err := loadPolls(ctx, db, `WHERE id = $1`, pollID)
	if err != nil {
		return models.Poll{}, err
	}
	if len(polls) == 0 {
		return models.Poll{}, errNotFound
	}
	return polls[0], nil
}

// ListPolls handles GET /api/polls
// Non-admins only see polls of channels they own.
func (h *PollHandler) ListPolls(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.CurrentUser(r)
	page, perPage := middleware.ParsePage(r)
	q := r.URL.Query()

	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if status := q.Get("status"); status != "" {
		switch status {
		case models.PollDraft, models.PollActive, models.PollCompleted:
		default:
			middleware.ErrorResponse(w, http.StatusBadRequest, "status must be draft, active or completed")
			return
		}
		add("status = ?", status)
	}
	if channelID := q.Get("channel_id"); channelID != "" {
		add("channel_id = ?", channelID)
	}
	if !user.IsAdmin() {
		add("channel_id IN (SELECT id FROM channels WHERE owner_id = ?)", user.ID)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := h.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM polls `+where, args...).Scan(&total); err != nil {
		slog.Error("failed to count polls", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	n := len(args)
	clause := fmt.Sprintf("%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", where, n+1, n+2)
	polls, err := loadPolls(r.Context(), h.db, clause, append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		slog.Error("failed to list polls", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, models.PollList{
		Polls:    polls,
		PageInfo: models.NewPageInfo(page, perPage, total),
	})
}

func validatePollRequest(req *models.CreatePollRequest, channel models.Channel) string {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" || utf8.RuneCountInString(req.Question) > 200 {
		return "question must be 1-200 characters"
	}

	if len(req.Options) < models.MinPollOptions || len(req.Options) > models.MaxPollOptions {
		return fmt.Sprintf("a poll needs %d to %d options", models.MinPollOptions, models.MaxPollOptions)
	}
	seen := make(map[string]bool, len(req.Options))
	for i, label := range req.Options {
		label = strings.TrimSpace(label)
		if label == "" || utf8.RuneCountInString(label) > 100 {
			return "options must be 1-100 characters"
		}
		key := strings.ToLower(label)
		if seen[key] {
			return "options must be unique"
		}
		seen[key] = true
		req.Options[i] = label
	}

	if len(req.Platforms) == 0 {
		req.Platforms = []string{channel.Platform}
	}
	seenPlatform := make(map[string]bool, len(req.Platforms))
	platforms := req.Platforms[:0]
	for _, p := range req.Platforms {
		if !models.ValidPlatform(p) {
			return "platforms must be twitch, youtube or discord"
		}
		if !seenPlatform[p] {
			seenPlatform[p] = true
			platforms = append(platforms, p)
		}
	}
	req.Platforms = platforms

	if req.DurationSeconds == 0 {
		req.DurationSeconds = models.DefaultPollSeconds
	}
	if req.DurationSeconds < models.MinPollDuration || req.DurationSeconds > models.MaxPollDuration {
		return fmt.Sprintf("duration_seconds must be between %d and %d", models.MinPollDuration, models.MaxPollDuration)
	}
	return ""
}

// CreatePoll handles POST /api/polls and POST /api/polls/create
func (h *PollHandler) CreatePoll(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.CurrentUser(r)

	var req models.CreatePollRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	channel, ok := authorizeChannel(w, r, h.db, req.ChannelID)
	if !ok {
		return
	}
	if msg := validatePollRequest(&req, channel); msg != "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, msg)
		return
	}

	pollID, err := auth.GenerateID(16)
	if err != nil {
		slog.Error("failed to generate poll ID", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create poll")
		return
	}
	now := time.Now().UTC()

	tx, err := h.db.BeginTx(r.Context(), nil)
	if err != nil {
		slog.Error("failed to begin transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(r.Context(), `
		INSERT INTO polls (id, channel_id, question, platforms, duration_seconds, allow_multiple, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, pollID, channel.ID, req.Question, strings.Join(req.Platforms, ","), req.DurationSeconds,
		req.AllowMultiple, models.PollDraft, user.Username, now)
	if err != nil {
		slog.Error("failed to create poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create poll")
		return
	}

	for i, label := range req.Options {
		optionID, err := auth.GenerateID(12)
		if err != nil {
			slog.Error("failed to generate option ID", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create poll")
			return
		}
		_, err = tx.ExecContext(r.Context(), `
			INSERT INTO poll_options (id, poll_id, label, position) VALUES ($1, $2, $3, $4)
		`, optionID, pollID, label, i)
		if err != nil {
			slog.Error("failed to create poll option", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create poll")
			return
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to create poll")
		return
	}

	slog.Info("poll created", "poll_id", pollID, "channel_id", channel.ID)
	recordActivity(r, h.db, h.cfg, "poll_create", pollID, req.Question)

	poll, err := loadPoll(r.Context(), h.db, pollID)
	if err != nil {
		slog.Error("failed to reload poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	middleware.JSONResponse(w, http.StatusCreated, poll)
}

func (h *PollHandler) authorizePoll(w http.ResponseWriter, r *http.Request) (string, bool) {
	pollID := r.PathValue("id")
	_, ok := authorizeByParent(w, r, h.db, `SELECT channel_id FROM polls WHERE id = $1`, pollID, "poll")
	return pollID, ok
}

// startPoll moves a draft poll to active. A channel runs at most one poll.
func startPoll(ctx context.Context, db *sql.DB, pollID string, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var channelID, status string
	var duration int
	err = tx.QueryRowContext(ctx, `SELECT channel_id, status, duration_seconds FROM polls WHERE id = $1`, pollID).
		Scan(&channelID, &status, &duration)
	if err == sql.ErrNoRows {
		return errNotFound
	}
	if err != nil {
		return err
	}
	if status != models.PollDraft {
		return errPollNotDraft
	}

	var active int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM polls WHERE channel_id = $1 AND status = $2`, channelID, models.PollActive).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return errActivePollExists
	}

	// idx_polls_one_active catches a concurrent start the count missed
	endsAt := now.Add(time.Duration(duration) * time.Second)
	_, err = tx.ExecContext(ctx, `
		UPDATE polls SET status = $1, started_at = $2, ends_at = $3 WHERE id = $4 AND status = $5
	`, models.PollActive, now, endsAt, pollID, models.PollDraft)
	if isUniqueViolation(err) {
		return errActivePollExists
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// endPoll completes an active poll
func endPoll(ctx context.Context, db *sql.DB, pollID string, now time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE polls SET status = $1, ended_at = $2 WHERE id = $3 AND status = $4
	`, models.PollCompleted, now, pollID, models.PollActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errPollNotActive
	}
	return nil
}

// StartPoll handles POST /api/polls/{id}/start
func (h *PollHandler) StartPoll(w http.ResponseWriter, r *http.Request) {
	pollID, ok := h.authorizePoll(w, r)
	if !ok {
		return
	}

	err := startPoll(r.Context(), h.db, pollID, time.Now().UTC())
	switch {
	case errors.Is(err, errPollNotDraft):
		middleware.ErrorResponse(w, http.StatusConflict, "Only draft polls can be started")
		return
	case errors.Is(err, errActivePollExists):
		middleware.ErrorResponse(w, http.StatusConflict, "Channel already has an active poll")
		return
	case err != nil:
		slog.Error("failed to start poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to start poll")
		return
	}

	poll, err := loadPoll(r.Context(), h.db, pollID)
	if err != nil {
		slog.Error("failed to reload poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	slog.Info("poll started", "poll_id", pollID)
	recordActivity(r, h.db, h.cfg, "poll_start", pollID, poll.Question)
	h.notify(r.Context(), poll, startedMessage(poll))

	middleware.JSONResponse(w, http.StatusOK, poll)
}

// EndPoll handles POST /api/polls/{id}/end
func (h *PollHandler) EndPoll(w http.ResponseWriter, r *http.Request) {
	pollID, ok := h.authorizePoll(w, r)
	if !ok {
		return
	}

	err := endPoll(r.Context(), h.db, pollID, time.Now().UTC())
	if errors.Is(err, errPollNotActive) {
		middleware.ErrorResponse(w, http.StatusConflict, "Only active polls can be ended")
		return
	}
	if err != nil {
		slog.Error("failed to end poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to end poll")
		return
	}

	poll, err := loadPoll(r.Context(), h.db, pollID)
	if err != nil {
		slog.Error("failed to reload poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	slog.Info("poll ended", "poll_id", pollID)
	recordActivity(r, h.db, h.cfg, "poll_end", pollID, poll.Question)
	h.notify(r.Context(), poll, resultsMessage(poll))

	middleware.JSONResponse(w, http.StatusOK, poll)
}

// DeletePoll handles DELETE /api/polls/{id}
func (h *PollHandler) DeletePoll(w http.ResponseWriter, r *http.Request) {
	pollID, ok := h.authorizePoll(w, r)
	if !ok {
		return
	}

	res, err := h.db.ExecContext(r.Context(), `DELETE FROM polls WHERE id = $1 AND status <> $2`, pollID, models.PollActive)
	if err != nil {
		slog.Error("failed to delete poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to delete poll")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		middleware.ErrorResponse(w, http.StatusConflict, "Active polls cannot be deleted")
		return
	}

	recordActivity(r, h.db, h.cfg, "poll_delete", pollID, "")
	w.WriteHeader(http.StatusNoContent)
}

// Vote handles POST /api/polls/{id}/vote
// A voter has one ballot per platform; voting again replaces it.
func (h *PollHandler) Vote(w http.ResponseWriter, r *http.Request) {
	pollID, ok := h.authorizePoll(w, r)
	if !ok {
		return
	}

	var req models.VoteRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	req.Voter = strings.ToLower(strings.TrimSpace(req.Voter))
	if req.Voter == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "voter is required")
		return
	}
	if len(req.OptionIDs) == 0 {
		middleware.ErrorResponse(w, http.StatusBadRequest, "option_ids is required")
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

	var status, platforms string
	var allowMultiple bool
	var endsAt *time.Time
	err = tx.QueryRowContext(ctx, `SELECT status, platforms, allow_multiple, ends_at FROM polls WHERE id = $1`, pollID).
		Scan(&status, &platforms, &allowMultiple, &endsAt)
	if err != nil {
		slog.Error("failed to query poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	now := time.Now().UTC()
	if status != models.PollActive || (endsAt != nil && !now.Before(*endsAt)) {
		middleware.ErrorResponse(w, http.StatusConflict, "Poll is not accepting votes")
		return
	}
	platformAllowed := false
	for _, p := range splitPlatforms(platforms) {
		if p == req.Platform {
			platformAllowed = true
		}
	}
	if !platformAllowed {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Poll is not running on platform "+strconv.Quote(req.Platform))
		return
	}
	if len(req.OptionIDs) > 1 && !allowMultiple {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Poll allows a single option")
		return
	}

	valid := map[string]bool{}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM poll_options WHERE poll_id = $1`, pollID)
	if err != nil {
		slog.Error("failed to query options", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			slog.Error("failed to scan option", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		valid[id] = true
	}
	rows.Close()

	chosen := map[string]bool{}
	for _, id := range req.OptionIDs {
		if !valid[id] {
			middleware.ErrorResponse(w, http.StatusBadRequest, "Unknown option "+strconv.Quote(id))
			return
		}
		if chosen[id] {
			middleware.ErrorResponse(w, http.StatusBadRequest, "Duplicate option "+strconv.Quote(id))
			return
		}
		chosen[id] = true
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM poll_votes WHERE poll_id = $1 AND platform = $2 AND voter = $3`,
		pollID, req.Platform, req.Voter)
	if err != nil {
		slog.Error("failed to clear ballot", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to record vote")
		return
	}
	replaced, _ := res.RowsAffected()

	for _, optionID := range req.OptionIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO poll_votes (poll_id, option_id, platform, voter, voted_at) VALUES ($1, $2, $3, $4, $5)
		`, pollID, optionID, req.Platform, req.Voter, now)
		if err != nil {
			slog.Error("failed to insert vote", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to record vote")
			return
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Failed to record vote")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, models.VoteResponse{
		PollID:    pollID,
		Voter:     req.Voter,
		OptionIDs: req.OptionIDs,
		Replaced:  replaced > 0,
	})
}

// LiveResults handles GET /api/polls/{id}/live
func (h *PollHandler) LiveResults(w http.ResponseWriter, r *http.Request) {
	pollID, ok := h.authorizePoll(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	poll, err := loadPoll(ctx, h.db, pollID)
	if err != nil {
		slog.Error("failed to load poll", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	resp := models.LivePollResponse{Poll: poll, VotesByPlatform: map[string]int{}}
	for _, p := range poll.Platforms {
		resp.VotesByPlatform[p] = 0
	}
	for _, o := range poll.Options {
		resp.TotalVotes += o.Votes
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT platform, COUNT(DISTINCT voter) FROM poll_votes WHERE poll_id = $1 GROUP BY platform
	`, pollID)
	if err != nil {
		slog.Error("failed to count votes by platform", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}
	for rows.Next() {
		var platform string
		var n int
		if err := rows.Scan(&platform, &n); err != nil {
			rows.Close()
			slog.Error("failed to scan platform votes", "error", err)
			middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
			return
		}
		resp.VotesByPlatform[platform] = n
	}
	rows.Close()

	if poll.Status == models.PollActive && poll.EndsAt != nil {
		resp.RemainingSeconds = remainingSeconds(*poll.EndsAt, time.Now())
	}
	if poll.Status == models.PollCompleted {
		resp.Winners = winners(poll.Options)
	}

	middleware.JSONResponse(w, http.StatusOK, resp)
}

func remainingSeconds(endsAt, now time.Time) int {
	left := endsAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// winners returns the IDs of the options with the most votes; ties list all
func winners(options []models.PollOption) []string {
	top := 0
	for _, o := range options {
		top = max(top, o.Votes)
	}
	if top == 0 {
		return nil
	}
	var ids []string
	for _, o := range options {
		if o.Votes == top {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

func optionLabels(p models.Poll) string {
	labels := make([]string, len(p.Options))
	for i, o := range p.Options {
		labels[i] = o.Label
	}
	return strings.Join(labels, " / ")
}

func startedMessage(p models.Poll) string {
	return fmt.Sprintf("📊 Poll started: %s (%s)", p.Question, optionLabels(p))
}

func resultsMessage(p models.Poll) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Poll ended: %s", p.Question)
	for _, o := range p.Options {
		fmt.Fprintf(&b, "\n• %s: %d (%.1f%%)", o.Label, o.Votes, o.Percentage)
	}
	return b.String()
}

func (h *PollHandler) notify(ctx context.Context, poll models.Poll, content string) {
	notifyPoll(ctx, h.db, h.notifier, poll, content)
}

// notifyPoll posts to the channel's Discord webhook when poll
// notifications are on
func notifyPoll(ctx context.Context, db *sql.DB, notifier Notifier, poll models.Poll, content string) {
	if notifier == nil {
		return
	}

	integration, err := loadDiscord(ctx, db, poll.ChannelID)
	if err != nil {
		if !errors.Is(err, errNotFound) {
			slog.Error("failed to load discord integration", "channel_id", poll.ChannelID, "error", err)
		}
		return
	}
	if !integration.Enabled || !integration.NotifyPolls || integration.WebhookURL == "" {
		return
	}

	if err := notifier.Send(ctx, integration.WebhookURL, content); err != nil {
		slog.Warn("discord poll notification failed", "poll_id", poll.ID, "error", err)
	}
}

// ExpirePolls completes active polls whose time ran out. It runs as a
// scheduler job regardless of the bot state.
func (h *PollHandler) ExpirePolls(ctx context.Context) error {
	now := time.Now().UTC()

	rows, err := h.db.QueryContext(ctx, `SELECT id, ends_at FROM polls WHERE status = $1 AND ends_at IS NOT NULL`, models.PollActive)
	if err != nil {
		return fmt.Errorf("failed to query active polls: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		var endsAt time.Time
		if err := rows.Scan(&id, &endsAt); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan poll: %w", err)
		}
		if !now.Before(endsAt) {
			expired = append(expired, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read polls: %w", err)
	}

	for _, id := range expired {
		if err := endPoll(ctx, h.db, id, now); err != nil {
			if errors.Is(err, errPollNotActive) {
				continue
			}
			return fmt.Errorf("failed to expire poll %s: %w", id, err)
		}
		slog.Info("poll expired", "poll_id", id)

		poll, err := loadPoll(ctx, h.db, id)
		if err != nil {
			slog.Error("failed to reload expired poll", "poll_id", id, "error", err)
			continue
		}
		h.notify(ctx, poll, resultsMessage(poll))
	}
	return nil
}
