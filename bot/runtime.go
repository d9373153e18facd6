// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/m4bot/m4bot-server/activity"
	"github.com/m4bot/m4bot-server/models"
	"github.com/m4bot/m4bot-server/scheduler"
)

var (
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNotRunning     = errors.New("bot is not running")
)

// Runtime is the bot process. While running it fires channel timers on
// every scheduler tick; the intended state is persisted in bot_state.
type Runtime struct {
	db       *sql.DB
	sender   Sender
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	chatMu    sync.Mutex
	chatLines map[string]int // channel ID -> chat lines seen
	baseline  map[string]int // timer ID -> channel lines when it last fired
}

func NewRuntime(db *sql.DB, sender Sender, interval time.Duration) *Runtime {
	return &Runtime{
		db:        db,
		sender:    sender,
		interval:  interval,
		now:       time.Now,
		chatLines: make(map[string]int),
		baseline:  make(map[string]int),
	}
}

// Start launches the bot and records the start time
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.cancel != nil {
		return ErrAlreadyRunning
	}

	_, err := rt.db.ExecContext(ctx, `UPDATE bot_state SET running = $1, started_at = $2 WHERE id = 1`, true, rt.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to persist bot state: %w", err)
	}

	rt.launch(ctx)
	slog.Info("bot started")
	return nil
}

// Stop halts the bot, waits for its goroutine and records the stop time
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.cancel == nil {
		return ErrNotRunning
	}
	rt.halt()

	_, err := rt.db.ExecContext(ctx, `UPDATE bot_state SET running = $1, stopped_at = $2 WHERE id = 1`, false, rt.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to persist bot state: %w", err)
	}

	slog.Info("bot stopped")
	return nil
}

// Resume starts the bot again when it was running before the server
// restarted. The original start time is kept.
func (rt *Runtime) Resume(ctx context.Context) error {
	var running bool
	if err := rt.db.QueryRowContext(ctx, `SELECT running FROM bot_state WHERE id = 1`).Scan(&running); err != nil {
		return fmt.Errorf("failed to read bot state: %w", err)
	}
	if !running {
		return nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cancel == nil {
		rt.launch(ctx)
		slog.Info("bot resumed")
	}
	return nil
}

// Close stops the goroutine without changing the persisted state, so the
// next server start resumes the bot
func (rt *Runtime) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cancel != nil {
		rt.halt()
	}
}

func (rt *Runtime) Running() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cancel != nil
}

// launch must be called with mu held
func (rt *Runtime) launch(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	done := make(chan struct{})

	sched := scheduler.New(rt.interval)
	sched.Add("timers", func(ctx context.Context) error {
		_, err := rt.FireDueTimers(ctx, rt.now())
		return err
	})

	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	rt.cancel = cancel
	rt.done = done
}

// halt must be called with mu held
func (rt *Runtime) halt() {
	rt.cancel()
	<-rt.done
	rt.cancel = nil
	rt.done = nil
}

// ObserveChat counts a chat line for min_chat_lines timer gating
func (rt *Runtime) ObserveChat(channelID string) {
	rt.chatMu.Lock()
	defer rt.chatMu.Unlock()
	rt.chatLines[channelID]++
}

// linesSince reports chat lines in the channel since the timer last fired
func (rt *Runtime) linesSince(channelID, timerID string) int {
	rt.chatMu.Lock()
	defer rt.chatMu.Unlock()
	return rt.chatLines[channelID] - rt.baseline[timerID]
}

func (rt *Runtime) markFired(channelID, timerID string) {
	rt.chatMu.Lock()
	defer rt.chatMu.Unlock()
	rt.baseline[timerID] = rt.chatLines[channelID]
}

type dueTimer struct {
	id           string
	message      string
	interval     int
	minChatLines int
	channel      models.Channel
}

// FireDueTimers sends every enabled timer whose next_run_at has passed on
// a bot-enabled channel and reschedules it. Timers waiting for chat
// activity stay due until enough lines arrive.
func (rt *Runtime) FireDueTimers(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()

	rows, err := rt.db.QueryContext(ctx, `
		SELECT t.id, t.message, t.interval_seconds, t.min_chat_lines, t.next_run_at,
		       c.id, c.owner_id, c.platform, c.name, c.display_name
		FROM timers t
		JOIN channels c ON c.id = t.channel_id
		WHERE t.enabled = $1 AND c.bot_enabled = $1
		ORDER BY t.next_run_at, t.id
	`, true)
	if err != nil {
		return 0, fmt.Errorf("failed to query timers: %w", err)
	}

	var due []dueTimer
	for rows.Next() {
		var t dueTimer
		var next *time.Time
		if err := rows.Scan(&t.id, &t.message, &t.interval, &t.minChatLines, &next,
			&t.channel.ID, &t.channel.OwnerID, &t.channel.Platform, &t.channel.Name, &t.channel.DisplayName); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan timer: %w", err)
		}
		if next == nil || !now.Before(*next) {
			due = append(due, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read timers: %w", err)
	}

	fired := 0
	for _, t := range due {
		if t.minChatLines > 0 && rt.linesSince(t.channel.ID, t.id) < t.minChatLines {
			continue
		}

		if err := rt.sender.Send(ctx, t.channel, t.message); err != nil {
			slog.Warn("timer message not delivered", "timer_id", t.id, "error", err)
		}

		next := now.Add(time.Duration(t.interval) * time.Second)
		_, err := rt.db.ExecContext(ctx, `
			UPDATE timers SET run_count = run_count + 1, last_run_at = $1, next_run_at = $2 WHERE id = $3
		`, now, next, t.id)
		if err != nil {
			return fired, fmt.Errorf("failed to reschedule timer %s: %w", t.id, err)
		}
		rt.markFired(t.channel.ID, t.id)
		fired++

		activity.Record(ctx, rt.db, activity.Entry{
			Username: "m4bot",
			Action:   "timer_fire",
			Target:   t.id,
			Details:  t.channel.Platform + "/" + t.channel.Name,
		})
	}
	return fired, nil
}

// Status reports the runtime state together with the persisted counters
func (rt *Runtime) Status(ctx context.Context) (models.BotStatus, error) {
	status := models.BotStatus{Running: rt.Running(), ConnectedChannels: []string{}}

	err := rt.db.QueryRowContext(ctx, `
		SELECT started_at, stopped_at, processed_commands FROM bot_state WHERE id = 1
	`).Scan(&status.StartedAt, &status.StoppedAt, &status.ProcessedCommands)
	if err != nil {
		return status, fmt.Errorf("failed to read bot state: %w", err)
	}

	if !status.Running {
		status.Uptime = "stopped"
		return status, nil
	}
	status.StoppedAt = nil

	if status.StartedAt != nil {
		now := rt.now()
		status.UptimeSeconds = int64(now.Sub(*status.StartedAt).Seconds())
		status.Uptime = strings.TrimSpace(humanize.RelTime(*status.StartedAt, now, "", ""))
	}

	rows, err := rt.db.QueryContext(ctx, `
		SELECT platform, name FROM channels WHERE bot_enabled = $1 ORDER BY platform, name
	`, true)
	if err != nil {
		return status, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var platform, name string
		if err := rows.Scan(&platform, &name); err != nil {
			return status, fmt.Errorf("failed to scan channel: %w", err)
		}
		status.ConnectedChannels = append(status.ConnectedChannels, platform+"/"+name)
	}
	return status, rows.Err()
}
