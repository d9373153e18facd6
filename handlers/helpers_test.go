// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/m4bot/m4bot-server/bot"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/models"
	"github.com/m4bot/m4bot-server/testutil"
)

// fixture is a database with an admin, a channel owner, an unrelated user
// and one twitch channel owned by the owner
type fixture struct {
	db      *sql.DB
	cfg     cliparse.Config
	admin   models.User
	owner   models.User
	other   models.User
	channel models.Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, cfg: testutil.GetTestConfig()}
	f.admin = testutil.CreateTestUser(t, db, "admin", models.RoleAdmin)
	f.owner = testutil.CreateTestUser(t, db, "streamer", models.RoleUser)
	f.other = testutil.CreateTestUser(t, db, "lurker", models.RoleUser)
	f.channel = testutil.CreateTestChannel(t, db, f.owner.ID, "streamer")
	return f
}

func (f *fixture) enableDiscord(t *testing.T, channelID string, notifyPolls bool) {
	t.Helper()
	_, err := f.db.Exec(`
		INSERT INTO discord_integrations (channel_id, webhook_url, notify_polls, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, channelID, "https://discord.com/api/webhooks/1/abc", notifyPolls, true, time.Now().UTC())
	if err != nil {
		t.Fatalf("Failed to enable discord: %v", err)
	}
}

// fakeNotifier records webhook posts
type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (n *fakeNotifier) Send(ctx context.Context, webhookURL, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, content)
	return nil
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

// fakeSender records chat messages
type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) Send(ctx context.Context, channel models.Channel, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, channel.Name+": "+message)
	return nil
}

// fakeRuntime is a BotRuntime without goroutines
type fakeRuntime struct {
	mu       sync.Mutex
	running  bool
	observed map[string]int
}

func (rt *fakeRuntime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.running {
		return bot.ErrAlreadyRunning
	}
	rt.running = true
	return nil
}

func (rt *fakeRuntime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.running {
		return bot.ErrNotRunning
	}
	rt.running = false
	return nil
}

func (rt *fakeRuntime) Running() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.running
}

func (rt *fakeRuntime) Status(ctx context.Context) (models.BotStatus, error) {
	return models.BotStatus{Running: rt.Running(), Uptime: "stopped", ConnectedChannels: []string{}}, nil
}

func (rt *fakeRuntime) ObserveChat(channelID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.observed == nil {
		rt.observed = map[string]int{}
	}
	rt.observed[channelID]++
}
