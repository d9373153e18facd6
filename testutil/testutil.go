// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/db"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

// TestPassword is the password of every user created by CreateTestUser
const TestPassword = "password123"

// SetupTestDB creates a fresh, fully migrated SQLite database for one test
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	auth.PasswordCost = bcrypt.MinCost

	path := filepath.Join(t.TempDir(), "m4bot-test.db")
	conn, err := db.Open(context.Background(), cliparse.DatabaseSQLite, "file:"+path)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	return conn
}

// GetTestConfig returns a standard test configuration
func GetTestConfig() cliparse.Config {
	return cliparse.Config{
		Port:              5000,
		DatabaseURL:       "file:test.db",
		DatabaseType:      cliparse.DatabaseSQLite,
		SessionSecret:     "test-session-secret-0123456789",
		ResetSalt:         "test-reset-salt",
		BackupDir:         "backups",
		MaxBackups:        20,
		SessionTTL:        time.Hour,
		ResetTTL:          time.Hour,
		BaseURL:           "http://localhost:5000",
		LogLevel:          "error",
		LogFormat:         "text",
		SchedulerInterval: 10 * time.Millisecond,
	}
}

// GetTestSessions returns the session issuer matching GetTestConfig
func GetTestSessions(t *testing.T, cfg cliparse.Config) *auth.Sessions {
	t.Helper()
	sessions, err := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		t.Fatalf("Failed to create sessions: %v", err)
	}
	return sessions
}

// CreateTestUser inserts an active user with TestPassword
func CreateTestUser(t *testing.T, conn *sql.DB, username, role string) models.User {
	t.Helper()

	id, _ := auth.GenerateID(16)
	hash, err := auth.HashPassword(TestPassword)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}

	prefs, _ := json.Marshal(models.DefaultPreferences())
	now := time.Now().UTC()
	email := strings.ToLower(username) + "@example.com"

	_, err = conn.Exec(`
		INSERT INTO users (id, username, username_lower, email, password_hash, display_name, role, active, preferences, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, id, username, strings.ToLower(username), email, hash, username, role, true, string(prefs), now)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	return models.User{
		ID:          id,
		Username:    username,
		Email:       email,
		DisplayName: username,
		Role:        role,
		Active:      true,
		Preferences: models.DefaultPreferences(),
		CreatedAt:   now,
	}
}

// TokenFor issues a session token for the user
func TokenFor(t *testing.T, sessions *auth.Sessions, user models.User) string {
	t.Helper()
	token, _, err := sessions.Issue(user.ID, user.Role)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

// CreateTestChannel inserts a bot-enabled twitch channel owned by ownerID
func CreateTestChannel(t *testing.T, conn *sql.DB, ownerID, name string) models.Channel {
	t.Helper()

	id, _ := auth.GenerateID(12)
	now := time.Now().UTC()
	_, err := conn.Exec(`
		INSERT INTO channels (id, owner_id, platform, name, display_name, bot_enabled, prefix, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, ownerID, models.PlatformTwitch, name, name, true, "!", now)
	if err != nil {
		t.Fatalf("Failed to create test channel: %v", err)
	}

	return models.Channel{
		ID:          id,
		OwnerID:     ownerID,
		Platform:    models.PlatformTwitch,
		Name:        name,
		DisplayName: name,
		BotEnabled:  true,
		Settings:    models.ChannelSettings{Prefix: "!", Language: "en"},
		CreatedAt:   now,
	}
}

// CreateTestPoll creates a poll on twitch and youtube with the given options
// and returns its ID and option IDs. status should be "draft", "active" or
// "completed"; active polls end after durationSeconds.
func CreateTestPoll(t *testing.T, conn *sql.DB, channelID, status string, durationSeconds int, options ...string) (string, []string) {
	t.Helper()

	pollID, _ := auth.GenerateID(16)
	now := time.Now().UTC()

	var startedAt, endsAt, endedAt *time.Time
	switch status {
	case models.PollActive:
		ends := now.Add(time.Duration(durationSeconds) * time.Second)
		startedAt, endsAt = &now, &ends
	case models.PollCompleted:
		startedAt, endsAt, endedAt = &now, &now, &now
	}

	_, err := conn.Exec(`
		INSERT INTO polls (id, channel_id, question, platforms, duration_seconds, allow_multiple, status, created_by, created_at, started_at, ends_at, ended_at)
		VALUES ($1, $2, 'Test poll?', 'twitch,youtube', $3, $4, $5, 'tester', $6, $7, $8, $9)
	`, pollID, channelID, durationSeconds, false, status, now, startedAt, endsAt, endedAt)
	if err != nil {
		t.Fatalf("Failed to create test poll: %v", err)
	}

	optionIDs := make([]string, 0, len(options))
	for i, label := range options {
		optionID, _ := auth.GenerateID(12)
		_, err := conn.Exec(`
			INSERT INTO poll_options (id, poll_id, label, position)
			VALUES ($1, $2, $3, $4)
		`, optionID, pollID, label, i)
		if err != nil {
			t.Fatalf("Failed to create test option: %v", err)
		}
		optionIDs = append(optionIDs, optionID)
	}

	return pollID, optionIDs
}

// MakeRequest creates an HTTP test request
func MakeRequest(method, path string, body interface{}, headers map[string]string) *http.Request {
	var req *http.Request
	if body != nil {
		var payload []byte
		if raw, ok := body.(string); ok {
			payload = []byte(raw)
		} else {
			payload, _ = json.Marshal(body)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req
}

// AuthedRequest creates a request that already carries the session user,
// for calling handler methods directly
func AuthedRequest(method, path string, body interface{}, user models.User) *http.Request {
	req := MakeRequest(method, path, body, nil)
	return req.WithContext(middleware.WithUser(req.Context(), models.SessionUser{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
	}))
}

// AssertStatus checks that the response has the expected status code
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("Expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// AssertJSON decodes the response body into the provided struct
func AssertJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode JSON response: %v", err)
	}
}
