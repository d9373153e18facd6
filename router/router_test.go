// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package router

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/backup"
	"github.com/m4bot/m4bot-server/bot"
	"github.com/m4bot/m4bot-server/discord"
	"github.com/m4bot/m4bot-server/models"
	"github.com/m4bot/m4bot-server/testutil"
)

func newTestRouter(t *testing.T) (http.Handler, *sql.DB, *auth.Sessions) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { db.Close() })

	cfg := testutil.GetTestConfig()
	sessions := testutil.GetTestSessions(t, cfg)
	notifier := discord.NewNotifier(time.Second)
	sender := bot.NewDispatchSender(db, notifier)
	runtime := bot.NewRuntime(db, sender, cfg.SchedulerInterval)
	t.Cleanup(runtime.Close)

	mux := NewRouter(Deps{
		DB:       db,
		Config:   cfg,
		Sessions: sessions,
		Runtime:  runtime,
		Backups:  backup.NewManager(db, t.TempDir(), cfg.MaxBackups),
		Notifier: notifier,
		Sender:   sender,
	})
	return mux, db, sessions
}

func TestHealthEndpoint(t *testing.T) {
	mux, _, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestRootEndpoint(t *testing.T) {
	mux, _, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "M4Bot API v1", w.Body.String())

	// Only the exact root is served
	req = httptest.NewRequest("GET", "/nope", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	mux, _, _ := newTestRouter(t)

	testCases := []struct {
		method string
		path   string
	}{
		{"GET", "/api/users/me"},
		{"GET", "/api/channels"},
		{"POST", "/api/polls"},
		{"POST", "/api/polls/create"},
		{"GET", "/api/polls/p1/live"},
		{"GET", "/api/bot/status"},
		{"POST", "/api/bot/start"},
		{"GET", "/api/timer/t1/status"},
		{"POST", "/api/automations/a1/test"},
		{"POST", "/api/rewards/r1/redeem"},
		{"GET", "/api/channels/c1/discord"},
		{"POST", "/create_backup"},
		{"POST", "/restore_backup/b1"},
		{"POST", "/delete_backup"},
		{"GET", "/api/backups"},
		{"GET", "/api/admin/stats"},
		{"GET", "/api/privacy/export"},
	}

	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestPublicAuthRoutes(t *testing.T) {
	mux, _, _ := newTestRouter(t)

	testCases := []struct {
		method string
		path   string
	}{
		{"POST", "/api/auth/register"},
		{"POST", "/api/auth/login"},
		{"POST", "/api/auth/password-reset/request"},
		{"GET", "/api/auth/password-reset/verify"},
		{"POST", "/api/auth/password-reset/confirm"},
	}

	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			// Reaches the handler, which validates the empty request itself
			assert.NotEqual(t, http.StatusUnauthorized, w.Code)
			assert.NotEqual(t, http.StatusNotFound, w.Code)
			assert.NotEqual(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestAdminRoutesRejectUsers(t *testing.T) {
	mux, db, sessions := newTestRouter(t)
	user := testutil.CreateTestUser(t, db, "viewer", models.RoleUser)
	token := testutil.TokenFor(t, sessions, user)

	paths := []struct {
		method string
		path   string
	}{
		{"POST", "/api/bot/start"},
		{"POST", "/api/bot/stop"},
		{"GET", "/api/admin/stats"},
		{"GET", "/api/admin/activity-logs"},
		{"GET", "/api/backups"},
		{"POST", "/create_backup"},
		{"PUT", "/api/admin/users/x/role"},
		{"GET", "/api/users/search"},
	}

	for _, tc := range paths {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			assert.Equal(t, http.StatusForbidden, w.Code)
		})
	}
}

func TestAuthenticatedRequest(t *testing.T) {
	mux, db, sessions := newTestRouter(t)
	admin := testutil.CreateTestUser(t, db, "admin", models.RoleAdmin)
	token := testutil.TokenFor(t, sessions, admin)

	req := httptest.NewRequest("GET", "/api/bot/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var status models.BotStatus
	testutil.AssertJSON(t, w, &status)
	assert.False(t, status.Running)
}

func TestMethodNotAllowed(t *testing.T) {
	mux, _, _ := newTestRouter(t)

	testCases := []struct {
		method string
		path   string
	}{
		{"POST", "/health"},
		{"PATCH", "/api/polls/p1/live"},
		{"GET", "/create_backup"},
	}

	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	mux, _, _ := newTestRouter(t)

	req := httptest.NewRequest("OPTIONS", "/api/channels", nil)
	req.Header.Set("Origin", "http://localhost:5000")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:5000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/channels", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRestoreKeepsRestoringAdminSignedIn(t *testing.T) {
	mux, db, sessions := newTestRouter(t)
	first := testutil.CreateTestUser(t, db, "first", models.RoleAdmin)

	do := func(method, path string, user models.User) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+testutil.TokenFor(t, sessions, user))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	w := do("POST", "/create_backup", first)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var b models.Backup
	testutil.AssertJSON(t, w, &b)

	second := testutil.CreateTestUser(t, db, "second", models.RoleAdmin)
	w = do("POST", "/restore_backup/"+b.ID, second)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do("GET", "/api/users/me", second)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var me models.User
	testutil.AssertJSON(t, w, &me)
	assert.Equal(t, second.ID, me.ID)
	assert.Equal(t, models.RoleAdmin, me.Role)

	w = do("GET", "/api/admin/stats", second)
	assert.Equal(t, http.StatusOK, w.Code)
}
