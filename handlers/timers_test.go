// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4bot/m4bot-server/models"
	"github.com/m4bot/m4bot-server/testutil"
)

func timerRequest(method, id string, body interface{}, user models.User) *http.Request {
	req := testutil.AuthedRequest(method, "/api/timers/"+id, body, user)
	req.SetPathValue("id", id)
	return req
}

func createTimer(t *testing.T, handler *TimerHandler, f *fixture, req models.TimerRequest) models.Timer {
	t.Helper()
	w := httptest.NewRecorder()
	handler.CreateTimer(w, channelRequest("POST", f.channel.ID, req, f.owner))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var timer models.Timer
	testutil.AssertJSON(t, w, &timer)
	return timer
}

func TestCreateTimerValidation(t *testing.T) {
	f := newFixture(t)
	handler := NewTimerHandler(f.db, f.cfg, &fakeRuntime{})

	tests := []struct {
		name string
		req  models.TimerRequest
	}{
		{"missing name", models.TimerRequest{Message: "m", IntervalSeconds: 300}},
		{"missing message", models.TimerRequest{Name: "n", IntervalSeconds: 300}},
		{"interval too short", models.TimerRequest{Name: "n", Message: "m", IntervalSeconds: 59}},
		{"interval too long", models.TimerRequest{Name: "n", Message: "m", IntervalSeconds: 86401}},
		{"negative chat lines", models.TimerRequest{Name: "n", Message: "m", IntervalSeconds: 300, MinChatLines: intPtr(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.CreateTimer(w, channelRequest("POST", f.channel.ID, tt.req, f.owner))
			testutil.AssertStatus(t, w, http.StatusBadRequest)
		})
	}
}

func TestTimerLifecycle(t *testing.T) {
	f := newFixture(t)
	runtime := &fakeRuntime{}
	handler := NewTimerHandler(f.db, f.cfg, runtime)

	before := time.Now().UTC()
	timer := createTimer(t, handler, f, models.TimerRequest{Name: "socials", Message: "Follow us!", IntervalSeconds: 600})
	assert.True(t, timer.Enabled)
	require.NotNil(t, timer.NextRunAt)
	assert.WithinDuration(t, before.Add(600*time.Second), *timer.NextRunAt, 5*time.Second)

	// Status while the bot is stopped
	w := httptest.NewRecorder()
	handler.TimerStatus(w, timerRequest("GET", timer.ID, nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	var status models.TimerStatus
	testutil.AssertJSON(t, w, &status)
	assert.True(t, status.Enabled)
	assert.False(t, status.Running)
	assert.InDelta(t, 600, status.SecondsUntilNext, 5)

	runtime.Start(t.Context())
	w = httptest.NewRecorder()
	handler.TimerStatus(w, timerRequest("GET", timer.ID, nil, f.owner))
	testutil.AssertJSON(t, w, &status)
	assert.True(t, status.Running)

	// Changing the interval reschedules
	w = httptest.NewRecorder()
	handler.UpdateTimer(w, timerRequest("PUT", timer.ID, models.TimerRequest{IntervalSeconds: 120}, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	var updated models.Timer
	testutil.AssertJSON(t, w, &updated)
	assert.Equal(t, "Follow us!", updated.Message)
	require.NotNil(t, updated.NextRunAt)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), *updated.NextRunAt, 5*time.Second)

	// Toggle off then on
	w = httptest.NewRecorder()
	handler.ToggleTimer(w, timerRequest("POST", timer.ID, nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.AssertJSON(t, w, &updated)
	assert.False(t, updated.Enabled)

	w = httptest.NewRecorder()
	handler.TimerStatus(w, timerRequest("GET", timer.ID, nil, f.owner))
	testutil.AssertJSON(t, w, &status)
	assert.False(t, status.Running)

	w = httptest.NewRecorder()
	handler.ToggleTimer(w, timerRequest("POST", timer.ID, nil, f.owner))
	testutil.AssertJSON(t, w, &updated)
	assert.True(t, updated.Enabled)

	// Strangers see nothing
	w = httptest.NewRecorder()
	handler.DeleteTimer(w, timerRequest("DELETE", timer.ID, nil, f.other))
	testutil.AssertStatus(t, w, http.StatusNotFound)

	w = httptest.NewRecorder()
	handler.ListTimers(w, channelRequest("GET", f.channel.ID, nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	var timers []models.Timer
	testutil.AssertJSON(t, w, &timers)
	assert.Len(t, timers, 1)

	w = httptest.NewRecorder()
	handler.DeleteTimer(w, timerRequest("DELETE", timer.ID, nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusNoContent)

	w = httptest.NewRecorder()
	handler.TimerStatus(w, timerRequest("GET", timer.ID, nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusNotFound)
}
