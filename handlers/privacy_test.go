// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4bot/m4bot-server/models"
	"github.com/m4bot/m4bot-server/testutil"
)

func TestPrivacySettings(t *testing.T) {
	f := newFixture(t)
	handler := NewPrivacyHandler(f.db, f.cfg)

	w := httptest.NewRecorder()
	handler.GetSettings(w, testutil.AuthedRequest("GET", "/api/privacy/settings", nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	var settings models.PrivacySettings
	testutil.AssertJSON(t, w, &settings)
	assert.Equal(t, models.DefaultPrivacySettings().DataRetentionDays, settings.DataRetentionDays)
	assert.Nil(t, settings.UpdatedAt)

	for _, days := range []int{0, 29, 3651} {
		w = httptest.NewRecorder()
		handler.UpdateSettings(w, testutil.AuthedRequest("PUT", "/api/privacy/settings",
			models.PrivacySettings{DataRetentionDays: days}, f.owner))
		testutil.AssertStatus(t, w, http.StatusBadRequest)
	}

	w = httptest.NewRecorder()
	handler.UpdateSettings(w, testutil.AuthedRequest("PUT", "/api/privacy/settings",
		models.PrivacySettings{AnalyticsConsent: true, PublicProfile: true, DataRetentionDays: 90}, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	handler.GetSettings(w, testutil.AuthedRequest("GET", "/api/privacy/settings", nil, f.owner))
	settings = models.PrivacySettings{}
	testutil.AssertJSON(t, w, &settings)
	assert.True(t, settings.AnalyticsConsent)
	assert.False(t, settings.MarketingConsent)
	assert.Equal(t, 90, settings.DataRetentionDays)
	assert.NotNil(t, settings.UpdatedAt)
}

func TestPrivacyExport(t *testing.T) {
	f := newFixture(t)
	handler := NewPrivacyHandler(f.db, f.cfg)

	w := httptest.NewRecorder()
	handler.Export(w, testutil.AuthedRequest("GET", "/api/privacy/export", nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "m4bot-export-streamer.json")

	var export models.DataExport
	testutil.AssertJSON(t, w, &export)
	assert.Equal(t, f.owner.ID, export.User.ID)
	require.Len(t, export.Channels, 1)
	assert.Equal(t, f.channel.ID, export.Channels[0].ID)
	assert.Empty(t, export.Polls)
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t)
	handler := NewPrivacyHandler(f.db, f.cfg)

	del := func(user models.User, req models.DeleteAccountRequest) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.DeleteAccount(w, testutil.AuthedRequest("POST", "/api/privacy/delete-account", req, user))
		return w
	}

	testutil.AssertStatus(t, del(f.owner, models.DeleteAccountRequest{Password: testutil.TestPassword, Confirm: "yes"}), http.StatusBadRequest)
	testutil.AssertStatus(t, del(f.owner, models.DeleteAccountRequest{Password: "wrong-password", Confirm: "DELETE"}), http.StatusForbidden)
	testutil.AssertStatus(t, del(f.admin, models.DeleteAccountRequest{Password: testutil.TestPassword, Confirm: "DELETE"}), http.StatusConflict)

	recordActivity(testutil.AuthedRequest("GET", "/", nil, f.owner), f.db, f.cfg, "login", "", "")

	w := del(f.owner, models.DeleteAccountRequest{Password: testutil.TestPassword, Confirm: "DELETE"})
	testutil.AssertStatus(t, w, http.StatusOK)

	var users, channels, orphaned int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM users WHERE id = $1`, f.owner.ID).Scan(&users))
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM channels WHERE owner_id = $1`, f.owner.ID).Scan(&channels))
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM activity_logs WHERE username = $1 AND user_id IS NULL`, "streamer").Scan(&orphaned))
	assert.Zero(t, users)
	assert.Zero(t, channels)
	assert.Equal(t, 2, orphaned)
}
