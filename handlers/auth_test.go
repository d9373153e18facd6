// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
	"github.com/m4bot/m4bot-server/testutil"
)

func newAuthHandler(t *testing.T, f *fixture) *AuthHandler {
	return NewAuthHandler(f.db, f.cfg, testutil.GetTestSessions(t, f.cfg))
}

func TestRegister(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	cfg := testutil.GetTestConfig()
	handler := NewAuthHandler(db, cfg, testutil.GetTestSessions(t, cfg))

	register := func(req models.RegisterRequest) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.Register(w, testutil.MakeRequest("POST", "/api/auth/register", req, nil))
		return w
	}

	tests := []struct {
		name   string
		req    models.RegisterRequest
		status int
	}{
		{"short username", models.RegisterRequest{Username: "ab", Email: "ab@example.com", Password: "password123"}, http.StatusBadRequest},
		{"bad username", models.RegisterRequest{Username: "bad name", Email: "x@example.com", Password: "password123"}, http.StatusBadRequest},
		{"bad email", models.RegisterRequest{Username: "alice", Email: "not-an-email", Password: "password123"}, http.StatusBadRequest},
		{"weak password", models.RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "short"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertStatus(t, register(tt.req), tt.status)
		})
	}

	w := register(models.RegisterRequest{Username: "Alice", Email: "Alice@Example.com", Password: "password123"})
	testutil.AssertStatus(t, w, http.StatusCreated)
	var first models.User
	testutil.AssertJSON(t, w, &first)
	assert.Equal(t, models.RoleAdmin, first.Role)
	assert.Equal(t, "alice@example.com", first.Email)

	w = register(models.RegisterRequest{Username: "bob", Email: "bob@example.com", Password: "password123"})
	testutil.AssertStatus(t, w, http.StatusCreated)
	var second models.User
	testutil.AssertJSON(t, w, &second)
	assert.Equal(t, models.RoleUser, second.Role)

	// usernames are unique regardless of case
	w = register(models.RegisterRequest{Username: "ALICE", Email: "other@example.com", Password: "password123"})
	testutil.AssertStatus(t, w, http.StatusConflict)

	w = register(models.RegisterRequest{Username: "carol", Email: "bob@example.com", Password: "password123"})
	testutil.AssertStatus(t, w, http.StatusConflict)

	var privacyRows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM privacy_settings`).Scan(&privacyRows))
	assert.Equal(t, 2, privacyRows)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	handler := newAuthHandler(t, f)
	sessions := testutil.GetTestSessions(t, f.cfg)

	login := func(req models.LoginRequest) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.Login(w, testutil.MakeRequest("POST", "/api/auth/login", req, nil))
		return w
	}

	testutil.AssertStatus(t, login(models.LoginRequest{Username: "streamer"}), http.StatusBadRequest)
	testutil.AssertStatus(t, login(models.LoginRequest{Username: "streamer", Password: "wrong-password"}), http.StatusUnauthorized)
	testutil.AssertStatus(t, login(models.LoginRequest{Username: "nobody", Password: testutil.TestPassword}), http.StatusUnauthorized)

	w := login(models.LoginRequest{Username: "STREAMER", Password: testutil.TestPassword})
	testutil.AssertStatus(t, w, http.StatusOK)
	var resp models.LoginResponse
	testutil.AssertJSON(t, w, &resp)
	assert.Equal(t, f.owner.ID, resp.User.ID)
	assert.NotNil(t, resp.User.LastLoginAt)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	claims, err := sessions.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, f.owner.ID, claims.UserID)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, middleware.SessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	// email works as the login name too
	testutil.AssertStatus(t, login(models.LoginRequest{Username: f.owner.Email, Password: testutil.TestPassword}), http.StatusOK)

	_, err = f.db.Exec(`UPDATE users SET active = $1 WHERE id = $2`, false, f.other.ID)
	require.NoError(t, err)
	testutil.AssertStatus(t, login(models.LoginRequest{Username: "lurker", Password: testutil.TestPassword}), http.StatusForbidden)
}

func TestLoginTwoFactor(t *testing.T) {
	f := newFixture(t)
	handler := newAuthHandler(t, f)
	users := NewUserHandler(f.db, f.cfg)

	w := httptest.NewRecorder()
	users.SetupTwoFactor(w, testutil.AuthedRequest("POST", "/api/users/me/2fa/setup", nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	var setup models.TwoFactorSetupResponse
	testutil.AssertJSON(t, w, &setup)
	assert.Contains(t, setup.OTPAuthURL, "otpauth://")

	w = httptest.NewRecorder()
	users.EnableTwoFactor(w, testutil.AuthedRequest("POST", "/api/users/me/2fa/enable", models.TwoFactorCodeRequest{Code: "000000"}, f.owner))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	w = httptest.NewRecorder()
	users.EnableTwoFactor(w, testutil.AuthedRequest("POST", "/api/users/me/2fa/enable", models.TwoFactorCodeRequest{Code: code}, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	handler.Login(w, testutil.MakeRequest("POST", "/api/auth/login", models.LoginRequest{Username: "streamer", Password: testutil.TestPassword}, nil))
	testutil.AssertStatus(t, w, http.StatusUnauthorized)
	var errResp models.ErrorResponse
	testutil.AssertJSON(t, w, &errResp)
	assert.Equal(t, "totp_required", errResp.Message)

	code, err = totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	w = httptest.NewRecorder()
	handler.Login(w, testutil.MakeRequest("POST", "/api/auth/login", models.LoginRequest{Username: "streamer", Password: testutil.TestPassword, TOTPCode: code}, nil))
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	users.DisableTwoFactor(w, testutil.AuthedRequest("POST", "/api/users/me/2fa/disable", models.TwoFactorCodeRequest{Code: code}, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	var user models.User
	testutil.AssertJSON(t, w, &user)
	assert.False(t, user.TwoFactorEnabled)
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	f.cfg.DevMode = true
	handler := newAuthHandler(t, f)

	request := func(email string) models.PasswordResetRequestResponse {
		w := httptest.NewRecorder()
		handler.RequestPasswordReset(w, testutil.MakeRequest("POST", "/api/auth/password-reset/request", models.PasswordResetRequest{Email: email}, nil))
		testutil.AssertStatus(t, w, http.StatusAccepted)
		var resp models.PasswordResetRequestResponse
		testutil.AssertJSON(t, w, &resp)
		return resp
	}
	verify := func(token string) bool {
		w := httptest.NewRecorder()
		handler.VerifyPasswordReset(w, testutil.MakeRequest("GET", "/api/auth/password-reset/verify?token="+token, nil, nil))
		testutil.AssertStatus(t, w, http.StatusOK)
		var resp models.VerifyResetResponse
		testutil.AssertJSON(t, w, &resp)
		return resp.Valid
	}
	confirm := func(req models.PasswordResetConfirmRequest) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ConfirmPasswordReset(w, testutil.MakeRequest("POST", "/api/auth/password-reset/confirm", req, nil))
		return w
	}

	// unknown addresses get the same answer and no token
	unknown := request("ghost@example.com")
	assert.Empty(t, unknown.Token)
	assert.NotEmpty(t, unknown.Message)

	first := request(f.owner.Email).Token
	second := request(f.owner.Email).Token
	require.NotEmpty(t, first)
	assert.True(t, verify(first))
	assert.False(t, verify("bogus"))

	w := confirm(models.PasswordResetConfirmRequest{Token: first, Password: "new-password-1", PasswordConfirm: "different"})
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = confirm(models.PasswordResetConfirmRequest{Token: first, Password: "new-password-1", PasswordConfirm: "new-password-1"})
	testutil.AssertStatus(t, w, http.StatusOK)

	// used and sibling tokens are both dead
	assert.False(t, verify(first))
	assert.False(t, verify(second))
	w = confirm(models.PasswordResetConfirmRequest{Token: second, Password: "new-password-2", PasswordConfirm: "new-password-2"})
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = httptest.NewRecorder()
	handler.Login(w, testutil.MakeRequest("POST", "/api/auth/login", models.LoginRequest{Username: "streamer", Password: "new-password-1"}, nil))
	testutil.AssertStatus(t, w, http.StatusOK)
}

func TestPasswordResetExpiry(t *testing.T) {
	f := newFixture(t)
	f.cfg.DevMode = true
	handler := newAuthHandler(t, f)

	w := httptest.NewRecorder()
	handler.RequestPasswordReset(w, testutil.MakeRequest("POST", "/api/auth/password-reset/request", models.PasswordResetRequest{Email: f.owner.Email}, nil))
	var resp models.PasswordResetRequestResponse
	testutil.AssertJSON(t, w, &resp)

	_, err := f.db.Exec(`UPDATE password_resets SET expires_at = $1`, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)

	w = httptest.NewRecorder()
	handler.ConfirmPasswordReset(w, testutil.MakeRequest("POST", "/api/auth/password-reset/confirm", models.PasswordResetConfirmRequest{
		Token: resp.Token, Password: "new-password-1", PasswordConfirm: "new-password-1",
	}, nil))
	testutil.AssertStatus(t, w, http.StatusBadRequest)
}
