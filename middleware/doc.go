// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package middleware wraps the dashboard API handlers: sessions, logging,
CORS and the JSON plumbing every handler shares.

# Sessions

An Authenticator checks the session token and reloads the caller from the
users table on every request, so role changes and disabled accounts take
effect before the token expires:

	authn := middleware.NewAuthenticator(db, sessions)
	mux.HandleFunc("GET /api/admin/stats", authn.Require(h.Stats, models.RoleAdmin))

The token is read from "Authorization: Bearer <token>", or from the
m4bot_session cookie (SessionCookie) set at login. Missing or invalid
tokens get 401, disabled accounts and missing roles get 403. Handlers read
the caller with CurrentUser(r); tests attach one with WithUser.

# Request Logging

	mux.HandleFunc("GET /health", middleware.WithLogging(handler))

Logs the request and its completion with status and duration_ms. 5xx
responses are logged at error level.

# CORS

	handler := middleware.CORS(cfg.BaseURL)(mux)

Only the origin of each given base URL is granted, with credentials. Other
origins get no CORS headers. OPTIONS preflights answer 200 directly.

# JSON Helpers

	middleware.JSONResponse(w, http.StatusOK, data)
	middleware.ErrorResponse(w, http.StatusBadRequest, "message")
	middleware.RetryResponse(w, remaining, "Command is on cooldown")

RetryResponse answers 429 with a Retry-After header. ParseJSONBody decodes
at most 1 MiB and returns io.EOF for an empty body. ParsePage reads page
and per_page (default 20, max 100) from the query.

# Client IP

	ip := middleware.GetClientIP(r)

Prefers X-Forwarded-For, then X-Real-IP, then the remote address. Activity
logs store it hashed.
*/
package middleware
