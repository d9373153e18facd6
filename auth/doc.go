// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package auth provides password hashing, session tokens and the small
secrets used across the API.

# Passwords

Passwords are hashed with bcrypt and must be 8 to 72 bytes long:

	hash, err := auth.HashPassword(password)
	err = auth.CheckPassword(hash, candidate) // ErrBadPassword on mismatch

# Sessions

Session tokens are compact HS256 JWTs signed with a key derived from the
configured session secret:

	sessions, err := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
	token, expiresAt, err := sessions.Issue(userID, role)
	claims, err := sessions.Verify(token)

Verify returns ErrExpiredToken or ErrInvalidToken.

# Password Reset Tokens

	token, hash, err := auth.GenerateResetToken(cfg.ResetSalt)

The token is sent to the user; only the HMAC hash is stored, so a leaked
database does not leak usable reset links.

# Two-Factor

TOTP secrets come from github.com/pquerna/otp:

	key, err := auth.NewTOTPKey("M4Bot", username)
	ok := auth.ValidateTOTP(code, key.Secret())

# IP Hashing

Activity logs keep a salted hash of the client address:

	hash := auth.HashIP(ipAddress, salt)
*/
package auth
