// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const sessionIssuer = "m4bot"

// Claims is the verified content of a session token
type Claims struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
}

type roleClaim struct {
	Role string `json:"role"`
}

// Sessions issues and verifies HS256 session tokens
type Sessions struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSessions derives the signing key from secret. The secret must be at
// least 16 bytes.
func NewSessions(secret string, ttl time.Duration) (*Sessions, error) {
	if len(secret) < 16 {
		return nil, errors.New("session secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	sum := sha256.Sum256([]byte(secret))
	return &Sessions{key: sum[:], ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the user that expires after the configured TTL
func (s *Sessions) Issue(userID, role string) (string, time.Time, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: s.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create signer: %w", err)
	}

	now := s.now()
	expires := now.Add(s.ttl)
	claims := jwt.Claims{
		Issuer:   sessionIssuer,
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(expires),
	}

	token, err := jwt.Signed(signer).Claims(claims).Claims(roleClaim{Role: role}).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session: %w", err)
	}
	return token, expires, nil
}

// Verify checks signature, issuer and expiry
func (s *Sessions) Verify(token string) (Claims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var std jwt.Claims
	var extra roleClaim
	if err := parsed.Claims(s.key, &std, &extra); err != nil {
		return Claims{}, ErrInvalidToken
	}

	err = std.ValidateWithLeeway(jwt.Expected{Issuer: sessionIssuer, Time: s.now()}, 0)
	if errors.Is(err, jwt.ErrExpired) {
		return Claims{}, ErrExpiredToken
	}
	if err != nil || std.Subject == "" {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		UserID:    std.Subject,
		Role:      extra.Role,
		ExpiresAt: std.Expiry.Time(),
	}, nil
}
