// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentLength is the longest message Discord accepts
const MaxContentLength = 2000

var (
	ErrInvalidWebhook = errors.New("invalid discord webhook URL")
	ErrDelivery       = errors.New("discord rejected the message")
)

var webhookHosts = map[string]bool{
	"discord.com":        true,
	"discordapp.com":     true,
	"canary.discord.com": true,
	"ptb.discord.com":    true,
}

// ValidateWebhookURL accepts only https Discord webhook endpoints
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be https", ErrInvalidWebhook)
	}
	if !webhookHosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("%w: host %q is not a discord host", ErrInvalidWebhook, u.Hostname())
	}
	if !strings.HasPrefix(u.Path, "/api/webhooks/") || len(u.Path) == len("/api/webhooks/") {
		return fmt.Errorf("%w: path must start with /api/webhooks/", ErrInvalidWebhook)
	}
	return nil
}

// Notifier posts messages to Discord webhooks
type Notifier struct {
	client   *http.Client
	username string
}

func NewNotifier(timeout time.Duration) *Notifier {
	return &Notifier{
		client:   &http.Client{Timeout: timeout},
		username: "M4Bot",
	}
}

type webhookPayload struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

// Send delivers content to the webhook. Any non-2xx reply is wrapped in
// ErrDelivery together with the status code.
func (n *Notifier) Send(ctx context.Context, webhookURL, content string) error {
	if utf8.RuneCountInString(content) > MaxContentLength {
		runes := []rune(content)
		content = string(runes[:MaxContentLength-1]) + "…"
	}

	body, err := json.Marshal(webhookPayload{Content: content, Username: n.username})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach discord: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: status %d: %s", ErrDelivery, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
