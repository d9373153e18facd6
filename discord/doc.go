// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Package discord delivers bot notifications through Discord webhooks.
//
// Webhook URLs are validated when an integration is saved; Send itself posts
// to whatever URL it is given so tests can point it at a local server.
package discord
