// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Package scheduler runs periodic jobs on a fixed tick.
//
// The server uses one scheduler for poll expiry, which runs whether or not
// the bot is running, and the bot runtime owns a second one for timers.
package scheduler
