// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package bot holds the bot runtime.

The Runtime is started and stopped from the admin API. While running it
owns a scheduler goroutine that fires channel timers; messages leave through
a Sender. DispatchSender posts to Discord webhooks for discord channels and
logs everything else, since connecting to chat platforms is outside this
server.
*/
package bot
