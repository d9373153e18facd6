// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package handlers contains HTTP request handlers for the M4Bot admin API.

# Handler Types

Each handler is a struct with database and config dependencies, plus the
runtime collaborators it needs:

  - AuthHandler: registration, login, logout and password reset
  - UserHandler: profile, password, two factor and admin user management
  - PrivacyHandler: privacy settings, data export and account deletion
  - ChannelHandler: channel CRUD and per channel stats
  - CommandHandler: custom commands and command invocation
  - PollHandler: poll lifecycle, voting and live results
  - TimerHandler: timed messages
  - AutomationHandler: automation rules, test runs, events and YAML transfer
  - RewardHandler: point rewards, redemptions and balances
  - DiscordHandler: per channel Discord webhook integration
  - BotHandler: bot start, stop and status
  - BackupHandler: database backups
  - AdminHandler: dashboard stats and the activity log

Handlers are created via constructor functions:

	pollHandler := handlers.NewPollHandler(db, cfg, notifier)

# Authorization

Every channel scoped route resolves the channel with authorizeChannel.
Owners and admins get through; everyone else sees 404 so channel IDs do
not leak. Child resources (commands, polls, timers, rewards) resolve
their parent channel first via authorizeByParent.

# Poll Lifecycle

Polls move draft → active → ended:

	POST /api/polls/{id}/start → StartPoll (one active poll per channel)
	POST /api/polls/{id}/end   → EndPoll (announces results on Discord)

Active polls past their end time are closed by ExpirePolls, which the
server runs on its scheduler.
*/
package handlers
