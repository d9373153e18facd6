// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package models defines request, response, and domain types for the API.

Types are grouped by dashboard area:

  - types.go: roles, platforms, pagination, errors, activity logs,
    admin stats, bot status, backups
  - users.go: accounts, profile, password reset, two-factor, privacy center
  - channels.go: channels, commands, timers, rewards, Discord integration
  - polls.go: polls, options, votes, live results
  - automation.go: visual automation rules and chat events

# Poll Status

	PollDraft     = "draft"
	PollActive    = "active"
	PollCompleted = "completed"

# Roles

	RoleAdmin, RoleModerator, RoleUser

Command permissions are ranked everyone < subscriber < moderator < owner,
see PermissionRank.

Automation types carry yaml tags so rule sets can be exported and shared;
identifiers and counters are excluded from the YAML form.
*/
package models
