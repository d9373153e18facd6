package models

import "time"

// Command permission levels, lowest first
const (
	PermissionEveryone   = "everyone"
	PermissionSubscriber = "subscriber"
	PermissionModerator  = "moderator"
	PermissionOwner      = "owner"
)

// PermissionRank orders permission levels; unknown levels rank below everyone
func PermissionRank(level string) int {
	switch level {
	case PermissionEveryone:
		return 0
	case PermissionSubscriber:
		return 1
	case PermissionModerator:
		return 2
	case PermissionOwner:
		return 3
	}
	return -1
}

type ChannelSettings struct {
	Prefix         string `json:"prefix"`
	WelcomeMessage string `json:"welcome_message"`
	AutoModeration bool   `json:"auto_moderation"`
	Language       string `json:"language"`
}

type Channel struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Platform    string          `json:"platform"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	BotEnabled  bool            `json:"bot_enabled"`
	Settings    ChannelSettings `json:"settings"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ChannelRequest struct {
	Platform    string           `json:"platform"`
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name"`
	BotEnabled  *bool            `json:"bot_enabled"`
	Settings    *ChannelSettings `json:"settings"`
}

type ChannelStats struct {
	ChannelID    string         `json:"channel_id"`
	Commands     int            `json:"commands"`
	CommandUses  int64          `json:"command_uses"`
	Polls        map[string]int `json:"polls"`
	ActiveTimers int            `json:"active_timers"`
	Automations  int            `json:"automations"`
	Rewards      int            `json:"rewards"`
	Redemptions  int            `json:"redemptions"`
}

// Commands

type Command struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channel_id"`
	Name            string     `json:"name"`
	Response        string     `json:"response"`
	CooldownSeconds int        `json:"cooldown_seconds"`
	Permission      string     `json:"permission"`
	Enabled         bool       `json:"enabled"`
	UseCount        int        `json:"use_count"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type CommandRequest struct {
	Name            string `json:"name"`
	Response        string `json:"response"`
	CooldownSeconds *int   `json:"cooldown_seconds"`
	Permission      string `json:"permission"`
	Enabled         *bool  `json:"enabled"`
}

type InvokeCommandRequest struct {
	User string `json:"user"`
	Role string `json:"role"` // permission level of the chatter
}

type InvokeCommandResponse struct {
	Command  string `json:"command"`
	Response string `json:"response"`
	UseCount int    `json:"use_count"`
}

// Timers

type Timer struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channel_id"`
	Name            string     `json:"name"`
	Message         string     `json:"message"`
	IntervalSeconds int        `json:"interval_seconds"`
	MinChatLines    int        `json:"min_chat_lines"`
	Enabled         bool       `json:"enabled"`
	RunCount        int        `json:"run_count"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type TimerRequest struct {
	Name            string `json:"name"`
	Message         string `json:"message"`
	IntervalSeconds int    `json:"interval_seconds"`
	MinChatLines    *int   `json:"min_chat_lines"`
	Enabled         *bool  `json:"enabled"`
}

type TimerStatus struct {
	ID               string     `json:"id"`
	Enabled          bool       `json:"enabled"`
	Running          bool       `json:"running"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`
	SecondsUntilNext int        `json:"seconds_until_next"`
	RunCount         int        `json:"run_count"`
}

// Channel point rewards

const (
	RedemptionPending   = "pending"
	RedemptionFulfilled = "fulfilled"
	RedemptionRejected  = "rejected"
)

type Reward struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channel_id"`
	Title           string     `json:"title"`
	Cost            int        `json:"cost"`
	Prompt          string     `json:"prompt"`
	Enabled         bool       `json:"enabled"`
	MaxPerStream    int        `json:"max_per_stream"`
	CooldownSeconds int        `json:"cooldown_seconds"`
	RedemptionCount int        `json:"redemption_count"`
	LastRedeemedAt  *time.Time `json:"last_redeemed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type RewardRequest struct {
	Title           string `json:"title"`
	Cost            int    `json:"cost"`
	Prompt          string `json:"prompt"`
	Enabled         *bool  `json:"enabled"`
	MaxPerStream    *int   `json:"max_per_stream"`
	CooldownSeconds *int   `json:"cooldown_seconds"`
}

type Redemption struct {
	ID         string     `json:"id"`
	RewardID   string     `json:"reward_id"`
	User       string     `json:"user"`
	Input      string     `json:"input,omitempty"`
	Status     string     `json:"status"`
	RedeemedAt time.Time  `json:"redeemed_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type RedeemRequest struct {
	User  string `json:"user"`
	Input string `json:"input"`
}

type PointsBalance struct {
	ChannelID string `json:"channel_id"`
	User      string `json:"user"`
	Balance   int64  `json:"balance"`
}

// Discord integration

type DiscordIntegration struct {
	ChannelID     string     `json:"channel_id"`
	WebhookURL    string     `json:"webhook_url"`
	GuildID       string     `json:"guild_id"`
	NotifyChannel string     `json:"notify_channel"`
	NotifyLive    bool       `json:"notify_live"`
	NotifyPolls   bool       `json:"notify_polls"`
	Enabled       bool       `json:"enabled"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

type DiscordTestResponse struct {
	Delivered bool   `json:"delivered"`
	Message   string `json:"message"`
}
