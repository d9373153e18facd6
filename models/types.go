package models

import "time"

// User roles
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleUser      = "user"
)

// Streaming platforms
const (
	PlatformTwitch  = "twitch"
	PlatformYouTube = "youtube"
	PlatformDiscord = "discord"
)

// ValidPlatform reports whether p is a supported platform
func ValidPlatform(p string) bool {
	switch p {
	case PlatformTwitch, PlatformYouTube, PlatformDiscord:
		return true
	}
	return false
}

// SessionUser is the authenticated caller attached to a request
type SessionUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (u SessionUser) IsAdmin() bool {
	return u.Role == RoleAdmin
}

type PageInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPageInfo fills in the page count for a result set
func NewPageInfo(page, perPage, total int) PageInfo {
	pages := 0
	if perPage > 0 {
		pages = (total + perPage - 1) / perPage
	}
	return PageInfo{Page: page, PerPage: perPage, Total: total, TotalPages: pages}
}

type MessageResponse struct {
	Message string `json:"message"`
}

// Error response

type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Activity log

type ActivityLog struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"user_id,omitempty"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Details   string    `json:"details,omitempty"`
	IPHash    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Age       string    `json:"age"`
}

type ActivityLogList struct {
	Logs []ActivityLog `json:"logs"`
	PageInfo
}

// Admin dashboard

type UserStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Admins int `json:"admins"`
}

type ChannelCounts struct {
	Total      int `json:"total"`
	BotEnabled int `json:"bot_enabled"`
}

type CommandCounts struct {
	Total int   `json:"total"`
	Uses  int64 `json:"uses"`
}

type BackupCounts struct {
	Count      int    `json:"count"`
	TotalBytes int64  `json:"total_bytes"`
	TotalSize  string `json:"total_size"`
}

type AdminStats struct {
	Users    UserStats      `json:"users"`
	Channels ChannelCounts  `json:"channels"`
	Polls    map[string]int `json:"polls"`
	Commands CommandCounts  `json:"commands"`
	Backups  BackupCounts   `json:"backups"`
	Bot      BotStatus      `json:"bot"`
}

// Bot control

type BotStatus struct {
	Running           bool       `json:"running"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	StoppedAt         *time.Time `json:"stopped_at,omitempty"`
	UptimeSeconds     int64      `json:"uptime_seconds"`
	Uptime            string     `json:"uptime"`
	ConnectedChannels []string   `json:"connected_channels"`
	ProcessedCommands int64      `json:"processed_commands"`
}

// Backups

type Backup struct {
	ID        string         `json:"id"`
	Filename  string         `json:"filename"`
	SizeBytes int64          `json:"size_bytes"`
	Size      string         `json:"size"`
	Checksum  string         `json:"checksum"`
	Tables    map[string]int `json:"tables"`
	Note      string         `json:"note,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Age       string         `json:"age"`
}

type CreateBackupRequest struct {
	Note string `json:"note"`
}

type DeleteBackupRequest struct {
	BackupID string `json:"backup_id"`
}

type RestoreBackupResponse struct {
	Backup  Backup         `json:"backup"`
	Tables  map[string]int `json:"tables"`
	Message string         `json:"message"`
}
