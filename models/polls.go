package models

import "time"

// Poll status constants
const (
	PollDraft     = "draft"
	PollActive    = "active"
	PollCompleted = "completed"
)

// Poll limits
const (
	MinPollOptions     = 2
	MaxPollOptions     = 10
	MinPollDuration    = 10
	MaxPollDuration    = 86400
	DefaultPollSeconds = 60
)

type PollOption struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Position   int     `json:"position"`
	Votes      int     `json:"votes"`
	Percentage float64 `json:"percentage"`
}

type Poll struct {
	ID              string       `json:"id"`
	ChannelID       string       `json:"channel_id"`
	Question        string       `json:"question"`
	Options         []PollOption `json:"options"`
	Platforms       []string     `json:"platforms"`
	DurationSeconds int          `json:"duration_seconds"`
	AllowMultiple   bool         `json:"allow_multiple"`
	Status          string       `json:"status"`
	CreatedBy       string       `json:"created_by"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	EndsAt          *time.Time   `json:"ends_at,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
}

// Request types

type CreatePollRequest struct {
	ChannelID       string   `json:"channel_id"`
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	Platforms       []string `json:"platforms"`
	DurationSeconds int      `json:"duration_seconds"`
	AllowMultiple   bool     `json:"allow_multiple"`
}

type VoteRequest struct {
	Voter     string   `json:"voter"`
	Platform  string   `json:"platform"`
	OptionIDs []string `json:"option_ids"`
}

// Response types

type PollList struct {
	Polls []Poll `json:"polls"`
	PageInfo
}

type VoteResponse struct {
	PollID    string   `json:"poll_id"`
	Voter     string   `json:"voter"`
	OptionIDs []string `json:"option_ids"`
	Replaced  bool     `json:"replaced"`
}

type LivePollResponse struct {
	Poll             Poll           `json:"poll"`
	TotalVotes       int            `json:"total_votes"`
	VotesByPlatform  map[string]int `json:"votes_by_platform"`
	RemainingSeconds int            `json:"remaining_seconds"`
	Winners          []string       `json:"winners,omitempty"`
}
