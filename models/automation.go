package models

import "time"

// Trigger types
const (
	TriggerMessage      = "message"
	TriggerCommand      = "command"
	TriggerFollow       = "follow"
	TriggerSubscription = "subscription"
	TriggerRaid         = "raid"
	TriggerTimer        = "timer"
)

// Condition fields
const (
	FieldUserRole    = "user_role"
	FieldMessage     = "message"
	FieldViewerCount = "viewer_count"
	FieldTimeOfDay   = "time_of_day"
)

// Condition operators
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIn          = "in"
)

// Action types
const (
	ActionSendMessage   = "send_message"
	ActionTimeoutUser   = "timeout_user"
	ActionAddPoints     = "add_points"
	ActionStartPoll     = "start_poll"
	ActionDiscordNotify = "discord_notify"
)

type Trigger struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

type Action struct {
	Type   string            `json:"type" yaml:"type"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

type Automation struct {
	ID              string      `json:"id" yaml:"-"`
	ChannelID       string      `json:"channel_id" yaml:"-"`
	Name            string      `json:"name" yaml:"name"`
	Enabled         bool        `json:"enabled" yaml:"enabled"`
	Trigger         Trigger     `json:"trigger" yaml:"trigger"`
	Conditions      []Condition `json:"conditions" yaml:"conditions,omitempty"`
	Actions         []Action    `json:"actions" yaml:"actions"`
	RunCount        int         `json:"run_count" yaml:"-"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty" yaml:"-"`
	CreatedAt       time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time   `json:"updated_at" yaml:"-"`
}

type AutomationRequest struct {
	Name       string      `json:"name"`
	Enabled    *bool       `json:"enabled"`
	Trigger    Trigger     `json:"trigger"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
}

// Event is something that happened in a channel's chat
type Event struct {
	Type        string `json:"type"`
	User        string `json:"user"`
	UserRole    string `json:"user_role"`
	Message     string `json:"message"`
	Command     string `json:"command"`
	ViewerCount int    `json:"viewer_count"`
	TimeOfDay   string `json:"time_of_day"` // HH:MM, defaults to server time
}

type RenderedAction struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params"`
}

type AutomationTestResponse struct {
	Matched         bool             `json:"matched"`
	FailedCondition *Condition       `json:"failed_condition,omitempty"`
	Actions         []RenderedAction `json:"actions"`
}

type ExecutedAction struct {
	AutomationID string            `json:"automation_id"`
	Type         string            `json:"type"`
	Params       map[string]string `json:"params"`
	Error        string            `json:"error,omitempty"`
}

type EventResponse struct {
	Matched  int              `json:"matched"`
	Executed []ExecutedAction `json:"executed"`
}

type ImportResponse struct {
	Imported int `json:"imported"`
}
