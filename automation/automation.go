// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package automation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/m4bot/m4bot-server/models"
)

var ErrInvalid = errors.New("invalid automation")

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

var triggers = map[string]bool{
	models.TriggerMessage:      true,
	models.TriggerCommand:      true,
	models.TriggerFollow:       true,
	models.TriggerSubscription: true,
	models.TriggerRaid:         true,
	models.TriggerTimer:        true,
}

// operators allowed per condition field
var operators = map[string]map[string]bool{
	models.FieldUserRole: {
		models.OpEquals: true, models.OpNotEquals: true, models.OpIn: true,
		models.OpGreaterThan: true, models.OpLessThan: true,
	},
	models.FieldMessage: {
		models.OpEquals: true, models.OpNotEquals: true, models.OpContains: true, models.OpIn: true,
	},
	models.FieldViewerCount: {
		models.OpEquals: true, models.OpNotEquals: true, models.OpIn: true,
		models.OpGreaterThan: true, models.OpLessThan: true,
	},
	models.FieldTimeOfDay: {
		models.OpEquals: true, models.OpNotEquals: true, models.OpIn: true,
		models.OpGreaterThan: true, models.OpLessThan: true,
	},
}

// required params per action type
var actionParams = map[string][]string{
	models.ActionSendMessage:   {"message"},
	models.ActionTimeoutUser:   {"duration"},
	models.ActionAddPoints:     {"amount"},
	models.ActionStartPoll:     {"poll_id"},
	models.ActionDiscordNotify: {"message"},
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the trigger, every condition and every action
func Validate(a models.Automation) error {
	if name := strings.TrimSpace(a.Name); name == "" || utf8.RuneCountInString(name) > 64 {
		return invalid("name must be 1-64 characters")
	}
	if !triggers[a.Trigger.Type] {
		return invalid("unknown trigger type %q", a.Trigger.Type)
	}

	for i, c := range a.Conditions {
		ops, ok := operators[c.Field]
		if !ok {
			return invalid("condition %d: unknown field %q", i+1, c.Field)
		}
		if !ops[c.Operator] {
			return invalid("condition %d: operator %q does not apply to %s", i+1, c.Operator, c.Field)
		}
		if err := validateValue(c); err != nil {
			return invalid("condition %d: %v", i+1, err)
		}
	}

	if len(a.Actions) == 0 {
		return invalid("at least one action is required")
	}
	for i, act := range a.Actions {
		required, ok := actionParams[act.Type]
		if !ok {
			return invalid("action %d: unknown action type %q", i+1, act.Type)
		}
		for _, p := range required {
			if strings.TrimSpace(act.Params[p]) == "" {
				return invalid("action %d: %s needs param %q", i+1, act.Type, p)
			}
		}
		switch act.Type {
		case models.ActionTimeoutUser:
			if n, err := strconv.Atoi(act.Params["duration"]); err != nil || n <= 0 {
				return invalid("action %d: duration must be a positive number of seconds", i+1)
			}
		case models.ActionAddPoints:
			if _, err := strconv.ParseInt(act.Params["amount"], 10, 64); err != nil {
				return invalid("action %d: amount must be a whole number", i+1)
			}
		}
	}
	return nil
}

func listValues(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateValue(c models.Condition) error {
	values := []string{c.Value}
	if c.Operator == models.OpIn {
		values = listValues(c.Value)
		if len(values) == 0 {
			return errors.New("in needs a comma separated list")
		}
	}

	for _, v := range values {
		switch c.Field {
		case models.FieldViewerCount:
			if _, err := strconv.Atoi(strings.TrimSpace(v)); err != nil {
				return fmt.Errorf("viewer_count value %q is not a number", v)
			}
		case models.FieldTimeOfDay:
			if !clockPattern.MatchString(strings.TrimSpace(v)) {
				return fmt.Errorf("time_of_day value %q must be HH:MM", v)
			}
		case models.FieldUserRole:
			if models.PermissionRank(strings.TrimSpace(v)) < 0 {
				return fmt.Errorf("unknown role %q", v)
			}
		}
	}
	return nil
}

// MatchTrigger reports whether the event fires the trigger. Message
// triggers match on a case-insensitive substring, command triggers on the
// command name; an empty trigger value matches every event of the type.
func MatchTrigger(t models.Trigger, ev models.Event) bool {
	if t.Type != ev.Type {
		return false
	}
	value := strings.ToLower(strings.TrimSpace(t.Value))
	if value == "" {
		return true
	}

	switch t.Type {
	case models.TriggerMessage:
		return strings.Contains(strings.ToLower(ev.Message), value)
	case models.TriggerCommand:
		return strings.TrimPrefix(strings.ToLower(ev.Command), "!") == strings.TrimPrefix(value, "!")
	}
	return true
}

// Evaluate checks the trigger and then every condition in order. The first
// condition that fails is returned.
func Evaluate(a models.Automation, ev models.Event) (bool, *models.Condition) {
	if !MatchTrigger(a.Trigger, ev) {
		return false, nil
	}
	for i := range a.Conditions {
		if !holds(a.Conditions[i], ev) {
			c := a.Conditions[i]
			return false, &c
		}
	}
	return true, nil
}

func holds(c models.Condition, ev models.Event) bool {
	switch c.Field {
	case models.FieldUserRole:
		return compareOrdered(c, models.PermissionRank(ev.UserRole), func(v string) (int, bool) {
			r := models.PermissionRank(v)
			return r, r >= 0
		})
	case models.FieldViewerCount:
		return compareOrdered(c, ev.ViewerCount, func(v string) (int, bool) {
			n, err := strconv.Atoi(v)
			return n, err == nil
		})
	case models.FieldTimeOfDay:
		return compareOrdered(c, clockMinutes(ev.TimeOfDay), func(v string) (int, bool) {
			m := clockMinutes(v)
			return m, m >= 0
		})
	case models.FieldMessage:
		msg := strings.ToLower(ev.Message)
		want := strings.ToLower(c.Value)
		switch c.Operator {
		case models.OpEquals:
			return msg == want
		case models.OpNotEquals:
			return msg != want
		case models.OpContains:
			return strings.Contains(msg, want)
		case models.OpIn:
			for _, v := range listValues(want) {
				if msg == v {
					return true
				}
			}
		}
	}
	return false
}

func compareOrdered(c models.Condition, got int, parse func(string) (int, bool)) bool {
	if c.Operator == models.OpIn {
		for _, v := range listValues(c.Value) {
			if want, ok := parse(v); ok && got == want {
				return true
			}
		}
		return false
	}

	want, ok := parse(strings.TrimSpace(c.Value))
	if !ok {
		return false
	}
	switch c.Operator {
	case models.OpEquals:
		return got == want
	case models.OpNotEquals:
		return got != want
	case models.OpGreaterThan:
		return got > want
	case models.OpLessThan:
		return got < want
	}
	return false
}

// clockMinutes converts HH:MM to minutes after midnight, -1 when malformed
func clockMinutes(s string) int {
	s = strings.TrimSpace(s)
	if !clockPattern.MatchString(s) {
		return -1
	}
	h, _ := strconv.Atoi(s[:2])
	m, _ := strconv.Atoi(s[3:])
	return h*60 + m
}

// Render substitutes event placeholders into every action param
func Render(actions []models.Action, ev models.Event) []models.RenderedAction {
	r := strings.NewReplacer(
		"{user}", ev.User,
		"{message}", ev.Message,
		"{command}", ev.Command,
		"{viewer_count}", strconv.Itoa(ev.ViewerCount),
		"{time_of_day}", ev.TimeOfDay,
	)

	out := make([]models.RenderedAction, 0, len(actions))
	for _, a := range actions {
		params := make(map[string]string, len(a.Params))
		for k, v := range a.Params {
			params[k] = r.Replace(v)
		}
		out = append(out, models.RenderedAction{Type: a.Type, Params: params})
	}
	return out
}
