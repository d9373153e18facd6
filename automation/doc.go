// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package automation evaluates the rules built in the visual command editor.

An automation is a trigger, a list of conditions that must all hold, and a
list of actions. Evaluate and Render have no side effects; executing the
rendered actions is up to the caller. Export and Import move a channel's
automations as a YAML document.

Condition values:

	user_role     a permission level; greater_than/less_than follow the
	              everyone < subscriber < moderator < owner order
	message       compared case-insensitively
	viewer_count  an integer
	time_of_day   HH:MM, 24 hour clock

The in operator takes a comma separated list.
*/
package automation
