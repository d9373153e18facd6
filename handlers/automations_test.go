// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4bot/m4bot-server/models"
	"github.com/m4bot/m4bot-server/testutil"
)

type automationDeps struct {
	sender   *fakeSender
	notifier *fakeNotifier
	runtime  *fakeRuntime
}

func newAutomationHandler(f *fixture) (*AutomationHandler, *automationDeps) {
	deps := &automationDeps{sender: &fakeSender{}, notifier: &fakeNotifier{}, runtime: &fakeRuntime{}}
	return NewAutomationHandler(f.db, f.cfg, deps.runtime, deps.sender, deps.notifier), deps
}

func automationRequest(method, id string, body interface{}, user models.User) *http.Request {
	req := testutil.AuthedRequest(method, "/api/automations/"+id, body, user)
	req.SetPathValue("id", id)
	return req
}

func createAutomation(t *testing.T, handler *AutomationHandler, f *fixture, req models.AutomationRequest) models.Automation {
	t.Helper()
	w := httptest.NewRecorder()
	handler.CreateAutomation(w, channelRequest("POST", f.channel.ID, req, f.owner))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var a models.Automation
	testutil.AssertJSON(t, w, &a)
	return a
}

func greeter() models.AutomationRequest {
	return models.AutomationRequest{
		Name:    "Greeter",
		Trigger: models.Trigger{Type: models.TriggerMessage, Value: "hello"},
		Conditions: []models.Condition{
			{Field: models.FieldViewerCount, Operator: models.OpGreaterThan, Value: "10"},
		},
		Actions: []models.Action{
			{Type: models.ActionSendMessage, Params: map[string]string{"message": "Welcome {user}!"}},
		},
	}
}

func TestCreateAutomationValidation(t *testing.T) {
	f := newFixture(t)
	handler, _ := newAutomationHandler(f)

	tests := []struct {
		name   string
		mutate func(*models.AutomationRequest)
	}{
		{"empty name", func(r *models.AutomationRequest) { r.Name = "  " }},
		{"unknown trigger", func(r *models.AutomationRequest) { r.Trigger.Type = "whisper" }},
		{"unknown field", func(r *models.AutomationRequest) { r.Conditions[0].Field = "mood" }},
		{"bad operator", func(r *models.AutomationRequest) { r.Conditions[0].Operator = models.OpContains }},
		{"no actions", func(r *models.AutomationRequest) { r.Actions = nil }},
		{"missing param", func(r *models.AutomationRequest) { r.Actions[0].Params = nil }},
		{"bad duration", func(r *models.AutomationRequest) {
			r.Actions = []models.Action{{Type: models.ActionTimeoutUser, Params: map[string]string{"duration": "-5"}}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := greeter()
			tt.mutate(&req)
			w := httptest.NewRecorder()
			handler.CreateAutomation(w, channelRequest("POST", f.channel.ID, req, f.owner))
			testutil.AssertStatus(t, w, http.StatusBadRequest)
		})
	}
}

func TestAutomationCRUD(t *testing.T) {
	f := newFixture(t)
	handler, _ := newAutomationHandler(f)

	a := createAutomation(t, handler, f, greeter())
	assert.True(t, a.Enabled)
	assert.Equal(t, f.channel.ID, a.ChannelID)
	assert.Equal(t, 0, a.RunCount)

	w := httptest.NewRecorder()
	handler.GetAutomation(w, automationRequest("GET", a.ID, nil, f.other))
	testutil.AssertStatus(t, w, http.StatusNotFound)

	w = httptest.NewRecorder()
	handler.GetAutomation(w, automationRequest("GET", a.ID, nil, f.admin))
	testutil.AssertStatus(t, w, http.StatusOK)

	update := greeter()
	update.Name = "Greeter v2"
	update.Conditions = nil
	update.Enabled = boolPtr(false)
	w = httptest.NewRecorder()
	handler.UpdateAutomation(w, automationRequest("PUT", a.ID, update, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	var updated models.Automation
	testutil.AssertJSON(t, w, &updated)
	assert.Equal(t, "Greeter v2", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Empty(t, updated.Conditions)
	assert.Equal(t, a.CreatedAt.Unix(), updated.CreatedAt.Unix())

	w = httptest.NewRecorder()
	handler.ListAutomations(w, channelRequest("GET", f.channel.ID, nil, f.owner))
	var list []models.Automation
	testutil.AssertJSON(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "Greeter v2", list[0].Name)

	w = httptest.NewRecorder()
	handler.DeleteAutomation(w, automationRequest("DELETE", a.ID, nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusNoContent)

	w = httptest.NewRecorder()
	handler.GetAutomation(w, automationRequest("GET", a.ID, nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusNotFound)
}

func TestTestAutomation(t *testing.T) {
	f := newFixture(t)
	handler, deps := newAutomationHandler(f)
	a := createAutomation(t, handler, f, greeter())

	req := testutil.AuthedRequest("POST", "/api/automations/"+a.ID+"/test", nil, f.owner)
	req.SetPathValue("id", a.ID)
	w := httptest.NewRecorder()
	handler.TestAutomation(w, req)
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	ev := models.Event{Type: models.TriggerMessage, User: "viewer1", Message: "Hello there", ViewerCount: 5}
	req = testutil.AuthedRequest("POST", "/api/automations/"+a.ID+"/test", ev, f.owner)
	req.SetPathValue("id", a.ID)
	w = httptest.NewRecorder()
	handler.TestAutomation(w, req)
	testutil.AssertStatus(t, w, http.StatusOK)
	var resp models.AutomationTestResponse
	testutil.AssertJSON(t, w, &resp)
	assert.False(t, resp.Matched)
	require.NotNil(t, resp.FailedCondition)
	assert.Equal(t, models.FieldViewerCount, resp.FailedCondition.Field)

	ev.ViewerCount = 50
	req = testutil.AuthedRequest("POST", "/api/automations/"+a.ID+"/test", ev, f.owner)
	req.SetPathValue("id", a.ID)
	w = httptest.NewRecorder()
	handler.TestAutomation(w, req)
	resp = models.AutomationTestResponse{}
	testutil.AssertJSON(t, w, &resp)
	assert.True(t, resp.Matched)
	assert.Nil(t, resp.FailedCondition)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "Welcome viewer1!", resp.Actions[0].Params["message"])

	// nothing is executed by a dry run
	assert.Empty(t, deps.sender.sent)
}

func TestHandleEvent(t *testing.T) {
	f := newFixture(t)
	handler, deps := newAutomationHandler(f)
	f.enableDiscord(t, f.channel.ID, false)

	greet := createAutomation(t, handler, f, greeter())
	reward := createAutomation(t, handler, f, models.AutomationRequest{
		Name:    "Follow reward",
		Trigger: models.Trigger{Type: models.TriggerFollow},
		Actions: []models.Action{
			{Type: models.ActionAddPoints, Params: map[string]string{"amount": "50"}},
			{Type: models.ActionDiscordNotify, Params: map[string]string{"message": "{user} followed"}},
		},
	})
	createAutomation(t, handler, f, models.AutomationRequest{
		Name:    "Disabled",
		Enabled: boolPtr(false),
		Trigger: models.Trigger{Type: models.TriggerFollow},
		Actions: []models.Action{{Type: models.ActionSendMessage, Params: map[string]string{"message": "never"}}},
	})

	send := func(ev interface{}) (*httptest.ResponseRecorder, models.EventResponse) {
		w := httptest.NewRecorder()
		handler.HandleEvent(w, channelRequest("POST", f.channel.ID, ev, f.owner))
		var resp models.EventResponse
		if w.Code == http.StatusOK {
			testutil.AssertJSON(t, w, &resp)
		}
		return w, resp
	}

	w, _ := send(models.Event{Type: "whisper"})
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w, resp := send(models.Event{Type: models.TriggerMessage, User: "viewer1", Message: "hello chat", ViewerCount: 42})
	testutil.AssertStatus(t, w, http.StatusOK)
	assert.Equal(t, 1, resp.Matched)
	require.Len(t, resp.Executed, 1)
	assert.Equal(t, greet.ID, resp.Executed[0].AutomationID)
	assert.Empty(t, resp.Executed[0].Error)
	assert.Equal(t, []string{"streamer: Welcome viewer1!"}, deps.sender.sent)
	assert.Equal(t, 1, deps.runtime.observed[f.channel.ID])

	w, resp = send(models.Event{Type: models.TriggerFollow, User: "NewFan"})
	testutil.AssertStatus(t, w, http.StatusOK)
	assert.Equal(t, 1, resp.Matched)
	require.Len(t, resp.Executed, 2)
	for _, e := range resp.Executed {
		assert.Equal(t, reward.ID, e.AutomationID)
		assert.Empty(t, e.Error)
	}
	assert.Equal(t, []string{"NewFan followed"}, deps.notifier.messages())

	var balance int64
	require.NoError(t, f.db.QueryRow(`SELECT balance FROM points WHERE channel_id = $1 AND username = $2`,
		f.channel.ID, "newfan").Scan(&balance))
	assert.Equal(t, int64(50), balance)

	var runs int
	require.NoError(t, f.db.QueryRow(`SELECT run_count FROM automations WHERE id = $1`, reward.ID).Scan(&runs))
	assert.Equal(t, 1, runs)

	w = httptest.NewRecorder()
	handler.HandleEvent(w, channelRequest("POST", f.channel.ID, models.Event{Type: models.TriggerFollow}, f.other))
	testutil.AssertStatus(t, w, http.StatusNotFound)
}

func TestHandleEventActionErrors(t *testing.T) {
	f := newFixture(t)
	handler, deps := newAutomationHandler(f)

	createAutomation(t, handler, f, models.AutomationRequest{
		Name:    "Raid alert",
		Trigger: models.Trigger{Type: models.TriggerRaid},
		Actions: []models.Action{
			{Type: models.ActionDiscordNotify, Params: map[string]string{"message": "raid!"}},
			{Type: models.ActionStartPoll, Params: map[string]string{"poll_id": "missing"}},
			{Type: models.ActionTimeoutUser, Params: map[string]string{"duration": "60"}},
		},
	})

	w := httptest.NewRecorder()
	handler.HandleEvent(w, channelRequest("POST", f.channel.ID, models.Event{Type: models.TriggerRaid, User: "raider"}, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	var resp models.EventResponse
	testutil.AssertJSON(t, w, &resp)
	require.Len(t, resp.Executed, 3)
	assert.Contains(t, resp.Executed[0].Error, "discord")
	assert.Contains(t, resp.Executed[1].Error, "not found")
	assert.Empty(t, resp.Executed[2].Error)
	assert.Empty(t, deps.notifier.messages())
	assert.Empty(t, deps.runtime.observed)
}

func TestHandleEventStartsPoll(t *testing.T) {
	f := newFixture(t)
	handler, deps := newAutomationHandler(f)
	f.enableDiscord(t, f.channel.ID, true)
	pollID, _ := testutil.CreateTestPoll(t, f.db, f.channel.ID, models.PollDraft, 60, "Yes", "No")

	createAutomation(t, handler, f, models.AutomationRequest{
		Name:    "Poll on command",
		Trigger: models.Trigger{Type: models.TriggerCommand, Value: "!vote"},
		Actions: []models.Action{{Type: models.ActionStartPoll, Params: map[string]string{"poll_id": pollID}}},
	})

	w := httptest.NewRecorder()
	handler.HandleEvent(w, channelRequest("POST", f.channel.ID, models.Event{Type: models.TriggerCommand, Command: "vote"}, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)

	var status string
	require.NoError(t, f.db.QueryRow(`SELECT status FROM polls WHERE id = $1`, pollID).Scan(&status))
	assert.Equal(t, models.PollActive, status)

	sent := deps.notifier.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Poll started")
	assert.Contains(t, sent[0], "Yes / No")
}

func TestExportImportAutomations(t *testing.T) {
	f := newFixture(t)
	handler, _ := newAutomationHandler(f)
	createAutomation(t, handler, f, greeter())

	w := httptest.NewRecorder()
	handler.ExportAutomations(w, channelRequest("GET", f.channel.ID, nil, f.owner))
	testutil.AssertStatus(t, w, http.StatusOK)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	doc := w.Body.String()
	assert.Contains(t, doc, "name: Greeter")
	assert.NotContains(t, doc, f.channel.ID)

	other := testutil.CreateTestChannel(t, f.db, f.owner.ID, "streamer_alt")
	w = httptest.NewRecorder()
	handler.ImportAutomations(w, channelRequest("POST", other.ID, doc, f.owner))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var imported models.ImportResponse
	testutil.AssertJSON(t, w, &imported)
	assert.Equal(t, 1, imported.Imported)

	w = httptest.NewRecorder()
	handler.ListAutomations(w, channelRequest("GET", other.ID, nil, f.owner))
	var list []models.Automation
	testutil.AssertJSON(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "Greeter", list[0].Name)
	assert.Len(t, list[0].Conditions, 1)

	bad := strings.Replace(doc, "viewer_count", "mood", 1)
	w = httptest.NewRecorder()
	handler.ImportAutomations(w, channelRequest("POST", other.ID, bad, f.owner))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = httptest.NewRecorder()
	handler.ImportAutomations(w, channelRequest("POST", other.ID, "version: 1\nautomations: []\n", f.owner))
	testutil.AssertStatus(t, w, http.StatusBadRequest)
}
