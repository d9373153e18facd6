// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package router

import (
	"database/sql"
	"net/http"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/backup"
	"github.com/m4bot/m4bot-server/bot"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/handlers"
	"github.com/m4bot/m4bot-server/middleware"
	"github.com/m4bot/m4bot-server/models"
)

// Deps holds everything the handlers need
type Deps struct {
	DB       *sql.DB
	Config   cliparse.Config
	Sessions *auth.Sessions
	Runtime  handlers.BotRuntime
	Backups  *backup.Manager
	Notifier handlers.Notifier
	Sender   bot.Sender
}

func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()
	db, cfg := d.DB, d.Config
	authn := middleware.NewAuthenticator(db, d.Sessions)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(db, cfg, d.Sessions)
	userHandler := handlers.NewUserHandler(db, cfg)
	privacyHandler := handlers.NewPrivacyHandler(db, cfg)
	channelHandler := handlers.NewChannelHandler(db, cfg)
	commandHandler := handlers.NewCommandHandler(db, cfg)
	pollHandler := handlers.NewPollHandler(db, cfg, d.Notifier)
	botHandler := handlers.NewBotHandler(db, cfg, d.Runtime)
	timerHandler := handlers.NewTimerHandler(db, cfg, d.Runtime)
	automationHandler := handlers.NewAutomationHandler(db, cfg, d.Runtime, d.Sender, d.Notifier)
	rewardHandler := handlers.NewRewardHandler(db, cfg)
	discordHandler := handlers.NewDiscordHandler(db, cfg, d.Notifier)
	backupHandler := handlers.NewBackupHandler(db, cfg, d.Backups)
	adminHandler := handlers.NewAdminHandler(db, cfg, d.Runtime)

	public := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, middleware.WithLogging(h))
	}
	private := func(pattern string, h http.HandlerFunc, roles ...string) {
		mux.HandleFunc(pattern, middleware.WithLogging(authn.Require(h, roles...)))
	}
	admin := models.RoleAdmin

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Authentication
	public("POST /api/auth/register", authHandler.Register)
	public("POST /api/auth/login", authHandler.Login)
	public("POST /api/auth/logout", authHandler.Logout)
	public("POST /api/auth/password-reset/request", authHandler.RequestPasswordReset)
	public("GET /api/auth/password-reset/verify", authHandler.VerifyPasswordReset)
	public("POST /api/auth/password-reset/confirm", authHandler.ConfirmPasswordReset)

	// Profile
	private("GET /api/users/me", userHandler.GetMe)
	private("PUT /api/users/me", userHandler.UpdateMe)
	private("POST /api/users/me/password", userHandler.ChangePassword)
	private("POST /api/users/me/2fa/setup", userHandler.SetupTwoFactor)
	private("POST /api/users/me/2fa/enable", userHandler.EnableTwoFactor)
	private("POST /api/users/me/2fa/disable", userHandler.DisableTwoFactor)
	private("GET /api/users/search", userHandler.SearchUsers, admin, models.RoleModerator)

	// Privacy center
	private("GET /api/privacy/settings", privacyHandler.GetSettings)
	private("PUT /api/privacy/settings", privacyHandler.UpdateSettings)
	private("GET /api/privacy/export", privacyHandler.Export)
	private("POST /api/privacy/delete-account", privacyHandler.DeleteAccount)

	// Channels and commands
	private("GET /api/channels", channelHandler.ListChannels)
	private("POST /api/channels", channelHandler.CreateChannel)
	private("GET /api/channels/{id}", channelHandler.GetChannel)
	private("PUT /api/channels/{id}", channelHandler.UpdateChannel)
	private("DELETE /api/channels/{id}", channelHandler.DeleteChannel)
	private("GET /api/channels/{id}/stats", channelHandler.ChannelStats)
	private("GET /api/channels/{id}/commands", commandHandler.ListCommands)
	private("POST /api/channels/{id}/commands", commandHandler.CreateCommand)
	private("PUT /api/channels/{id}/commands/{cmd}", commandHandler.UpdateCommand)
	private("DELETE /api/channels/{id}/commands/{cmd}", commandHandler.DeleteCommand)
	private("POST /api/channels/{id}/commands/{cmd}/invoke", commandHandler.InvokeCommand)

	// Polls
	private("GET /api/polls", pollHandler.ListPolls)
	private("POST /api/polls", pollHandler.CreatePoll)
	private("POST /api/polls/create", pollHandler.CreatePoll)
	private("POST /api/polls/{id}/start", pollHandler.StartPoll)
	private("POST /api/polls/{id}/end", pollHandler.EndPoll)
	private("DELETE /api/polls/{id}", pollHandler.DeletePoll)
	private("POST /api/polls/{id}/vote", pollHandler.Vote)
	private("GET /api/polls/{id}/live", pollHandler.LiveResults)

	// Bot control
	private("POST /api/bot/start", botHandler.StartBot, admin)
	private("POST /api/bot/stop", botHandler.StopBot, admin)
	private("GET /api/bot/status", botHandler.Status)

	// Timers
	private("GET /api/channels/{id}/timers", timerHandler.ListTimers)
	private("POST /api/channels/{id}/timers", timerHandler.CreateTimer)
	private("PUT /api/timers/{id}", timerHandler.UpdateTimer)
	private("DELETE /api/timers/{id}", timerHandler.DeleteTimer)
	private("POST /api/timers/{id}/toggle", timerHandler.ToggleTimer)
	private("GET /api/timer/{id}/status", timerHandler.TimerStatus)

	// Automations
	private("GET /api/channels/{id}/automations", automationHandler.ListAutomations)
	private("POST /api/channels/{id}/automations", automationHandler.CreateAutomation)
	private("GET /api/channels/{id}/automations/export", automationHandler.ExportAutomations)
	private("POST /api/channels/{id}/automations/import", automationHandler.ImportAutomations)
	private("POST /api/channels/{id}/events", automationHandler.HandleEvent)
	private("GET /api/automations/{id}", automationHandler.GetAutomation)
	private("PUT /api/automations/{id}", automationHandler.UpdateAutomation)
	private("DELETE /api/automations/{id}", automationHandler.DeleteAutomation)
	private("POST /api/automations/{id}/test", automationHandler.TestAutomation)

	// Rewards
	private("GET /api/channels/{id}/rewards", rewardHandler.ListRewards)
	private("POST /api/channels/{id}/rewards", rewardHandler.CreateReward)
	private("GET /api/channels/{id}/points/{user}", rewardHandler.GetPoints)
	private("PUT /api/rewards/{id}", rewardHandler.UpdateReward)
	private("DELETE /api/rewards/{id}", rewardHandler.DeleteReward)
	private("POST /api/rewards/{id}/redeem", rewardHandler.Redeem)
	private("GET /api/rewards/{id}/redemptions", rewardHandler.ListRedemptions)
	private("POST /api/redemptions/{id}/fulfill", rewardHandler.FulfillRedemption)
	private("POST /api/redemptions/{id}/reject", rewardHandler.RejectRedemption)

	// Discord
	private("GET /api/channels/{id}/discord", discordHandler.GetIntegration)
	private("PUT /api/channels/{id}/discord", discordHandler.UpdateIntegration)
	private("POST /api/channels/{id}/discord/test", discordHandler.TestIntegration)

	// Backups
	private("POST /create_backup", backupHandler.CreateBackup, admin)
	private("POST /restore_backup/{id}", backupHandler.RestoreBackup, admin)
	private("POST /delete_backup", backupHandler.DeleteBackup, admin)
	private("GET /api/backups", backupHandler.ListBackups, admin)
	private("GET /api/backups/{id}/download", backupHandler.DownloadBackup, admin)

	// Administration
	private("GET /api/admin/stats", adminHandler.Stats, admin)
	private("GET /api/admin/activity-logs", adminHandler.ActivityLogs, admin)
	private("PUT /api/admin/users/{id}/role", userHandler.SetRole, admin)
	private("PUT /api/admin/users/{id}/active", userHandler.SetActive, admin)

	// Root endpoint
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("M4Bot API v1"))
	})

	return middleware.CORS(cfg.BaseURL)(mux)
}
