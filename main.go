package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/backup"
	"github.com/m4bot/m4bot-server/bot"
	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/db"
	"github.com/m4bot/m4bot-server/discord"
	"github.com/m4bot/m4bot-server/handlers"
	"github.com/m4bot/m4bot-server/router"
	"github.com/m4bot/m4bot-server/scheduler"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse configuration
	cfg, err := cliparse.ParseFlags(os.Args[1:])
	if err != nil {
		slog.Error("Error parsing flags", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect and migrate
	dbConn, err := db.Open(ctx, cfg.DatabaseType, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database setup failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()
	slog.Info("Database schema ready", "type", cfg.DatabaseType)

	sessions, err := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		slog.Error("session setup failed", "error", err)
		os.Exit(1)
	}

	notifier := discord.NewNotifier(10 * time.Second)
	sender := bot.NewDispatchSender(dbConn, notifier)
	runtime := bot.NewRuntime(dbConn, sender, cfg.SchedulerInterval)
	if err := runtime.Resume(ctx); err != nil {
		slog.Error("failed to resume bot", "error", err)
	}

	// Poll expiry runs whether or not the bot is running
	sched := scheduler.New(cfg.SchedulerInterval)
	sched.Add("polls", handlers.NewPollHandler(dbConn, cfg, notifier).ExpirePolls)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	mux := router.NewRouter(router.Deps{
		DB:       dbConn,
		Config:   cfg,
		Sessions: sessions,
		Runtime:  runtime,
		Backups:  backup.NewManager(dbConn, cfg.BackupDir, cfg.MaxBackups),
		Notifier: notifier,
		Sender:   sender,
	})

	server := http.Server{
		Handler:           mux,
		Addr:              ":" + strconv.Itoa(cfg.Port),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("graceful shutdown failed", "error", err)
		}
	}()

	slog.Info("Listening", "port", cfg.Port)
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server closed", "error", err)
	} else {
		slog.Info("Server closed")
	}

	stop()
	wg.Wait()
	runtime.Close()
}
