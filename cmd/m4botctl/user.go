// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/m4bot/m4bot-server/auth"
	"github.com/m4bot/m4bot-server/models"
)

// passwordEnv lets scripts pass a password without putting it in argv
const passwordEnv = "M4BOT_PASSWORD"

func passwordFrom(flag string) (string, error) {
	if flag == "" {
		flag = os.Getenv(passwordEnv)
	}
	if flag == "" {
		return "", fmt.Errorf("password required (use --password or %s)", passwordEnv)
	}
	if err := auth.ValidatePassword(flag); err != nil {
		return "", err
	}
	return flag, nil
}

func newUserCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage dashboard accounts",
	}

	var username, email, password string

	createAdmin := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || !strings.Contains(email, "@") {
				return errors.New("--username and a valid --email are required")
			}
			pw, err := passwordFrom(password)
			if err != nil {
				return err
			}

			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.db.Close()

			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			id, err := auth.GenerateID(16)
			if err != nil {
				return err
			}
			prefs, _ := json.Marshal(models.DefaultPreferences())
			privacy := models.DefaultPrivacySettings()
			now := time.Now().UTC()

			tx, err := e.db.BeginTx(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()

			_, err = tx.ExecContext(cmd.Context(), `
				INSERT INTO users (id, username, username_lower, email, password_hash, display_name, role, active, preferences, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, id, username, strings.ToLower(username), email, hash, username, models.RoleAdmin, true, string(prefs), now)
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			_, err = tx.ExecContext(cmd.Context(), `
				INSERT INTO privacy_settings (user_id, analytics_consent, marketing_consent, public_profile, data_retention_days, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, id, privacy.AnalyticsConsent, privacy.MarketingConsent, privacy.PublicProfile, privacy.DataRetentionDays, now)
			if err != nil {
				return fmt.Errorf("failed to create privacy settings: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return err
			}

			fmt.Fprintf(e.out, "created admin %s (%s)\n", username, id)
			return nil
		},
	}
	createAdmin.Flags().StringVarP(&username, "username", "u", "", "Username")
	createAdmin.Flags().StringVar(&email, "email", "", "E-mail address")
	createAdmin.Flags().StringVar(&password, "password", "", "Password (or "+passwordEnv+")")

	var resetUser, resetPassword string
	resetPw := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password for an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if resetUser == "" {
				return errors.New("--username is required")
			}
			pw, err := passwordFrom(resetPassword)
			if err != nil {
				return err
			}

			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.db.Close()

			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			res, err := e.db.ExecContext(cmd.Context(), `
				UPDATE users SET password_hash = $1 WHERE username_lower = $2
			`, hash, strings.ToLower(resetUser))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("user %q not found", resetUser)
			}

			fmt.Fprintf(e.out, "password updated for %s\n", resetUser)
			return nil
		},
	}
	resetPw.Flags().StringVarP(&resetUser, "username", "u", "", "Username")
	resetPw.Flags().StringVar(&resetPassword, "password", "", "New password (or "+passwordEnv+")")

	cmd.AddCommand(createAdmin, resetPw)
	return cmd
}
