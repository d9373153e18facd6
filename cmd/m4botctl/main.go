// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// m4botctl is the operator tool for an M4Bot database
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/m4bot/m4bot-server/cliparse"
	"github.com/m4bot/m4bot-server/db"
)

// Set with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
)

// globalFlags are forwarded to cliparse so the tool reads the same
// configuration as the server
type globalFlags struct {
	configPath  string
	envPath     string
	databaseURL string
	dbType      string
	backupDir   string
}

func (g globalFlags) args() []string {
	args := []string{"-env", g.envPath}
	if g.configPath != "" {
		args = append(args, "-c", g.configPath)
	}
	if g.databaseURL != "" {
		args = append(args, "-d", g.databaseURL)
	}
	if g.dbType != "" {
		args = append(args, "-t", g.dbType)
	}
	if g.backupDir != "" {
		args = append(args, "-backup-dir", g.backupDir)
	}
	return args
}

// env bundles what every subcommand needs
type env struct {
	cfg cliparse.Config
	db  *sql.DB
	out io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	var flags globalFlags

	open := func(ctx context.Context) (*env, error) {
		cfg, err := cliparse.ParseFlags(flags.args())
		if err != nil {
			return nil, err
		}
		slog.SetDefault(cfg.NewLogger(os.Stderr))

		conn, err := db.Open(ctx, cfg.DatabaseType, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &env{cfg: cfg, db: conn, out: out}, nil
	}

	rootCmd := &cobra.Command{
		Use:           "m4botctl",
		Short:         "Operate an M4Bot database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&flags.envPath, "env", ".env", "dotenv file loaded into the environment")
	pf.StringVarP(&flags.databaseURL, "database", "d", "", "Database URL")
	pf.StringVarP(&flags.dbType, "type", "t", "", "Database type (sqlite or postgres)")
	pf.StringVar(&flags.backupDir, "backup-dir", "", "Directory for backup archives")

	rootCmd.AddCommand(
		newVersionCmd(),
		newMigrateCmd(open),
		newBackupCmd(open),
		newUserCmd(open),
	)
	return rootCmd
}

type opener func(ctx context.Context) (*env, error)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "m4botctl %s (%s)\n", version, commit)
		},
	}
}

func newMigrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the database applies migrations
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.db.Close()

			v, err := db.Version(cmd.Context(), e.db, e.cfg.DatabaseType)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "schema at version %d\n", v)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
