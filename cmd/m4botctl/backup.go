// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/m4bot/m4bot-server/backup"
)

func newBackupCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, restore and delete backups",
	}

	withManager := func(run func(cmd *cobra.Command, e *env, m *backup.Manager, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.db.Close()
			return run(cmd, e, backup.NewManager(e.db, e.cfg.BackupDir, e.cfg.MaxBackups), args)
		}
	}

	var note string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a backup",
		Args:  cobra.NoArgs,
		RunE: withManager(func(cmd *cobra.Command, e *env, m *backup.Manager, _ []string) error {
			b, err := m.Create(cmd.Context(), "m4botctl", note)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "created %s (%s, %s)\n", b.ID, b.Filename, b.Size)
			return nil
		}),
	}
	create.Flags().StringVarP(&note, "note", "n", "", "Note stored with the backup")

	list := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: withManager(func(cmd *cobra.Command, e *env, m *backup.Manager, _ []string) error {
			backups, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tSIZE\tBY\tNOTE")
			for _, b := range backups {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.ID, humanize.Time(b.CreatedAt), b.Size, b.CreatedBy, b.Note)
			}
			return tw.Flush()
		}),
	}

	restore := &cobra.Command{
		Use:   "restore <id>",
		Short: "Replace all data with the contents of a backup",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(func(cmd *cobra.Command, e *env, m *backup.Manager, args []string) error {
			b, counts, err := m.Restore(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "restored %s: %s\n", b.ID, formatCounts(counts))
			return nil
		}),
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a backup and its file",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(func(cmd *cobra.Command, e *env, m *backup.Manager, args []string) error {
			if err := m.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "deleted %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(create, list, restore, del)
	return cmd
}

func formatCounts(counts map[string]int) string {
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	return strings.Join(parts, " ")
}
