// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/m4bot/m4bot-server/cliparse"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package state
var migrateMu sync.Mutex

// Open connects to the configured database, verifies the connection and
// applies pending migrations.
func Open(ctx context.Context, dbType, url string) (*sql.DB, error) {
	driver, dsn, err := driverFor(dbType, url)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := Migrate(ctx, conn, dbType); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// Migrate applies all embedded migrations that have not run yet.
// Safe to call multiple times.
func Migrate(ctx context.Context, conn *sql.DB, dbType string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{})

	if err := goose.SetDialect(dialectFor(dbType)); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Version reports the applied schema version
func Version(ctx context.Context, conn *sql.DB, dbType string) (int64, error) {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	if err := goose.SetDialect(dialectFor(dbType)); err != nil {
		return 0, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	v, err := goose.GetDBVersionContext(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func driverFor(dbType, url string) (driver, dsn string, err error) {
	switch dbType {
	case cliparse.DatabasePostgres:
		return "postgres", url, nil
	case cliparse.DatabaseSQLite, "":
		return "sqlite", sqliteDSN(url), nil
	}
	return "", "", fmt.Errorf("unsupported database type %q", dbType)
}

// sqliteDSN adds the pragmas every connection needs. Immediate transactions
// make concurrent writers wait on busy_timeout instead of failing.
func sqliteDSN(url string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite&_txlock=immediate"
}

func dialectFor(dbType string) string {
	if dbType == cliparse.DatabasePostgres {
		return "postgres"
	}
	return "sqlite3"
}

type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrations")
}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	panic(fmt.Sprintf(format, v...))
}
