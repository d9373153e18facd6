// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/m4bot/m4bot-server/models"
)

// FormatVersion is written into every backup document
const FormatVersion = 1

var (
	ErrNotFound          = errors.New("backup not found")
	ErrChecksumMismatch  = errors.New("backup file does not match its checksum")
	ErrUnsupportedFormat = errors.New("unsupported backup format")
	ErrAccountConflict   = errors.New("backup holds another account with the same username or email")
)

// Tables lists the application tables in dependency order. The backups
// table is never dumped or restored.
var Tables = []string{
	"users",
	"privacy_settings",
	"password_resets",
	"channels",
	"commands",
	"polls",
	"poll_options",
	"poll_votes",
	"timers",
	"automations",
	"rewards",
	"redemptions",
	"points",
	"discord_integrations",
	"activity_logs",
	"bot_state",
}

var columnPattern = regexp.MustCompile(`^[a-z_]+$`)

// timestamp layouts accepted when reading _at columns back
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

// Document is the content of a backup file
type Document struct {
	Version   int                         `json:"version"`
	CreatedAt time.Time                   `json:"created_at"`
	Tables    map[string][]map[string]any `json:"tables"`
}

// Manager writes, lists, restores and deletes backups in one directory
type Manager struct {
	db         *sql.DB
	dir        string
	maxBackups int
	now        func() time.Time
}

// NewManager keeps at most maxBackups files; 0 keeps everything
func NewManager(db *sql.DB, dir string, maxBackups int) *Manager {
	return &Manager{db: db, dir: dir, maxBackups: maxBackups, now: time.Now}
}

// Path returns the file location of a backup
func (m *Manager) Path(b models.Backup) string {
	return filepath.Join(m.dir, filepath.Base(b.Filename))
}

// Create dumps every application table into a new compressed backup
func (m *Manager) Create(ctx context.Context, createdBy, note string) (models.Backup, error) {
	now := m.now().UTC()
	doc := Document{Version: FormatVersion, CreatedAt: now, Tables: make(map[string][]map[string]any, len(Tables))}
	counts := make(map[string]int, len(Tables))

	for _, table := range Tables {
		rows, err := dumpTable(ctx, m.db, table)
		if err != nil {
			return models.Backup{}, err
		}
		doc.Tables[table] = rows
		counts[table] = len(rows)
	}

	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return models.Backup{}, fmt.Errorf("failed to create backup directory: %w", err)
	}

	id := uuid.NewString()
	b := models.Backup{
		ID:        id,
		Filename:  fmt.Sprintf("m4bot-%s-%s.json.gz", now.Format("20060102-150405"), id[:8]),
		Tables:    counts,
		Note:      note,
		CreatedBy: createdBy,
		CreatedAt: now,
	}

	size, checksum, err := writeDocument(m.Path(b), doc)
	if err != nil {
		return models.Backup{}, err
	}
	b.SizeBytes, b.Checksum = size, checksum

	tables, _ := json.Marshal(counts)
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO backups (id, filename, size_bytes, checksum, tables, note, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.Filename, b.SizeBytes, b.Checksum, string(tables), b.Note, b.CreatedBy, b.CreatedAt)
	if err != nil {
		os.Remove(m.Path(b))
		return models.Backup{}, fmt.Errorf("failed to record backup: %w", err)
	}

	slog.Info("backup created", "backup_id", b.ID, "filename", b.Filename, "size_bytes", b.SizeBytes)

	if err := m.prune(ctx); err != nil {
		slog.Error("failed to prune old backups", "error", err)
	}

	decorate(&b)
	return b, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func dumpTable(ctx context.Context, db queryer, table string) ([]map[string]any, error) {
	return selectRows(ctx, db, table, `SELECT * FROM `+table)
}

func selectRows(ctx context.Context, db queryer, table, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to dump %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s columns: %w", table, err)
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[strings.ToLower(col)] = string(v)
			case time.Time:
				row[strings.ToLower(col)] = v.UTC().Format(time.RFC3339Nano)
			default:
				row[strings.ToLower(col)] = v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	return out, nil
}

// writeDocument writes the gzip JSON file atomically and returns its size
// and sha256 checksum
func writeDocument(path string, doc Document) (int64, string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".backup-*")
	if err != nil {
		return 0, "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(tmp, hash))
	if err := json.NewEncoder(gz).Encode(doc); err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("failed to encode backup: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("failed to compress backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("failed to sync backup: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("failed to stat backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to close backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, "", fmt.Errorf("failed to move backup into place: %w", err)
	}

	return info.Size(), hex.EncodeToString(hash.Sum(nil)), nil
}

func decorate(b *models.Backup) {
	b.Size = humanize.Bytes(uint64(b.SizeBytes))
	b.Age = humanize.Time(b.CreatedAt)
}

const backupColumns = `id, filename, size_bytes, checksum, tables, note, created_by, created_at`

func scanBackup(row interface{ Scan(...any) error }) (models.Backup, error) {
	var b models.Backup
	var tables string
	if err := row.Scan(&b.ID, &b.Filename, &b.SizeBytes, &b.Checksum, &tables, &b.Note, &b.CreatedBy, &b.CreatedAt); err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(tables), &b.Tables); err != nil {
		return b, fmt.Errorf("corrupt table counts on backup %s: %w", b.ID, err)
	}
	decorate(&b)
	return b, nil
}

// List returns every backup, newest first
func (m *Manager) List(ctx context.Context) ([]models.Backup, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+backupColumns+` FROM backups ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	backups := []models.Backup{}
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func (m *Manager) Get(ctx context.Context, id string) (models.Backup, error) {
	b, err := scanBackup(m.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("failed to load backup: %w", err)
	}
	return b, nil
}

// Delete removes the backup file and its record
func (m *Manager) Delete(ctx context.Context, id string) error {
	b, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	if _, err := m.db.ExecContext(ctx, `DELETE FROM backups WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete backup record: %w", err)
	}
	if err := os.Remove(m.Path(b)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete backup file: %w", err)
	}

	slog.Info("backup deleted", "backup_id", id, "filename", b.Filename)
	return nil
}

func (m *Manager) prune(ctx context.Context) error {
	if m.maxBackups <= 0 {
		return nil
	}

	backups, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, b := range backups[min(m.maxBackups, len(backups)):] {
		if err := m.Delete(ctx, b.ID); err != nil {
			return err
		}
	}
	return nil
}

// Restore verifies the backup file and replaces the content of every
// application table with it in a single transaction. The account and
// privacy settings of keepUserID, when set, are carried over from the
// current data so the restoring user keeps their session.
func (m *Manager) Restore(ctx context.Context, id, keepUserID string) (models.Backup, map[string]int, error) {
	b, err := m.Get(ctx, id)
	if err != nil {
		return b, nil, err
	}

	doc, err := readDocument(m.Path(b), b.Checksum)
	if err != nil {
		return b, nil, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return b, nil, fmt.Errorf("failed to begin restore: %w", err)
	}
	defer tx.Rollback()

	var keptUsers, keptPrivacy []map[string]any
	if keepUserID != "" {
		if keptUsers, err = selectRows(ctx, tx, "users", `SELECT * FROM users WHERE id = $1`, keepUserID); err != nil {
			return b, nil, err
		}
		if keptPrivacy, err = selectRows(ctx, tx, "privacy_settings", `SELECT * FROM privacy_settings WHERE user_id = $1`, keepUserID); err != nil {
			return b, nil, err
		}
		for _, kept := range keptUsers {
			if clashes(doc.Tables["users"], kept) {
				return b, nil, ErrAccountConflict
			}
		}
	}

	for i := len(Tables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+Tables[i]); err != nil {
			return b, nil, fmt.Errorf("failed to clear %s: %w", Tables[i], err)
		}
	}

	counts := make(map[string]int, len(Tables))
	for _, table := range Tables {
		for _, row := range doc.Tables[table] {
			if err := insertRow(ctx, tx, table, row); err != nil {
				return b, nil, err
			}
		}
		counts[table] = len(doc.Tables[table])
	}

	for _, row := range keptUsers {
		if err := upsertRow(ctx, tx, "users", "id", row); err != nil {
			return b, nil, err
		}
	}
	for _, row := range keptPrivacy {
		if err := upsertRow(ctx, tx, "privacy_settings", "user_id", row); err != nil {
			return b, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return b, nil, fmt.Errorf("failed to commit restore: %w", err)
	}

	slog.Info("backup restored", "backup_id", b.ID, "filename", b.Filename, "kept_user", keepUserID)
	return b, counts, nil
}

// clashes reports whether a different account in users already uses the
// username or email of kept
func clashes(users []map[string]any, kept map[string]any) bool {
	for _, u := range users {
		if fmt.Sprint(u["id"]) == fmt.Sprint(kept["id"]) {
			continue
		}
		if fmt.Sprint(u["username_lower"]) == fmt.Sprint(kept["username_lower"]) ||
			fmt.Sprint(u["email"]) == fmt.Sprint(kept["email"]) {
			return true
		}
	}
	return false
}

func readDocument(path, checksum string) (Document, error) {
	var doc Document

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, fmt.Errorf("%w: file %s is missing", ErrNotFound, filepath.Base(path))
	}
	if err != nil {
		return doc, fmt.Errorf("failed to read backup: %w", err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != checksum {
		return doc, ErrChecksumMismatch
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return doc, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if doc.Version != FormatVersion {
		return doc, fmt.Errorf("%w: version %d", ErrUnsupportedFormat, doc.Version)
	}
	return doc, nil
}

func insertRow(ctx context.Context, tx *sql.Tx, table string, row map[string]any) error {
	columns := make([]string, 0, len(row))
	for col := range row {
		if !columnPattern.MatchString(col) {
			return fmt.Errorf("%w: bad column %q in %s", ErrUnsupportedFormat, col, table)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = restoreValue(col, row[col])
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to restore %s: %w", table, err)
	}
	return nil
}

// upsertRow overwrites the row matching key in place, or inserts it. An
// update keeps rows that reference it from cascading away.
func upsertRow(ctx context.Context, tx *sql.Tx, table, key string, row map[string]any) error {
	var exists int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = $1`, table, key), row[key]).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up %s: %w", table, err)
	}
	if exists == 0 {
		return insertRow(ctx, tx, table, row)
	}

	columns := make([]string, 0, len(row))
	for col := range row {
		if col != key {
			columns = append(columns, col)
		}
	}
	sort.Strings(columns)

	sets := make([]string, len(columns))
	args := make([]any, 0, len(columns)+1)
	for i, col := range columns {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+1)
		args = append(args, restoreValue(col, row[col]))
	}
	args = append(args, row[key])

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d`, table, strings.Join(sets, ", "), key, len(args))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to keep %s row: %w", table, err)
	}
	return nil
}

// restoreValue turns decoded JSON back into driver values: numbers become
// int64 where possible and timestamp columns become time.Time
func restoreValue(column string, v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	case string:
		if strings.HasSuffix(column, "_at") {
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, val); err == nil {
					return t.UTC()
				}
			}
		}
		return val
	}
	return v
}
