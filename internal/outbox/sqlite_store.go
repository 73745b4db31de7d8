package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

const (
	sqliteBackend       = "sqlite"
	sqliteSchemaVersion = 1
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fieldsync_mutations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	format_version INTEGER NOT NULL,
	record TEXT NOT NULL
)`

// SQLiteStore keeps one row per record; seq preserves insertion order and
// ReplaceAll rewrites the table inside one transaction.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, persistenceError(sqliteBackend, "open", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, persistenceError(sqliteBackend, "open", err)
	}
	// one writer; concurrent connections only produce SQLITE_BUSY here
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := applySQLitePragmas(db); err != nil {
		_ = db.Close()
		return nil, persistenceError(sqliteBackend, "open", err)
	}
	if err := applySQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, persistenceError(sqliteBackend, "migrate", err)
	}
	return &SQLiteStore{path: path, db: db}, nil
}

func applySQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySQLiteSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > sqliteSchemaVersion {
		return fmt.Errorf("%w: sqlite schema %d", ErrUnsupportedVersion, version)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, record Record) error {
	record = normalizeRecord(record)
	if record.ID == "" {
		return ErrInvalidInput
	}
	value, err := EncodeRecordValue(record)
	if err != nil {
		return persistenceError(sqliteBackend, "enqueue", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO fieldsync_mutations (id, format_version, record) VALUES (?, ?, ?)",
		record.ID, FormatVersion, string(value))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateRecord
		}
		return persistenceError(sqliteBackend, "enqueue", err)
	}
	return nil
}

func (s *SQLiteStore) ReadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT record FROM fieldsync_mutations ORDER BY seq ASC")
	if err != nil {
		return nil, persistenceError(sqliteBackend, "read", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, persistenceError(sqliteBackend, "read", err)
		}
		record, err := DecodeRecordValue([]byte(value))
		if err != nil {
			return nil, persistenceError(sqliteBackend, "read", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError(sqliteBackend, "read", err)
	}
	return records, nil
}

func (s *SQLiteStore) ReplaceAll(ctx context.Context, records []Record) error {
	next := make([]Record, 0, len(records))
	for _, record := range records {
		next = append(next, normalizeRecord(record))
	}
	if err := validateRecords(next); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError(sqliteBackend, "replace", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "DELETE FROM fieldsync_mutations"); err != nil {
		return persistenceError(sqliteBackend, "replace", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO fieldsync_mutations (id, format_version, record) VALUES (?, ?, ?)")
	if err != nil {
		return persistenceError(sqliteBackend, "replace", err)
	}
	defer stmt.Close()
	for _, record := range next {
		value, err := EncodeRecordValue(record)
		if err != nil {
			return persistenceError(sqliteBackend, "replace", err)
		}
		if _, err := stmt.ExecContext(ctx, record.ID, FormatVersion, string(value)); err != nil {
			return persistenceError(sqliteBackend, "replace", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persistenceError(sqliteBackend, "replace", err)
	}
	committed = true
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
