package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresBackend          = "postgres"
	postgresTableName        = "fieldsync_mutations"
	postgresDefaultQueueKey  = "default"
	postgresQueueKeyParam    = "fieldsync_queue"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore shares one table between queues; queue_key separates devices
// or tenants. Writers serialize on a transaction-scoped advisory lock.
type PostgresStore struct {
	dsn       string
	tableName string
	queueKey  string
	openDB    sqlOpenFunc

	// mu guards db; a failed init leaves it nil so the next call retries.
	mu sync.Mutex
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	connDSN, queueKey, err := splitPostgresQueueKey(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{
		dsn:       connDSN,
		tableName: postgresTableName,
		queueKey:  queueKey,
		openDB:    sql.Open,
	}, nil
}

// splitPostgresQueueKey strips the queue selector from the DSN; lib/pq would
// otherwise forward it to the server as a runtime parameter.
func splitPostgresQueueKey(dsn string) (string, string, error) {
	lower := strings.ToLower(dsn)
	if !strings.HasPrefix(lower, "postgres://") && !strings.HasPrefix(lower, "postgresql://") {
		return dsn, postgresDefaultQueueKey, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", "", err
	}
	query := parsed.Query()
	queueKey := strings.TrimSpace(query.Get(postgresQueueKeyParam))
	if queueKey == "" {
		queueKey = postgresDefaultQueueKey
	}
	query.Del(postgresQueueKeyParam)
	parsed.RawQuery = query.Encode()
	return parsed.String(), queueKey, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	createTableQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			queue_key TEXT NOT NULL,
			id TEXT NOT NULL,
			format_version INTEGER NOT NULL,
			record TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (queue_key, id)
		)`, postgresQuoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		_ = db.Close()
		return err
	}
	indexName := s.tableName + "_queue_key_seq_idx"
	createIndexQuery := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, seq)",
		postgresQuoteIdentifier(indexName),
		postgresQuoteIdentifier(s.tableName),
	)
	if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, record Record) error {
	record = normalizeRecord(record)
	if record.ID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return persistenceError(postgresBackend, "open", err)
	}
	value, err := EncodeRecordValue(record)
	if err != nil {
		return persistenceError(postgresBackend, "enqueue", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var inserted bool
	err = s.withLockedTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			INSERT INTO %s (queue_key, id, format_version, record, created_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (queue_key, id) DO NOTHING`, postgresQuoteIdentifier(s.tableName))
		result, err := tx.ExecContext(ctx, query, s.queueKey, record.ID, FormatVersion, string(value))
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		inserted = affected > 0
		return nil
	})
	if err != nil {
		return persistenceError(postgresBackend, "enqueue", err)
	}
	if !inserted {
		return ErrDuplicateRecord
	}
	return nil
}

func (s *PostgresStore) ReadAll(ctx context.Context) ([]Record, error) {
	if err := s.ensureReady(); err != nil {
		return nil, persistenceError(postgresBackend, "open", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT record FROM %s WHERE queue_key = $1 ORDER BY seq ASC", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, s.queueKey)
	if err != nil {
		return nil, persistenceError(postgresBackend, "read", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, persistenceError(postgresBackend, "read", err)
		}
		record, err := DecodeRecordValue([]byte(value))
		if err != nil {
			return nil, persistenceError(postgresBackend, "read", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError(postgresBackend, "read", err)
	}
	return records, nil
}

func (s *PostgresStore) ReplaceAll(ctx context.Context, records []Record) error {
	next := make([]Record, 0, len(records))
	for _, record := range records {
		next = append(next, normalizeRecord(record))
	}
	if err := validateRecords(next); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return persistenceError(postgresBackend, "open", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	err := s.withLockedTx(ctx, func(tx *sql.Tx) error {
		deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(s.tableName))
		if _, err := tx.ExecContext(ctx, deleteQuery, s.queueKey); err != nil {
			return err
		}
		insertQuery := fmt.Sprintf(
			"INSERT INTO %s (queue_key, id, format_version, record, created_at) VALUES ($1, $2, $3, $4, NOW())",
			postgresQuoteIdentifier(s.tableName),
		)
		for _, record := range next {
			value, err := EncodeRecordValue(record)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insertQuery, s.queueKey, record.ID, FormatVersion, string(value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return persistenceError(postgresBackend, "replace", err)
	}
	return nil
}

func (s *PostgresStore) withLockedTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	lockKey := postgresQueueLockKey(s.tableName, s.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
