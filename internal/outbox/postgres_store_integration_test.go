package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStoreRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store failed: %v", err)
	}
	store.tableName = postgresIntegrationTableName("fieldsync_mutations_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, store.dsn, store.tableName)
	})

	ctx := context.Background()
	a, b, c := testRecord(t, 1), testRecord(t, 2), testRecord(t, 3)
	for _, record := range []Record{a, b, c} {
		if err := store.Enqueue(ctx, record); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if err := store.Enqueue(ctx, a); !errors.Is(err, ErrDuplicateRecord) {
		t.Fatalf("expected duplicate record error, got %v", err)
	}
	b.Attempts = 1
	if err := store.ReplaceAll(ctx, []Record{b}); err != nil {
		t.Fatalf("replace all failed: %v", err)
	}
	records, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != b.ID || records[0].Attempts != 1 {
		t.Fatalf("expected only %s with one attempt, got %+v", b.ID, records)
	}
}

func TestPostgresIntegrationQueueKeysAreIsolated(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	table := postgresIntegrationTableName("fieldsync_mutations_keys_it")
	open := func(key string) *PostgresStore {
		store, err := NewPostgresStore(dsn + postgresQuerySeparator(dsn) + postgresQueueKeyParam + "=" + key)
		if err != nil {
			t.Fatalf("new postgres store failed: %v", err)
		}
		store.tableName = table
		return store
	}
	first := open("device-a")
	second := open("device-b")
	t.Cleanup(func() {
		_ = first.Close()
		_ = second.Close()
		postgresIntegrationDropTable(t, first.dsn, table)
	})

	ctx := context.Background()
	if err := first.Enqueue(ctx, testRecord(t, 1)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := second.ReplaceAll(ctx, nil); err != nil {
		t.Fatalf("replace on other key failed: %v", err)
	}
	records, err := first.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected replace on another queue key to leave record, got %d", len(records))
	}
}

func postgresQuerySeparator(dsn string) string {
	if strings.Contains(dsn, "?") {
		return "&"
	}
	return "?"
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FIELDSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set FIELDSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
