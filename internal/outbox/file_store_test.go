package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStoreRollsBackOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	defer store.Close()

	first := testRecord(t, 1)
	if err := store.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	diskFull := errors.New("no space left on device")
	store.writeFile = func(string, []byte, os.FileMode) error { return diskFull }

	err = store.Enqueue(ctx, testRecord(t, 2))
	var persistErr *PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, diskFull) {
		t.Fatalf("expected error to match ErrPersistence and the cause, got %v", err)
	}
	if persistErr.Op != "enqueue" || persistErr.Backend != "file" {
		t.Fatalf("unexpected persistence error fields: %+v", persistErr)
	}
	if err := store.ReplaceAll(ctx, nil); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected replace to fail with persistence error, got %v", err)
	}

	records, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != first.ID {
		t.Fatalf("expected in-memory queue to roll back to [%s], got %v", first.ID, recordIDs(records))
	}
}

func TestFileStoreLocksAgainstSecondOpener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	if _, err := NewFileStore(path); !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("expected second opener to be locked out, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("expected reopen after close to succeed, got %v", err)
	}
	_ = reopened.Close()
}

func TestFileStoreMigratesLegacyDocumentOnOpen(t *testing.T) {
	legacy, err := os.ReadFile(filepath.Join("testdata", "queue_v1_legacy.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, legacy, 0o644); err != nil {
		t.Fatalf("write legacy queue: %v", err)
	}
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("open legacy queue failed: %v", err)
	}
	defer store.Close()

	records, err := store.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("read all failed: %v", err)
	}
	if got := recordIDs(records); !sameIDs(got, []string{"legacy-1", "legacy-2"}) {
		t.Fatalf("expected migrated legacy records, got %v", got)
	}
	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rewritten queue: %v", err)
	}
	if !strings.Contains(string(rewritten), `"version": 2`) {
		t.Fatalf("expected queue file to be rewritten at version 2, got %s", rewritten)
	}
}

func TestFileStoreRefusesUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte(`{"version":7,"records":[]}`), 0o644); err != nil {
		t.Fatalf("write queue: %v", err)
	}
	_, err := NewFileStore(path)
	if !errors.Is(err, ErrUnsupportedVersion) || !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected unsupported version persistence error, got %v", err)
	}
	original, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("read queue: %v", readErr)
	}
	if string(original) != `{"version":7,"records":[]}` {
		t.Fatalf("expected newer queue file to be left untouched, got %s", original)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "queue.json"))
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	defer store.Close()
	for i := 0; i < 3; i++ {
		if err := store.Enqueue(context.Background(), testRecord(t, i)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("unexpected temp file left behind: %s", entry.Name())
		}
	}
}

func TestFileStoreClosedOperationsFail(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := store.ReadAll(context.Background()); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}
