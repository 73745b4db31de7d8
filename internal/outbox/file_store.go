package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileBackend = "file"

// FileStore keeps the queue as one versioned JSON document. Every mutation
// rewrites the document through a temp file and rename, so readers see either
// the old or the new queue, never a torn write.
type FileStore struct {
	path      string
	mu        sync.Mutex
	records   []Record
	lock      *os.File
	closed    bool
	writeFile func(path string, data []byte, mode os.FileMode) error
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, persistenceError(fileBackend, "open", err)
	}
	lock, err := lockFile(path + ".lock")
	if err != nil {
		if errors.Is(err, ErrStoreLocked) {
			return nil, err
		}
		return nil, persistenceError(fileBackend, "lock", err)
	}
	s := &FileStore{
		path:      path,
		records:   []Record{},
		lock:      lock,
		writeFile: writeFileAtomic,
	}
	if err := s.load(); err != nil {
		_ = unlockFile(lock)
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Enqueue(_ context.Context, record Record) error {
	record = normalizeRecord(record)
	if record.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return persistenceError(fileBackend, "enqueue", os.ErrClosed)
	}
	for _, existing := range s.records {
		if existing.ID == record.ID {
			return ErrDuplicateRecord
		}
	}
	s.records = append(s.records, record.Clone())
	if err := s.saveLocked(); err != nil {
		s.records = s.records[:len(s.records)-1]
		return persistenceError(fileBackend, "enqueue", err)
	}
	return nil
}

func (s *FileStore) ReadAll(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, persistenceError(fileBackend, "read", os.ErrClosed)
	}
	return cloneRecords(s.records), nil
}

func (s *FileStore) ReplaceAll(_ context.Context, records []Record) error {
	next := make([]Record, 0, len(records))
	for _, record := range records {
		next = append(next, normalizeRecord(record).Clone())
	}
	if err := validateRecords(next); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return persistenceError(fileBackend, "replace", os.ErrClosed)
	}
	previous := s.records
	s.records = next
	if err := s.saveLocked(); err != nil {
		s.records = previous
		return persistenceError(fileBackend, "replace", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unlockFile(s.lock)
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return persistenceError(fileBackend, "load", err)
	}
	records, version, err := DecodeDocument(data)
	if err != nil {
		return persistenceError(fileBackend, "load", err)
	}
	s.records = records
	if version < FormatVersion {
		if err := s.saveLocked(); err != nil {
			return persistenceError(fileBackend, "migrate", err)
		}
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	data, err := EncodeDocument(s.records)
	if err != nil {
		return err
	}
	return s.writeFile(s.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	_ = syncDir(dir)
	return nil
}
