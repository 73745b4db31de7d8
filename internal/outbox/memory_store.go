package outbox

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: []Record{}}
}

func (s *MemoryStore) Enqueue(_ context.Context, record Record) error {
	record = normalizeRecord(record)
	if record.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.ID == record.ID {
			return ErrDuplicateRecord
		}
	}
	s.records = append(s.records, record.Clone())
	return nil
}

func (s *MemoryStore) ReadAll(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecords(s.records), nil
}

func (s *MemoryStore) ReplaceAll(_ context.Context, records []Record) error {
	next := make([]Record, 0, len(records))
	for _, record := range records {
		next = append(next, normalizeRecord(record).Clone())
	}
	if err := validateRecords(next); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = next
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
