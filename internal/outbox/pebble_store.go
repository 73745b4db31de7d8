package outbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

const pebbleBackend = "pebble"

var (
	pebbleRecordLower = []byte("r/")
	pebbleRecordUpper = []byte("r0")
	pebbleNextSeqKey  = []byte("m/next-seq")
)

// PebbleStore keeps one key per record under r/<seq>. Keys sort by sequence,
// so iteration order is queue order. Every mutation commits one synced batch.
type PebbleStore struct {
	dir string
	mu  sync.Mutex
	db  *pebble.DB
	seq uint64
	ids map[string]struct{}
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, persistenceError(pebbleBackend, "open", err)
	}
	s := &PebbleStore{dir: dir, db: db, ids: map[string]struct{}{}}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) load() error {
	value, closer, err := s.db.Get(pebbleNextSeqKey)
	switch {
	case err == pebble.ErrNotFound:
		s.seq = 0
	case err != nil:
		return persistenceError(pebbleBackend, "load", err)
	default:
		if len(value) == 8 {
			s.seq = binary.BigEndian.Uint64(value)
		}
		_ = closer.Close()
	}
	records, err := s.scan()
	if err != nil {
		return err
	}
	for _, record := range records {
		s.ids[record.ID] = struct{}{}
	}
	return nil
}

func (s *PebbleStore) Enqueue(_ context.Context, record Record) error {
	record = normalizeRecord(record)
	if record.ID == "" {
		return ErrInvalidInput
	}
	value, err := EncodeRecordValue(record)
	if err != nil {
		return persistenceError(pebbleBackend, "enqueue", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return persistenceError(pebbleBackend, "enqueue", os.ErrClosed)
	}
	if _, ok := s.ids[record.ID]; ok {
		return ErrDuplicateRecord
	}
	next := s.seq + 1
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(pebbleRecordKey(next), value, nil); err != nil {
		return persistenceError(pebbleBackend, "enqueue", err)
	}
	if err := batch.Set(pebbleNextSeqKey, encodeSeq(next), nil); err != nil {
		return persistenceError(pebbleBackend, "enqueue", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return persistenceError(pebbleBackend, "enqueue", err)
	}
	s.seq = next
	s.ids[record.ID] = struct{}{}
	return nil
}

func (s *PebbleStore) ReadAll(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan()
}

func (s *PebbleStore) ReplaceAll(_ context.Context, records []Record) error {
	next := make([]Record, 0, len(records))
	for _, record := range records {
		next = append(next, normalizeRecord(record))
	}
	if err := validateRecords(next); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return persistenceError(pebbleBackend, "replace", os.ErrClosed)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(pebbleRecordLower, pebbleRecordUpper, nil); err != nil {
		return persistenceError(pebbleBackend, "replace", err)
	}
	seq := s.seq
	ids := make(map[string]struct{}, len(next))
	for _, record := range next {
		value, err := EncodeRecordValue(record)
		if err != nil {
			return persistenceError(pebbleBackend, "replace", err)
		}
		seq++
		if err := batch.Set(pebbleRecordKey(seq), value, nil); err != nil {
			return persistenceError(pebbleBackend, "replace", err)
		}
		ids[record.ID] = struct{}{}
	}
	if err := batch.Set(pebbleNextSeqKey, encodeSeq(seq), nil); err != nil {
		return persistenceError(pebbleBackend, "replace", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return persistenceError(pebbleBackend, "replace", err)
	}
	s.seq = seq
	s.ids = ids
	return nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PebbleStore) scan() ([]Record, error) {
	if s.db == nil {
		return nil, persistenceError(pebbleBackend, "read", os.ErrClosed)
	}
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleRecordLower,
		UpperBound: pebbleRecordUpper,
	})
	defer iter.Close()

	records := make([]Record, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		record, err := DecodeRecordValue(iter.Value())
		if err != nil {
			return nil, persistenceError(pebbleBackend, "read", err)
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, persistenceError(pebbleBackend, "read", err)
	}
	return records, nil
}

func pebbleRecordKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("r/%020d", seq))
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
