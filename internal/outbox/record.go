package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
)

// Record is one pending mutation. Payload is opaque to the queue.
type Record struct {
	ID            string          `json:"id"`
	OriginID      string          `json:"originId"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	Status        Status          `json:"status"`
	LastError     string          `json:"lastError,omitempty"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
}

// NewRecord builds a pending record with a fresh time-ordered id. The origin id
// equals the id so the remote side can deduplicate retried deliveries.
func NewRecord(payload json.RawMessage, now time.Time) (Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:        id.String(),
		OriginID:  id.String(),
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: now.UTC(),
		Status:    StatusPending,
	}, nil
}

func (r Record) Rejected() bool {
	return r.Status == StatusRejected
}

// Clone returns a deep copy so callers cannot alias store-owned memory.
func (r Record) Clone() Record {
	out := r
	out.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.LastAttemptAt != nil {
		ts := *r.LastAttemptAt
		out.LastAttemptAt = &ts
	}
	if r.NextAttemptAt != nil {
		ts := *r.NextAttemptAt
		out.NextAttemptAt = &ts
	}
	return out
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, record := range records {
		out = append(out, record.Clone())
	}
	return out
}

func normalizeRecord(r Record) Record {
	r.ID = strings.TrimSpace(r.ID)
	r.OriginID = strings.TrimSpace(r.OriginID)
	if r.OriginID == "" {
		r.OriginID = r.ID
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if !r.CreatedAt.IsZero() {
		r.CreatedAt = r.CreatedAt.UTC()
	}
	return r
}

func validateRecords(records []Record) error {
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if strings.TrimSpace(record.ID) == "" {
			return ErrInvalidInput
		}
		if _, ok := seen[record.ID]; ok {
			return ErrDuplicateRecord
		}
		seen[record.ID] = struct{}{}
	}
	return nil
}
