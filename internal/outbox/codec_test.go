package outbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
)

func goldenRecords() []Record {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	attempted := time.Date(2026, 3, 1, 8, 5, 0, 0, time.UTC)
	return []Record{
		{
			ID:        "0195a1b2-0000-7000-8000-000000000001",
			OriginID:  "0195a1b2-0000-7000-8000-000000000001",
			Payload:   json.RawMessage(`{"kind":"reading","value":12.5}`),
			CreatedAt: created,
			Status:    StatusPending,
		},
		{
			ID:            "0195a1b2-0000-7000-8000-000000000002",
			OriginID:      "0195a1b2-0000-7000-8000-000000000002",
			Payload:       json.RawMessage(`{"kind":"residue"}`),
			CreatedAt:     created.Add(time.Minute),
			Attempts:      2,
			Status:        StatusRejected,
			LastError:     "invalid payload",
			LastAttemptAt: &attempted,
		},
	}
}

func TestEncodeDocumentMatchesGolden(t *testing.T) {
	data, err := EncodeDocument(goldenRecords())
	if err != nil {
		t.Fatalf("encode document failed: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "queue_document_v2", data)
}

func TestDecodeDocumentRoundTripsCurrentVersion(t *testing.T) {
	data, err := EncodeDocument(goldenRecords())
	if err != nil {
		t.Fatalf("encode document failed: %v", err)
	}
	records, version, err := DecodeDocument(data)
	if err != nil {
		t.Fatalf("decode document failed: %v", err)
	}
	if version != FormatVersion {
		t.Fatalf("expected version %d, got %d", FormatVersion, version)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1].Status != StatusRejected || records[1].Attempts != 2 {
		t.Fatalf("expected rejected record with 2 attempts, got %+v", records[1])
	}
	if records[1].LastAttemptAt == nil || !records[1].LastAttemptAt.Equal(time.Date(2026, 3, 1, 8, 5, 0, 0, time.UTC)) {
		t.Fatalf("expected last attempt timestamp to survive, got %v", records[1].LastAttemptAt)
	}
}

func TestDecodeDocumentMigratesLegacyLayout(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "queue_v1_legacy.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	records, version, err := DecodeDocument(data)
	if err != nil {
		t.Fatalf("decode legacy document failed: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected legacy version 1, got %d", version)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 migrated records, got %d", len(records))
	}
	first := records[0]
	if first.ID != "legacy-1" || first.OriginID != "legacy-1" {
		t.Fatalf("expected origin id to default to id, got %+v", first)
	}
	if first.Attempts != 2 {
		t.Fatalf("expected retries to migrate into attempts, got %d", first.Attempts)
	}
	if first.Status != StatusPending {
		t.Fatalf("expected migrated record to be pending, got %s", first.Status)
	}
	if records[1].ID != "legacy-2" {
		t.Fatalf("expected legacy order to be preserved, got %s", records[1].ID)
	}
}

func TestDecodeDocumentRejectsNewerVersion(t *testing.T) {
	_, _, err := DecodeDocument([]byte(`{"version":9,"records":[]}`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unsupported version error, got %v", err)
	}
}

func TestDecodeDocumentRejectsDuplicateIDs(t *testing.T) {
	_, _, err := DecodeDocument([]byte(`{"version":2,"records":[{"id":"a","payload":{}},{"id":"a","payload":{}}]}`))
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected corrupt state error, got %v", err)
	}
}

func TestDecodeDocumentEmptyInput(t *testing.T) {
	records, _, err := DecodeDocument([]byte("  \n"))
	if err != nil {
		t.Fatalf("decode empty document failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestRecordValueMigratesVersionOneRow(t *testing.T) {
	record, err := DecodeRecordValue([]byte(`{"version":1,"record":{"id":"row-1","payload":{"a":1},"createdAt":"2025-01-01T00:00:00Z","retries":4}}`))
	if err != nil {
		t.Fatalf("decode v1 row failed: %v", err)
	}
	if record.ID != "row-1" || record.OriginID != "row-1" || record.Attempts != 4 {
		t.Fatalf("unexpected migrated row: %+v", record)
	}

	value, err := EncodeRecordValue(record)
	if err != nil {
		t.Fatalf("encode row failed: %v", err)
	}
	again, err := DecodeRecordValue(value)
	if err != nil {
		t.Fatalf("decode v2 row failed: %v", err)
	}
	if again.ID != record.ID || again.Attempts != record.Attempts || string(again.Payload) != `{"a":1}` {
		t.Fatalf("expected row to round trip, got %+v", again)
	}
}

func TestRecordValueRejectsUnknownVersion(t *testing.T) {
	_, err := DecodeRecordValue([]byte(`{"version":3,"record":{"id":"x"}}`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unsupported version error, got %v", err)
	}
}
