package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FormatVersion is the persisted layout written by this build. Version 1 and
// the unversioned layout before it are migrated on read.
const FormatVersion = 2

type document struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

type documentProbe struct {
	Version *int            `json:"version"`
	Records json.RawMessage `json:"records"`
	Items   json.RawMessage `json:"items"`
}

// legacyItem is the version 1 record layout.
type legacyItem struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Retries   int             `json:"retries"`
}

type rowEnvelope struct {
	Version int             `json:"version"`
	Record  json.RawMessage `json:"record"`
}

// EncodeDocument renders the whole queue as one versioned JSON document.
func EncodeDocument(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(document{Version: FormatVersion, Records: records}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeDocument parses any known document version and returns the records in
// the current layout together with the version that was read.
func DecodeDocument(data []byte) ([]Record, int, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []Record{}, FormatVersion, nil
	}
	var probe documentProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	version := 1
	if probe.Version != nil {
		version = *probe.Version
	}
	var records []Record
	switch version {
	case 1:
		raw := probe.Items
		if len(raw) == 0 {
			raw = probe.Records
		}
		items, err := decodeLegacyItems(raw)
		if err != nil {
			return nil, 0, err
		}
		records = items
	case 2:
		if len(probe.Records) > 0 {
			if err := json.Unmarshal(probe.Records, &records); err != nil {
				return nil, 0, fmt.Errorf("%w: %v", ErrCorruptState, err)
			}
		}
	default:
		return nil, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if records == nil {
		records = []Record{}
	}
	for i := range records {
		records[i] = normalizeRecord(records[i])
	}
	if err := validateRecords(records); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return records, version, nil
}

// EncodeRecordValue renders one record for row and key-value backends.
func EncodeRecordValue(record Record) ([]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rowEnvelope{Version: FormatVersion, Record: raw})
}

func DecodeRecordValue(data []byte) (Record, error) {
	var envelope rowEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	var record Record
	switch envelope.Version {
	case 0, 1:
		raw := envelope.Record
		if len(raw) == 0 {
			raw = data
		}
		var item legacyItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
		record = migrateLegacyItem(item)
	case 2:
		if err := json.Unmarshal(envelope.Record, &record); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
	default:
		return Record{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, envelope.Version)
	}
	record = normalizeRecord(record)
	if record.ID == "" {
		return Record{}, fmt.Errorf("%w: record without id", ErrCorruptState)
	}
	return record, nil
}

func decodeLegacyItems(raw json.RawMessage) ([]Record, error) {
	if len(raw) == 0 {
		return []Record{}, nil
	}
	var items []legacyItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	records := make([]Record, 0, len(items))
	for _, item := range items {
		records = append(records, migrateLegacyItem(item))
	}
	return records, nil
}

func migrateLegacyItem(item legacyItem) Record {
	id := strings.TrimSpace(item.ID)
	return Record{
		ID:        id,
		OriginID:  id,
		Payload:   item.Payload,
		CreatedAt: item.CreatedAt.UTC(),
		Attempts:  item.Retries,
		Status:    StatusPending,
	}
}
