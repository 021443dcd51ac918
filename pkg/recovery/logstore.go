package recovery

import (
	"errors"
	"fmt"

	"reldb/pkg/log/record"
	"reldb/pkg/log/wal"
	"reldb/pkg/primitives"
)

// ErrLogGap means a dense-LSN lookup fell inside the loaded range but found
// no record, which can only happen if the log writer skipped an LSN.
var ErrLogGap = errors.New("recovery: gap in log sequence")

// LogStore is the in-memory, ordered view of the durable log held for the
// duration of recovery. Records are owned here; the three phases borrow
// them. LSNs are dense, so lookup is a base-offset index: the log's first
// LSN is not necessarily zero once the log has been truncated.
type LogStore struct {
	records []*record.LogRecord
	offset  int64 // index = lsn + offset
}

// LoadLogStore drains every durable record of the log at path. The reader
// layer has already discarded any corrupt tail.
func LoadLogStore(path string) (*LogStore, error) {
	reader, err := wal.NewLogReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("recovery: loading log: %w", err)
	}
	store := &LogStore{records: records}
	if len(records) > 0 {
		store.offset = -int64(records[0].LSN)
	}
	return store, nil
}

// Get returns the record at lsn, or false for InvalidLSN and anything
// outside the loaded range.
func (s *LogStore) Get(lsn primitives.LSN) (*record.LogRecord, bool) {
	if !lsn.Valid() {
		return nil, false
	}
	idx := int64(lsn) + s.offset
	if idx < 0 || idx >= int64(len(s.records)) {
		return nil, false
	}
	return s.records[idx], true
}

// Len returns the number of loaded records.
func (s *LogStore) Len() int {
	return len(s.records)
}

// FirstLSN returns the LSN of the earliest loaded record, or InvalidLSN for
// an empty log.
func (s *LogStore) FirstLSN() primitives.LSN {
	if len(s.records) == 0 {
		return primitives.InvalidLSN
	}
	return s.records[0].LSN
}

// LastLSN returns the LSN of the latest loaded record, or InvalidLSN for an
// empty log.
func (s *LogStore) LastLSN() primitives.LSN {
	if len(s.records) == 0 {
		return primitives.InvalidLSN
	}
	return s.records[len(s.records)-1].LSN
}
