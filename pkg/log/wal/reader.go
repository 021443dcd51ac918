package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"

	"reldb/pkg/log/record"
	"reldb/pkg/primitives"
)

// ErrEndOfLog is returned by ReadNext once the last intact frame has been
// consumed, whether the file ends cleanly or in a corrupt tail.
var ErrEndOfLog = errors.New("wal: end of log")

// LogReader iterates the durable records of a log file in physical order.
// A short or checksum-damaged tail frame ends the iteration: by the WAL
// protocol nothing committed can live past it, so it is not an error here.
// Callers that repair the file use TailOffset and Truncated to decide.
type LogReader struct {
	file       *os.File
	r          *bufio.Reader
	instanceID uuid.UUID
	tailOffset int64
	truncated  bool
	done       bool
}

// NewLogReader opens the log at path and validates its header.
func NewLogReader(path string) (*LogReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: opening log for read: %w", err)
	}

	header := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: file shorter than header", ErrBadHeader)
	}
	if string(header[0:8]) != walMagic {
		file.Close()
		return nil, fmt.Errorf("%w: bad magic", ErrBadHeader)
	}
	if v := binary.BigEndian.Uint16(header[8:10]); v != walVersion {
		file.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadHeader, v)
	}

	lr := &LogReader{
		file:       file,
		r:          bufio.NewReader(file),
		tailOffset: walHeaderSize,
	}
	copy(lr.instanceID[:], header[16:32])
	return lr, nil
}

// InstanceID returns the database instance recorded in the log header.
func (lr *LogReader) InstanceID() uuid.UUID {
	return lr.instanceID
}

// ReadNext returns the next intact record, or ErrEndOfLog. A frame that
// passes its checksum but decodes to an unknown kind is writer/reader schema
// skew and is returned as a fatal error.
func (lr *LogReader) ReadNext() (*record.LogRecord, error) {
	if lr.done {
		return nil, ErrEndOfLog
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(lr.r, lenBuf[:]); err != nil {
		return nil, lr.endOfLog(err != io.EOF)
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen < record.HeaderSize {
		return nil, lr.endOfLog(true)
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(lr.r, body); err != nil {
		return nil, lr.endOfLog(true)
	}
	var sumBuf [8]byte
	if _, err := io.ReadFull(lr.r, sumBuf[:]); err != nil {
		return nil, lr.endOfLog(true)
	}
	if binary.BigEndian.Uint64(sumBuf[:]) != xxhash.Sum64(body) {
		return nil, lr.endOfLog(true)
	}

	rec, _, err := record.Decode(body)
	if err != nil {
		// The frame survived its checksum, so this is not tail damage:
		// the writer speaks a format this reader does not.
		return nil, fmt.Errorf("wal: frame at offset %d: %w", lr.tailOffset, err)
	}

	lr.tailOffset += frameOverhead + int64(frameLen)
	return rec, nil
}

func (lr *LogReader) endOfLog(corrupt bool) error {
	lr.done = true
	lr.truncated = lr.truncated || corrupt
	return ErrEndOfLog
}

// TailOffset returns the file offset just past the last intact frame.
func (lr *LogReader) TailOffset() int64 {
	return lr.tailOffset
}

// Truncated reports whether the log ended in a damaged or partial frame
// rather than cleanly at EOF.
func (lr *LogReader) Truncated() bool {
	return lr.truncated
}

// Close releases the underlying file.
func (lr *LogReader) Close() error {
	return lr.file.Close()
}

// ReadAll drains the reader and returns every intact record in order.
func (lr *LogReader) ReadAll() ([]*record.LogRecord, error) {
	var records []*record.LogRecord
	for {
		rec, err := lr.ReadNext()
		if err != nil {
			if errors.Is(err, ErrEndOfLog) {
				return records, nil
			}
			return nil, err
		}
		records = append(records, rec)
	}
}

// LastLSN scans the log at path and returns the LSN of its final durable
// record, or InvalidLSN for an empty log.
func LastLSN(path string) (primitives.LSN, error) {
	lr, err := NewLogReader(path)
	if err != nil {
		return primitives.InvalidLSN, err
	}
	defer lr.Close()
	records, err := lr.ReadAll()
	if err != nil {
		return primitives.InvalidLSN, err
	}
	if len(records) == 0 {
		return primitives.InvalidLSN, nil
	}
	return records[len(records)-1].LSN, nil
}
