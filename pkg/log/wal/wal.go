// Package wal implements the write-ahead log manager: an append buffer with
// dense LSN assignment, durable frame encoding with checksums, the master
// record locating the most recent checkpoint, fuzzy checkpointing and log
// truncation.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"reldb/pkg/log/record"
	"reldb/pkg/primitives"
)

// On-disk layout. The file starts with a fixed header identifying the
// instance, followed by frames:
//
//	header [magic:8][version:2][reserved:6][instanceID:16]
//	frame  [length:4][record bytes][xxhash64 of record bytes:8]
//
// A frame whose length or checksum does not hold is the corrupt tail: the
// WAL protocol guarantees no committed work lives past the last good frame,
// so everything from there on is discarded.
const (
	walMagic      = "RELDBWAL"
	walVersion    = 1
	walHeaderSize = 32
	frameOverhead = 4 + 8
)

// ErrBadHeader means the file is not a WAL file at all.
var ErrBadHeader = errors.New("wal: malformed log file header")

type txnState struct {
	firstLSN primitives.LSN
	lastLSN  primitives.LSN
}

type pageState struct {
	id     primitives.PageID
	recLSN primitives.LSN
}

// WAL is the log manager. Appends buffer in memory and are made durable by
// Force; no page carrying an LSN may reach disk before Force has covered it.
type WAL struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	buf        *bufio.Writer
	nextLSN    primitives.LSN
	instanceID uuid.UUID
	log        *logrus.Entry

	// Live trackers snapshotted by checkpoints: transactions that are
	// neither committed nor aborted, and the first LSN that dirtied each
	// page since its last flush epoch.
	activeTxns map[primitives.TransactionID]*txnState
	dirtyPages map[primitives.HashCode]*pageState
}

// Open opens or creates the log at path. An existing log is scanned to the
// last intact frame; a corrupt tail is truncated away and the next LSN
// resumes after the last durable record.
func Open(path string) (*WAL, error) {
	w := &WAL{
		path:       path,
		log:        logrus.WithField("component", "wal"),
		activeTxns: make(map[primitives.TransactionID]*txnState),
		dirtyPages: make(map[primitives.HashCode]*pageState),
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := w.create(); err != nil {
			return nil, err
		}
		return w, nil
	}

	reader, err := NewLogReader(path)
	if err != nil {
		return nil, err
	}
	w.instanceID = reader.InstanceID()
	lastLSN := primitives.InvalidLSN
	for {
		rec, err := reader.ReadNext()
		if err != nil {
			if errors.Is(err, ErrEndOfLog) {
				break
			}
			reader.Close()
			return nil, fmt.Errorf("wal: scanning %s: %w", path, err)
		}
		lastLSN = rec.LSN
	}
	tail := reader.TailOffset()
	truncated := reader.Truncated()
	reader.Close()

	if truncated {
		w.log.WithFields(logrus.Fields{"path": path, "offset": tail}).
			Warn("discarding corrupt log tail")
		if err := os.Truncate(path, tail); err != nil {
			return nil, fmt.Errorf("wal: truncating corrupt tail: %w", err)
		}
	}

	w.file, err = os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: reopening log: %w", err)
	}
	if _, err := w.file.Seek(0, 2); err != nil {
		w.file.Close()
		return nil, fmt.Errorf("wal: seeking to log end: %w", err)
	}
	w.buf = bufio.NewWriter(w.file)
	w.nextLSN = lastLSN + 1
	return w, nil
}

func (w *WAL) create() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("wal: creating log: %w", err)
	}
	w.file = file
	w.buf = bufio.NewWriter(file)
	w.instanceID = uuid.New()
	w.nextLSN = 0

	header := encodeHeader(w.instanceID)
	if _, err := w.buf.Write(header); err != nil {
		file.Close()
		return fmt.Errorf("wal: writing log header: %w", err)
	}
	if err := w.Force(); err != nil {
		file.Close()
		return err
	}
	return nil
}

func encodeHeader(id uuid.UUID) []byte {
	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.BigEndian.PutUint16(header[8:10], walVersion)
	copy(header[16:32], id[:])
	return header
}

// InstanceID returns the database instance this log belongs to.
func (w *WAL) InstanceID() uuid.UUID {
	return w.instanceID
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// Append assigns the next LSN to rec, buffers its frame, and returns the
// assigned LSN. The record becomes durable at the next Force. The caller is
// responsible for PrevLSN chaining; Append keeps the active-transaction
// tracker in step with what it sees.
func (w *WAL) Append(rec *record.LogRecord) (primitives.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(rec)
}

func (w *WAL) appendLocked(rec *record.LogRecord) (primitives.LSN, error) {
	rec.LSN = w.nextLSN
	encoded, err := record.Encode(rec)
	if err != nil {
		return primitives.InvalidLSN, err
	}

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(encoded)))
	if _, err := w.buf.Write(frame[:]); err != nil {
		return primitives.InvalidLSN, fmt.Errorf("wal: buffering frame length: %w", err)
	}
	if _, err := w.buf.Write(encoded); err != nil {
		return primitives.InvalidLSN, fmt.Errorf("wal: buffering record: %w", err)
	}
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(encoded))
	if _, err := w.buf.Write(sum[:]); err != nil {
		return primitives.InvalidLSN, fmt.Errorf("wal: buffering checksum: %w", err)
	}

	w.nextLSN++
	w.trackLocked(rec)
	return rec.LSN, nil
}

// trackLocked keeps the checkpoint trackers in step with the record stream.
func (w *WAL) trackLocked(rec *record.LogRecord) {
	switch rec.Kind {
	case record.KindBegin:
		w.activeTxns[rec.TxnID] = &txnState{firstLSN: rec.LSN, lastLSN: rec.LSN}
	case record.KindCommit, record.KindAbort:
		delete(w.activeTxns, rec.TxnID)
	case record.KindCkptBegin, record.KindCkptEnd:
	default:
		if st, ok := w.activeTxns[rec.TxnID]; ok {
			st.lastLSN = rec.LSN
		} else {
			// First sighting mid-log, e.g. a CLR appended during
			// recovery for a transaction begun before a truncated
			// prefix.
			w.activeTxns[rec.TxnID] = &txnState{firstLSN: rec.LSN, lastLSN: rec.LSN}
		}
	}
}

// markDirtyLocked records the first LSN that dirtied a page since the last
// flush epoch. First writer wins; that LSN is the page's recLSN.
func (w *WAL) markDirtyLocked(pid primitives.PageID, lsn primitives.LSN) {
	code := pid.HashCode()
	if _, ok := w.dirtyPages[code]; !ok {
		w.dirtyPages[code] = &pageState{id: pid, recLSN: lsn}
	}
}

// AppendBegin starts a transaction's log chain.
func (w *WAL) AppendBegin(txn primitives.TransactionID) (primitives.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(record.NewBegin(txn))
}

// AppendCommit ends a transaction's chain with a commit and forces the log:
// a commit that has not reached disk is no commit.
func (w *WAL) AppendCommit(txn primitives.TransactionID) (primitives.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn, err := w.appendLocked(record.NewCommit(txn, w.lastLSNLocked(txn)))
	if err != nil {
		return primitives.InvalidLSN, err
	}
	if err := w.forceLocked(); err != nil {
		return primitives.InvalidLSN, err
	}
	return lsn, nil
}

// AppendAbort ends a transaction's chain with an abort record.
func (w *WAL) AppendAbort(txn primitives.TransactionID) (primitives.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(record.NewAbort(txn, w.lastLSNLocked(txn)))
}

// AppendInsert logs an insert of value at rid in table, on the page pid.
func (w *WAL) AppendInsert(txn primitives.TransactionID, table string, pid primitives.PageID, rid primitives.RID, value []byte) (primitives.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn, err := w.appendLocked(record.NewInsert(txn, w.lastLSNLocked(txn), table, rid, value))
	if err != nil {
		return primitives.InvalidLSN, err
	}
	w.markDirtyLocked(pid, lsn)
	return lsn, nil
}

// AppendDelete logs a delete of the tuple at rid; value is the deleted image.
func (w *WAL) AppendDelete(txn primitives.TransactionID, table string, pid primitives.PageID, rid primitives.RID, value []byte) (primitives.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn, err := w.appendLocked(record.NewDelete(txn, w.lastLSNLocked(txn), table, rid, value))
	if err != nil {
		return primitives.InvalidLSN, err
	}
	w.markDirtyLocked(pid, lsn)
	return lsn, nil
}

// AppendUpdate logs an in-place overwrite carrying both images.
func (w *WAL) AppendUpdate(txn primitives.TransactionID, table string, pid primitives.PageID, rid primitives.RID, before, after []byte) (primitives.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn, err := w.appendLocked(record.NewUpdate(txn, w.lastLSNLocked(txn), table, rid, before, after))
	if err != nil {
		return primitives.InvalidLSN, err
	}
	w.markDirtyLocked(pid, lsn)
	return lsn, nil
}

func (w *WAL) lastLSNLocked(txn primitives.TransactionID) primitives.LSN {
	if st, ok := w.activeTxns[txn]; ok {
		return st.lastLSN
	}
	return primitives.InvalidLSN
}

// Force flushes the append buffer and fsyncs the log file. Every record
// appended before the call is durable when it returns.
func (w *WAL) Force() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.forceLocked()
}

func (w *WAL) forceLocked() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("wal: flushing log buffer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: syncing log file: %w", err)
	}
	return nil
}

// GlobalLSN returns the next LSN to be assigned.
func (w *WAL) GlobalLSN() primitives.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// SetGlobalLSN publishes the next LSN to assign. Recovery calls this after
// analysis so that compensation records continue the sequence past the last
// durable record.
func (w *WAL) SetGlobalLSN(lsn primitives.LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextLSN = lsn
}

// ActiveTransactions snapshots the active-transaction tracker as
// transaction -> lastLSN.
func (w *WAL) ActiveTransactions() map[primitives.TransactionID]primitives.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	att := make(map[primitives.TransactionID]primitives.LSN, len(w.activeTxns))
	for txn, st := range w.activeTxns {
		att[txn] = st.lastLSN
	}
	return att
}

// DirtyPages snapshots the dirty-page tracker as page -> recLSN.
func (w *WAL) DirtyPages() map[primitives.PageID]primitives.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	dpt := make(map[primitives.PageID]primitives.LSN, len(w.dirtyPages))
	for _, st := range w.dirtyPages {
		dpt[st.id] = st.recLSN
	}
	return dpt
}

// PageFlushed drops a page from the dirty tracker once its frame has been
// written back, opening a new flush epoch for it.
func (w *WAL) PageFlushed(pid primitives.PageID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.dirtyPages, pid.HashCode())
}

// Size returns the current size of the log file in bytes, including any
// unflushed buffered frames.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("wal: stat log file: %w", err)
	}
	return info.Size() + int64(w.buf.Buffered()), nil
}

// Close forces outstanding frames and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.forceLocked(); err != nil {
		return err
	}
	return w.file.Close()
}
