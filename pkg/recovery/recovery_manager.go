// Package recovery implements ARIES-style crash recovery: an analysis pass
// rebuilding the dirty page table and active transaction table from the log,
// a redo pass repeating history against the heap files, and an undo pass
// rolling back loser transactions under compensation log records.
package recovery

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"reldb/pkg/catalog"
	"reldb/pkg/log/wal"
	"reldb/pkg/memory"
	"reldb/pkg/primitives"
)

// ErrMasterRecordSkew means the master record points at a checkpoint the log
// does not contain, or belongs to a different instance.
var ErrMasterRecordSkew = errors.New("recovery: master record does not match log")

// dirtyPage is a dirty page table entry: the page identity and the LSN of
// the earliest record that may not have reached its frame on disk.
type dirtyPage struct {
	id     primitives.PageID
	recLSN primitives.LSN
}

// RecoveryStats counts what the three phases did.
type RecoveryStats struct {
	LogRecordsScanned      int
	RedoOperations         int
	RedoSkipped            int
	UndoOperations         int
	CLRsWritten            int
	TransactionsRolledBack int
	SkippedMissingTable    int
}

// RecoveryManager drives recovery at startup, before any user traffic. It is
// strictly single-threaded; the log store, dirty page table and active
// transaction table live only on this struct and only for the duration of
// Recover.
type RecoveryManager struct {
	wal  *wal.WAL
	sm   *catalog.SystemManager
	pool *memory.BufferPool
	log  *logrus.Entry

	store *LogStore
	att   map[primitives.TransactionID]primitives.LSN
	dpt   map[primitives.HashCode]*dirtyPage

	stats RecoveryStats
}

// NewRecoveryManager builds a recovery manager over the engine's log,
// catalog and buffer pool.
func NewRecoveryManager(w *wal.WAL, sm *catalog.SystemManager, pool *memory.BufferPool) *RecoveryManager {
	return &RecoveryManager{
		wal:  w,
		sm:   sm,
		pool: pool,
		log:  logrus.WithField("component", "recovery"),
		att:  make(map[primitives.TransactionID]primitives.LSN),
		dpt:  make(map[primitives.HashCode]*dirtyPage),
	}
}

// Recover runs Analyze, Redo and Undo, forces the log, and flushes every
// page the phases touched. On return the heap files are transactionally
// consistent and the log manager holds the resumed global LSN.
//
// Any error is unrecoverable: the system must not open with inconsistent
// state. There is no partial success.
func (rm *RecoveryManager) Recover() error {
	rm.log.Info("recovery started")

	if err := rm.analyze(); err != nil {
		return fmt.Errorf("recovery: analyze: %w", err)
	}
	if err := rm.redo(); err != nil {
		return fmt.Errorf("recovery: redo: %w", err)
	}
	if err := rm.undo(); err != nil {
		return fmt.Errorf("recovery: undo: %w", err)
	}

	if err := rm.wal.Force(); err != nil {
		return fmt.Errorf("recovery: forcing log: %w", err)
	}
	if err := rm.pool.FlushAllPages(); err != nil {
		return fmt.Errorf("recovery: flushing pages: %w", err)
	}
	// Everything is on disk: the dirty page table has served its purpose.
	rm.dpt = make(map[primitives.HashCode]*dirtyPage)

	rm.log.WithFields(logrus.Fields{
		"scanned":   rm.stats.LogRecordsScanned,
		"redone":    rm.stats.RedoOperations,
		"undone":    rm.stats.UndoOperations,
		"clrs":      rm.stats.CLRsWritten,
		"losers":    rm.stats.TransactionsRolledBack,
		"globalLSN": rm.wal.GlobalLSN(),
	}).Info("recovery complete")
	return nil
}

// Stats returns the counters accumulated by the last Recover.
func (rm *RecoveryManager) Stats() RecoveryStats {
	return rm.stats
}

// ActiveTransactionTable exposes the ATT for tests; it is empty after a
// completed Recover.
func (rm *RecoveryManager) ActiveTransactionTable() map[primitives.TransactionID]primitives.LSN {
	out := make(map[primitives.TransactionID]primitives.LSN, len(rm.att))
	for txn, lsn := range rm.att {
		out[txn] = lsn
	}
	return out
}

// DirtyPageTable exposes the DPT as page -> recLSN.
func (rm *RecoveryManager) DirtyPageTable() map[primitives.PageID]primitives.LSN {
	out := make(map[primitives.PageID]primitives.LSN, len(rm.dpt))
	for _, dp := range rm.dpt {
		out[dp.id] = dp.recLSN
	}
	return out
}
