package wal

import (
	"fmt"

	cp "github.com/otiai10/copy"
	"github.com/sirupsen/logrus"

	"reldb/pkg/log/record"
	"reldb/pkg/primitives"
)

// Checkpoint is the result of a completed fuzzy checkpoint.
type Checkpoint struct {
	Begin primitives.LSN
	End   primitives.LSN
}

// WriteCheckpoint takes a fuzzy checkpoint: a CKPT_BEGIN record, a snapshot
// of the active-transaction and dirty-page trackers, and a CKPT_END record
// carrying that snapshot. The master record is updated only after the
// CKPT_END frame is durable, so a crash at any point leaves either the old
// checkpoint or the new one fully in force.
//
// The snapshot is taken while CKPT_BEGIN holds the append lock; analysis
// re-scans from CKPT_BEGIN, so anything that slips between the two records
// is re-observed there.
func (w *WAL) WriteCheckpoint() (Checkpoint, error) {
	w.mu.Lock()
	begin, err := w.appendLocked(record.NewCkptBegin())
	if err != nil {
		w.mu.Unlock()
		return Checkpoint{}, fmt.Errorf("wal: writing checkpoint begin: %w", err)
	}

	att := make(map[primitives.TransactionID]primitives.LSN, len(w.activeTxns))
	for txn, st := range w.activeTxns {
		att[txn] = st.lastLSN
	}
	dpt := make(map[primitives.PageID]primitives.LSN, len(w.dirtyPages))
	for _, st := range w.dirtyPages {
		dpt[st.id] = st.recLSN
	}

	end, err := w.appendLocked(record.NewCkptEnd(att, dpt))
	if err != nil {
		w.mu.Unlock()
		return Checkpoint{}, fmt.Errorf("wal: writing checkpoint end: %w", err)
	}
	if err := w.forceLocked(); err != nil {
		w.mu.Unlock()
		return Checkpoint{}, err
	}
	instanceID := w.instanceID
	w.mu.Unlock()

	mr := MasterRecord{InstanceID: instanceID, Begin: begin, End: end}
	if err := WriteMasterRecord(MasterRecordPath(w.path), mr); err != nil {
		return Checkpoint{}, err
	}

	w.log.WithFields(logrus.Fields{
		"begin": begin,
		"end":   end,
		"att":   len(att),
		"dpt":   len(dpt),
	}).Info("checkpoint complete")
	return Checkpoint{Begin: begin, End: end}, nil
}

// SnapshotDir copies the data directory to a sibling snapshot directory
// after a checkpoint. The snapshot is a coarse operator fallback, not part
// of the recovery protocol; recovery only trusts the log.
func SnapshotDir(dataDir, snapshotDir string) error {
	if err := cp.Copy(dataDir, snapshotDir); err != nil {
		return fmt.Errorf("wal: snapshotting %s: %w", dataDir, err)
	}
	return nil
}
