package recovery

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"reldb/pkg/log/record"
	"reldb/pkg/primitives"
)

// redo repeats history: every page mutation from the earliest recLSN to the
// end of the log is re-applied unless the page is provably current. CLRs
// redo exactly like the forward action they document.
func (rm *RecoveryManager) redo() error {
	redoLSN := rm.minRecLSN()
	if !redoLSN.Valid() {
		rm.log.Debug("dirty page table is empty, skipping redo")
		return nil
	}
	rm.log.WithField("redoLSN", redoLSN).Info("redo started")

	for lsn := redoLSN; ; lsn++ {
		rec, ok := rm.store.Get(lsn)
		if !ok {
			break
		}
		if !rec.Kind.Mutates() {
			continue
		}
		if err := rm.redoRecord(rec); err != nil {
			return err
		}
	}

	rm.log.WithFields(logrus.Fields{
		"applied": rm.stats.RedoOperations,
		"skipped": rm.stats.RedoSkipped,
	}).Info("redo complete")
	return nil
}

// redoRecord re-applies one page mutation if its effect may be missing from
// disk. Two skips keep this idempotent: a page absent from the dirty page
// table is clean with respect to every record in the redo range, and a page
// whose stamped LSN has reached the record's is already current.
func (rm *RecoveryManager) redoRecord(rec *record.LogRecord) error {
	th, ok := rm.sm.Table(rec.TableName)
	if !ok {
		rm.stats.SkippedMissingTable++
		rm.log.WithFields(logrus.Fields{
			"table": rec.TableName,
			"lsn":   rec.LSN,
		}).Error("cannot redo against a missing table")
		return nil
	}

	pid := th.PageID(rec.RID.PageNo)
	if _, dirty := rm.dpt[pid.HashCode()]; !dirty {
		rm.stats.RedoSkipped++
		return nil
	}

	page, err := rm.pool.FetchPage(pid)
	if err != nil {
		return err
	}
	if page.PageLSN() >= rec.LSN {
		rm.stats.RedoSkipped++
		return rm.pool.UnpinPage(pid, false)
	}

	// The heap operation stamps rec.LSN atomically with the mutation. The
	// outer pin holds the frame across the check and the apply.
	if err := rm.applyForward(th, rec, rec.LSN); err != nil {
		rm.pool.UnpinPage(pid, false)
		return err
	}
	rm.stats.RedoOperations++
	return rm.pool.UnpinPage(pid, false)
}

// applyForward applies the record's forward effect to the heap, stamping the
// page with lsn.
func (rm *RecoveryManager) applyForward(th tableHeap, rec *record.LogRecord, lsn primitives.LSN) error {
	switch rec.Kind {
	case record.KindInsert, record.KindCLRInsert:
		return th.InsertRecord(rec.RID, rec.Value, lsn)
	case record.KindDelete, record.KindCLRDelete:
		return th.DeleteRecord(rec.RID, lsn)
	case record.KindUpdate, record.KindCLRUpdate:
		return th.UpdateRecord(rec.RID, rec.After, lsn)
	}
	return fmt.Errorf("recovery: record kind %s has no page effect", rec.Kind)
}

// tableHeap is the slice of the heap API recovery drives.
type tableHeap interface {
	InsertRecord(rid primitives.RID, value []byte, lsn primitives.LSN) error
	DeleteRecord(rid primitives.RID, lsn primitives.LSN) error
	UpdateRecord(rid primitives.RID, value []byte, lsn primitives.LSN) error
	PageID(pageNo primitives.PageNumber) primitives.PageID
}
