package recovery

import (
	"container/heap"
	"fmt"

	"github.com/sirupsen/logrus"

	"reldb/pkg/log/record"
	"reldb/pkg/primitives"
)

// loserCursor is one loser transaction's position in its backward walk.
type loserCursor struct {
	txn     primitives.TransactionID
	undoLSN primitives.LSN
}

// undoHeap orders loser cursors so the record with the highest pending LSN
// across all losers is always undone next.
type undoHeap []loserCursor

func (h undoHeap) Len() int            { return len(h) }
func (h undoHeap) Less(i, j int) bool  { return h[i].undoLSN > h[j].undoLSN }
func (h undoHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *undoHeap) Push(x interface{}) { *h = append(*h, x.(loserCursor)) }
func (h *undoHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// undo rolls back every loser in the active transaction table, interleaved
// in strictly descending LSN order across transactions. Each undone page
// mutation is documented by a compensation record whose UndoNext points at
// the next record of that transaction to undo, so a crash mid-undo resumes
// exactly where this run stopped. Existing CLRs are never re-undone; their
// UndoNext jumps the walk past work already compensated.
func (rm *RecoveryManager) undo() error {
	if len(rm.att) == 0 {
		rm.log.Debug("no loser transactions, skipping undo")
		return nil
	}
	rm.log.WithField("losers", len(rm.att)).Info("undo started")

	pending := make(undoHeap, 0, len(rm.att))
	for txn, lastLSN := range rm.att {
		if !lastLSN.Valid() {
			return fmt.Errorf("recovery: loser %d has no last LSN", txn)
		}
		pending = append(pending, loserCursor{txn: txn, undoLSN: lastLSN})
	}
	heap.Init(&pending)

	for pending.Len() > 0 {
		cur := heap.Pop(&pending).(loserCursor)

		rec, ok := rm.store.Get(cur.undoLSN)
		if !ok {
			return fmt.Errorf("recovery: undo chain of txn %d leaves the log at LSN %d", cur.txn, cur.undoLSN)
		}
		if rec.TxnID != cur.txn {
			return fmt.Errorf("recovery: undo chain of txn %d reached record of txn %d at LSN %d", cur.txn, rec.TxnID, rec.LSN)
		}

		next, err := rm.undoRecord(rec)
		if err != nil {
			return err
		}

		if next.Valid() {
			heap.Push(&pending, loserCursor{txn: cur.txn, undoLSN: next})
			continue
		}

		// The walk reached the transaction's BEGIN: close its chain
		// with an abort record so a later analysis does not see it as
		// a loser again.
		if _, err := rm.wal.AppendAbort(cur.txn); err != nil {
			return fmt.Errorf("recovery: logging abort for txn %d: %w", cur.txn, err)
		}
		delete(rm.att, cur.txn)
		rm.stats.TransactionsRolledBack++
	}
	rm.log.WithFields(logrus.Fields{
		"undone": rm.stats.UndoOperations,
		"clrs":   rm.stats.CLRsWritten,
	}).Info("undo complete")
	return nil
}

// undoRecord reverses one record's effect and returns the LSN the owning
// transaction must undo next, or InvalidLSN when the transaction is done.
func (rm *RecoveryManager) undoRecord(rec *record.LogRecord) (primitives.LSN, error) {
	switch rec.Kind {
	case record.KindInsert:
		clr := record.NewCLRDelete(rec.TxnID, rec.LSN, rec.TableName, rec.RID, rec.Value, rec.PrevLSN)
		return rec.PrevLSN, rm.compensate(rec, clr)

	case record.KindDelete:
		clr := record.NewCLRInsert(rec.TxnID, rec.LSN, rec.TableName, rec.RID, rec.Value, rec.PrevLSN)
		return rec.PrevLSN, rm.compensate(rec, clr)

	case record.KindUpdate:
		// Images swap: redoing this CLR writes the original before.
		clr := record.NewCLRUpdate(rec.TxnID, rec.LSN, rec.TableName, rec.RID, rec.After, rec.Before, rec.PrevLSN)
		return rec.PrevLSN, rm.compensate(rec, clr)

	case record.KindCLRInsert, record.KindCLRDelete, record.KindCLRUpdate:
		// Already-compensated work; jump the chain.
		return rec.UndoNext, nil

	case record.KindBegin:
		return primitives.InvalidLSN, nil

	case record.KindCommit, record.KindAbort:
		// Committed and aborted transactions are not losers, so this
		// record should be unreachable; follow the chain defensively.
		rm.log.WithFields(logrus.Fields{
			"kind": rec.Kind.String(),
			"txn":  rec.TxnID,
			"lsn":  rec.LSN,
		}).Warn("terminal record in undo chain")
		return rec.PrevLSN, nil

	default:
		return primitives.InvalidLSN, fmt.Errorf("recovery: cannot compensate %s record at LSN %d", rec.Kind, rec.LSN)
	}
}

// compensate appends the CLR and applies its page effect. The CLR receives a
// fresh LSN from the log manager, and the page write stamps that LSN. A
// missing table skips the page action but still logs the CLR, keeping the
// compensation chain intact for any re-crash.
func (rm *RecoveryManager) compensate(undone *record.LogRecord, clr *record.LogRecord) error {
	clrLSN, err := rm.wal.Append(clr)
	if err != nil {
		return fmt.Errorf("recovery: appending CLR for LSN %d: %w", undone.LSN, err)
	}
	rm.stats.CLRsWritten++

	th, ok := rm.sm.Table(undone.TableName)
	if !ok {
		rm.stats.SkippedMissingTable++
		rm.log.WithFields(logrus.Fields{
			"table": undone.TableName,
			"lsn":   undone.LSN,
		}).Error("cannot undo against a missing table")
		return nil
	}

	if err := rm.applyForward(th, clr, clrLSN); err != nil {
		return fmt.Errorf("recovery: applying CLR %d: %w", clrLSN, err)
	}
	rm.stats.UndoOperations++
	return nil
}
