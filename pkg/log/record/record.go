// Package record defines the write-ahead log record taxonomy and its wire
// format. A LogRecord is a tagged variant: Kind selects which payload fields
// are meaningful, and the codec round-trips exactly those fields.
package record

import (
	"fmt"

	"reldb/pkg/primitives"
)

// Kind tags a log record with its variant.
type Kind uint8

const (
	KindBegin Kind = iota + 1
	KindCommit
	KindAbort
	KindInsert
	KindDelete
	KindUpdate
	KindCLRInsert
	KindCLRDelete
	KindCLRUpdate
	KindCkptBegin
	KindCkptEnd
)

var kindNames = map[Kind]string{
	KindBegin:     "BEGIN",
	KindCommit:    "COMMIT",
	KindAbort:     "ABORT",
	KindInsert:    "INSERT",
	KindDelete:    "DELETE",
	KindUpdate:    "UPDATE",
	KindCLRInsert: "CLR_INSERT",
	KindCLRDelete: "CLR_DELETE",
	KindCLRUpdate: "CLR_UPDATE",
	KindCkptBegin: "CKPT_BEGIN",
	KindCkptEnd:   "CKPT_END",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
}

// Valid reports whether the kind is one the reader understands. An invalid
// kind in a durable log means writer/reader schema skew and is fatal.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Mutates reports whether records of this kind touch a heap page.
func (k Kind) Mutates() bool {
	switch k {
	case KindInsert, KindDelete, KindUpdate, KindCLRInsert, KindCLRDelete, KindCLRUpdate:
		return true
	}
	return false
}

// IsCLR reports whether the kind is a compensation record. CLRs are
// redo-only: they document an undo action already performed and are never
// themselves undone.
func (k Kind) IsCLR() bool {
	switch k {
	case KindCLRInsert, KindCLRDelete, KindCLRUpdate:
		return true
	}
	return false
}

// LogRecord is a single WAL entry. LSN, PrevLSN, TxnID and Kind are common to
// every variant; the remaining fields are populated per Kind:
//
//	INSERT / CLR_INSERT   TableName, RID, Value
//	DELETE / CLR_DELETE   TableName, RID, Value (the deleted image)
//	UPDATE / CLR_UPDATE   TableName, RID, Before, After
//	CLR_*                 UndoNext in addition to the base payload
//	CKPT_END              ActiveTxns, DirtyPages snapshot
type LogRecord struct {
	LSN     primitives.LSN
	PrevLSN primitives.LSN
	TxnID   primitives.TransactionID
	Kind    Kind

	TableName string
	RID       primitives.RID
	Value     []byte
	Before    []byte
	After     []byte

	// UndoNext is the LSN at which the owning transaction's undo must
	// resume should the system crash again. Set on CLR kinds only.
	UndoNext primitives.LSN

	// Checkpoint snapshot, set on CKPT_END only.
	ActiveTxns map[primitives.TransactionID]primitives.LSN
	DirtyPages map[primitives.PageID]primitives.LSN
}

func (r *LogRecord) String() string {
	switch {
	case r.Kind.IsCLR():
		return fmt.Sprintf("%s{lsn=%d txn=%d table=%s rid=%s undoNext=%d}",
			r.Kind, r.LSN, r.TxnID, r.TableName, r.RID, r.UndoNext)
	case r.Kind.Mutates():
		return fmt.Sprintf("%s{lsn=%d txn=%d table=%s rid=%s}",
			r.Kind, r.LSN, r.TxnID, r.TableName, r.RID)
	case r.Kind == KindCkptEnd:
		return fmt.Sprintf("%s{lsn=%d att=%d dpt=%d}",
			r.Kind, r.LSN, len(r.ActiveTxns), len(r.DirtyPages))
	default:
		return fmt.Sprintf("%s{lsn=%d txn=%d}", r.Kind, r.LSN, r.TxnID)
	}
}

// NewBegin builds the first record of a transaction.
func NewBegin(txn primitives.TransactionID) *LogRecord {
	return &LogRecord{Kind: KindBegin, TxnID: txn, PrevLSN: primitives.InvalidLSN}
}

// NewCommit builds a commit record chained after prev.
func NewCommit(txn primitives.TransactionID, prev primitives.LSN) *LogRecord {
	return &LogRecord{Kind: KindCommit, TxnID: txn, PrevLSN: prev}
}

// NewAbort builds an abort record chained after prev.
func NewAbort(txn primitives.TransactionID, prev primitives.LSN) *LogRecord {
	return &LogRecord{Kind: KindAbort, TxnID: txn, PrevLSN: prev}
}

// NewInsert builds an insert record carrying the inserted image.
func NewInsert(txn primitives.TransactionID, prev primitives.LSN, table string, rid primitives.RID, value []byte) *LogRecord {
	return &LogRecord{Kind: KindInsert, TxnID: txn, PrevLSN: prev, TableName: table, RID: rid, Value: value}
}

// NewDelete builds a delete record carrying the deleted image.
func NewDelete(txn primitives.TransactionID, prev primitives.LSN, table string, rid primitives.RID, value []byte) *LogRecord {
	return &LogRecord{Kind: KindDelete, TxnID: txn, PrevLSN: prev, TableName: table, RID: rid, Value: value}
}

// NewUpdate builds an update record carrying both images.
func NewUpdate(txn primitives.TransactionID, prev primitives.LSN, table string, rid primitives.RID, before, after []byte) *LogRecord {
	return &LogRecord{Kind: KindUpdate, TxnID: txn, PrevLSN: prev, TableName: table, RID: rid, Before: before, After: after}
}

// NewCLRInsert compensates a DELETE: redo re-inserts the deleted image.
func NewCLRInsert(txn primitives.TransactionID, prev primitives.LSN, table string, rid primitives.RID, value []byte, undoNext primitives.LSN) *LogRecord {
	return &LogRecord{Kind: KindCLRInsert, TxnID: txn, PrevLSN: prev, TableName: table, RID: rid, Value: value, UndoNext: undoNext}
}

// NewCLRDelete compensates an INSERT: redo deletes the inserted tuple.
func NewCLRDelete(txn primitives.TransactionID, prev primitives.LSN, table string, rid primitives.RID, value []byte, undoNext primitives.LSN) *LogRecord {
	return &LogRecord{Kind: KindCLRDelete, TxnID: txn, PrevLSN: prev, TableName: table, RID: rid, Value: value, UndoNext: undoNext}
}

// NewCLRUpdate compensates an UPDATE. The images arrive swapped relative to
// the compensated record: redoing the CLR writes its After image, which is
// the original Before image.
func NewCLRUpdate(txn primitives.TransactionID, prev primitives.LSN, table string, rid primitives.RID, before, after []byte, undoNext primitives.LSN) *LogRecord {
	return &LogRecord{Kind: KindCLRUpdate, TxnID: txn, PrevLSN: prev, TableName: table, RID: rid, Before: before, After: after, UndoNext: undoNext}
}

// NewCkptBegin marks the start of a fuzzy checkpoint.
func NewCkptBegin() *LogRecord {
	return &LogRecord{Kind: KindCkptBegin, PrevLSN: primitives.InvalidLSN}
}

// NewCkptEnd closes a checkpoint with the ATT/DPT snapshot taken after the
// matching CKPT_BEGIN was written.
func NewCkptEnd(att map[primitives.TransactionID]primitives.LSN, dpt map[primitives.PageID]primitives.LSN) *LogRecord {
	return &LogRecord{Kind: KindCkptEnd, PrevLSN: primitives.InvalidLSN, ActiveTxns: att, DirtyPages: dpt}
}

// RedoImage returns the bytes a redo of this record writes to the page.
// Insert kinds re-apply Value, update kinds re-apply After. Delete kinds
// return nil: their redo removes the tuple.
func (r *LogRecord) RedoImage() []byte {
	switch r.Kind {
	case KindInsert, KindCLRInsert:
		return r.Value
	case KindUpdate, KindCLRUpdate:
		return r.After
	}
	return nil
}
