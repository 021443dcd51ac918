package recovery

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"reldb/pkg/catalog"
	"reldb/pkg/heap"
	"reldb/pkg/log/record"
	"reldb/pkg/log/wal"
	"reldb/pkg/memory"
	"reldb/pkg/primitives"
)

// testEnv holds one simulated database instance. A "crash" forces the log
// and abandons the buffer pool, so page changes that were never explicitly
// flushed are lost, exactly as after a power cut.
type testEnv struct {
	t       *testing.T
	dir     string
	walPath string
	pool    *memory.BufferPool
	sm      *catalog.SystemManager
	wal     *wal.WAL
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{t: t, dir: dir, walPath: filepath.Join(dir, "wal.log")}
	env.open()
	return env
}

func (e *testEnv) open() {
	e.t.Helper()
	e.pool = memory.NewBufferPool(16)
	sm, err := catalog.Open(e.dir, e.walPath, e.pool)
	if err != nil {
		e.t.Fatalf("catalog.Open failed: %v", err)
	}
	w, err := wal.Open(e.walPath)
	if err != nil {
		e.t.Fatalf("wal.Open failed: %v", err)
	}
	e.sm = sm
	e.wal = w
}

// crash makes the log durable and drops everything else on the floor.
func (e *testEnv) crash() {
	e.t.Helper()
	if err := e.wal.Close(); err != nil {
		e.t.Fatalf("closing wal at crash: %v", err)
	}
	e.pool = nil
	e.sm = nil
	e.wal = nil
}

// recover reopens the instance and runs full recovery.
func (e *testEnv) recover() *RecoveryManager {
	e.t.Helper()
	e.open()
	rm := NewRecoveryManager(e.wal, e.sm, e.pool)
	if err := rm.Recover(); err != nil {
		e.t.Fatalf("Recover failed: %v", err)
	}
	return rm
}

func (e *testEnv) table(name string) *heap.TableHeap {
	e.t.Helper()
	th, ok := e.sm.Table(name)
	if !ok {
		e.t.Fatalf("table %s missing", name)
	}
	return th
}

func (e *testEnv) mustCreate(name string) *heap.TableHeap {
	e.t.Helper()
	th, err := e.sm.CreateTable(name)
	if err != nil {
		e.t.Fatalf("CreateTable failed: %v", err)
	}
	return th
}

func (e *testEnv) readLog() []*record.LogRecord {
	e.t.Helper()
	reader, err := wal.NewLogReader(e.walPath)
	if err != nil {
		e.t.Fatalf("NewLogReader failed: %v", err)
	}
	defer reader.Close()
	records, err := reader.ReadAll()
	if err != nil {
		e.t.Fatalf("ReadAll failed: %v", err)
	}
	return records
}

func countKind(records []*record.LogRecord, kind record.Kind) int {
	n := 0
	for _, r := range records {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func assertValue(t *testing.T, th *heap.TableHeap, rid primitives.RID, want string) {
	t.Helper()
	got, err := th.GetRecord(rid)
	if err != nil {
		t.Fatalf("GetRecord(%s) failed: %v", rid, err)
	}
	if !bytes.Equal(got, []byte(want)) {
		t.Errorf("record at %s = %q, want %q", rid, got, want)
	}
}

func assertVacant(t *testing.T, th *heap.TableHeap, rid primitives.RID) {
	t.Helper()
	if _, err := th.GetRecord(rid); !errors.Is(err, heap.ErrNoSuchRecord) {
		t.Errorf("record at %s = %v, want vacant", rid, err)
	}
}

func assertATTEmpty(t *testing.T, rm *RecoveryManager) {
	t.Helper()
	if att := rm.ActiveTransactionTable(); len(att) != 0 {
		t.Errorf("ATT after undo = %v, want empty", att)
	}
}

// Committed work survives a crash even though no page ever reached disk.
func TestCommittedInsertSurvivesCrash(t *testing.T) {
	env := newEnv(t)
	th := env.mustCreate("t")
	rid := primitives.RID{PageNo: 1, SlotNo: 0}
	pid := th.PageID(1)

	env.wal.AppendBegin(1)
	env.wal.AppendInsert(1, "t", pid, rid, []byte("a"))
	env.wal.AppendCommit(1)
	env.crash()

	rm := env.recover()
	assertValue(t, env.table("t"), rid, "a")
	assertATTEmpty(t, rm)
	if dpt := rm.DirtyPageTable(); len(dpt) != 0 {
		t.Errorf("DPT after recovery = %v, want empty", dpt)
	}
	if rm.Stats().RedoOperations != 1 {
		t.Errorf("redo operations = %d, want 1", rm.Stats().RedoOperations)
	}
}

// seedCommittedValue installs "a" at rid with a committed, flushed insert,
// then returns the LSN of that insert.
func seedCommittedValue(t *testing.T, env *testEnv, th *heap.TableHeap, rid primitives.RID) primitives.LSN {
	t.Helper()
	pid := th.PageID(rid.PageNo)
	env.wal.AppendBegin(1)
	lsn, err := env.wal.AppendInsert(1, "t", pid, rid, []byte("a"))
	if err != nil {
		t.Fatalf("AppendInsert failed: %v", err)
	}
	if err := th.InsertRecord(rid, []byte("a"), lsn); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}
	if _, err := env.wal.AppendCommit(1); err != nil {
		t.Fatalf("AppendCommit failed: %v", err)
	}
	if err := env.pool.FlushAllPages(); err != nil {
		t.Fatalf("FlushAllPages failed: %v", err)
	}
	return lsn
}

// An uncommitted update is rolled back under a CLR whose UndoNext points at
// the transaction's BEGIN.
func TestUncommittedUpdateRolledBack(t *testing.T) {
	env := newEnv(t)
	th := env.mustCreate("t")
	rid := primitives.RID{PageNo: 1, SlotNo: 0}
	pid := th.PageID(1)
	seedCommittedValue(t, env, th, rid)

	beginLSN, _ := env.wal.AppendBegin(2)
	updateLSN, _ := env.wal.AppendUpdate(2, "t", pid, rid, []byte("a"), []byte("b"))
	env.crash()

	rm := env.recover()
	assertValue(t, env.table("t"), rid, "a")
	assertATTEmpty(t, rm)

	records := env.readLog()
	if n := countKind(records, record.KindCLRUpdate); n != 1 {
		t.Fatalf("CLR_UPDATE count = %d, want 1", n)
	}
	var clr *record.LogRecord
	for _, r := range records {
		if r.Kind == record.KindCLRUpdate {
			clr = r
		}
	}
	if clr.UndoNext != beginLSN {
		t.Errorf("CLR UndoNext = %d, want %d", clr.UndoNext, beginLSN)
	}
	if !bytes.Equal(clr.After, []byte("a")) || !bytes.Equal(clr.Before, []byte("b")) {
		t.Errorf("CLR images = before %q after %q, want swapped originals", clr.Before, clr.After)
	}

	page, err := env.pool.FetchPage(pid)
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	defer env.pool.UnpinPage(pid, false)
	if page.PageLSN() <= updateLSN {
		t.Errorf("page LSN = %d, want > %d (the CLR's stamp)", page.PageLSN(), updateLSN)
	}
}

// A crash in the middle of undo leaves a CLR in the log; re-recovery honors
// its UndoNext and never compensates the same update twice.
func TestCrashMidUndoDoesNotRecompensate(t *testing.T) {
	env := newEnv(t)
	th := env.mustCreate("t")
	rid := primitives.RID{PageNo: 1, SlotNo: 0}
	pid := th.PageID(1)
	seedCommittedValue(t, env, th, rid)

	beginLSN, _ := env.wal.AppendBegin(2)
	env.wal.AppendUpdate(2, "t", pid, rid, []byte("a"), []byte("b"))
	env.crash()

	// First recovery attempt dies after writing one CLR and before the
	// abort record: simulate by appending the CLR it would have written.
	w, err := wal.Open(env.walPath)
	if err != nil {
		t.Fatalf("wal.Open failed: %v", err)
	}
	clr := record.NewCLRUpdate(2, 4, "t", rid, []byte("b"), []byte("a"), beginLSN)
	if _, err := w.Append(clr); err != nil {
		t.Fatalf("Append CLR failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rm := env.recover()
	assertValue(t, env.table("t"), rid, "a")
	assertATTEmpty(t, rm)

	records := env.readLog()
	if n := countKind(records, record.KindCLRUpdate); n != 1 {
		t.Errorf("CLR_UPDATE count after re-recovery = %d, want 1 (no re-compensation)", n)
	}
	if rm.Stats().CLRsWritten != 0 {
		t.Errorf("re-recovery wrote %d CLRs, want 0", rm.Stats().CLRsWritten)
	}
}

// Analysis starts at the checkpoint, not at the head of the log, and the
// checkpointed DPT still drives redo of earlier records.
func TestCheckpointShortcut(t *testing.T) {
	env := newEnv(t)
	th := env.mustCreate("t")

	const committed = 40
	for i := 0; i < committed; i++ {
		txn := primitives.TransactionID(i + 1)
		rid := primitives.RID{PageNo: primitives.PageNumber(i % 4), SlotNo: primitives.SlotNumber(i / 4)}
		env.wal.AppendBegin(txn)
		env.wal.AppendInsert(txn, "t", th.PageID(rid.PageNo), rid, []byte{byte('A' + i%26)})
		env.wal.AppendCommit(txn)
	}
	if _, err := env.wal.WriteCheckpoint(); err != nil {
		t.Fatalf("WriteCheckpoint failed: %v", err)
	}

	loserRID := primitives.RID{PageNo: 5, SlotNo: 0}
	env.wal.AppendBegin(99)
	env.wal.AppendInsert(99, "t", th.PageID(5), loserRID, []byte("loser"))
	env.crash()

	rm := env.recover()

	total := len(env.readLog())
	if rm.Stats().LogRecordsScanned >= total {
		t.Errorf("analysis scanned %d of %d records, checkpoint shortcut not taken", rm.Stats().LogRecordsScanned, total)
	}

	th = env.table("t")
	for i := 0; i < committed; i++ {
		rid := primitives.RID{PageNo: primitives.PageNumber(i % 4), SlotNo: primitives.SlotNumber(i / 4)}
		assertValue(t, th, rid, string([]byte{byte('A' + i%26)}))
	}
	assertVacant(t, th, loserRID)
	assertATTEmpty(t, rm)
}

// Two transactions interleave on one page; the winner's row survives, the
// loser's is removed, and the page ends stamped with the removing CLR's LSN.
func TestMixedInterleaveOnOnePage(t *testing.T) {
	env := newEnv(t)
	th := env.mustCreate("t")
	pid := th.PageID(0)
	winRID := primitives.RID{PageNo: 0, SlotNo: 0}
	loseRID := primitives.RID{PageNo: 0, SlotNo: 1}

	env.wal.AppendBegin(1)
	env.wal.AppendBegin(2)
	env.wal.AppendInsert(1, "t", pid, winRID, []byte("win"))
	env.wal.AppendInsert(2, "t", pid, loseRID, []byte("lose"))
	env.wal.AppendCommit(1)
	env.crash()

	rm := env.recover()
	th = env.table("t")
	assertValue(t, th, winRID, "win")
	assertVacant(t, th, loseRID)
	assertATTEmpty(t, rm)

	var clrLSN primitives.LSN
	for _, r := range env.readLog() {
		if r.Kind == record.KindCLRDelete {
			clrLSN = r.LSN
		}
	}
	if clrLSN == 0 {
		t.Fatal("no CLR_DELETE in log")
	}
	page, err := env.pool.FetchPage(pid)
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	defer env.pool.UnpinPage(pid, false)
	if page.PageLSN() != clrLSN {
		t.Errorf("final page LSN = %d, want CLR LSN %d", page.PageLSN(), clrLSN)
	}
}

// Records naming a dropped table are skipped with an error logged; recovery
// still completes and other tables recover fully.
func TestDroppedTableSkipped(t *testing.T) {
	env := newEnv(t)
	keep := env.mustCreate("keep")
	env.mustCreate("doomed")
	keepRID := primitives.RID{PageNo: 0, SlotNo: 0}

	env.wal.AppendBegin(1)
	env.wal.AppendInsert(1, "keep", keep.PageID(0), keepRID, []byte("v"))
	env.wal.AppendInsert(1, "doomed", primitives.PageID{FileID: 99, PageNo: 0}, primitives.RID{}, []byte("x"))
	env.wal.AppendCommit(1)

	env.wal.AppendBegin(2)
	env.wal.AppendInsert(2, "doomed", primitives.PageID{FileID: 99, PageNo: 0}, primitives.RID{PageNo: 0, SlotNo: 1}, []byte("y"))

	if err := env.sm.DropTable("doomed"); err != nil {
		t.Fatalf("DropTable failed: %v", err)
	}
	env.crash()

	rm := env.recover()
	assertValue(t, env.table("keep"), keepRID, "v")
	assertATTEmpty(t, rm)
	if rm.Stats().SkippedMissingTable == 0 {
		t.Error("no missing-table skips recorded")
	}
	// The loser's undo still left a compensation chain and an abort.
	records := env.readLog()
	if countKind(records, record.KindCLRDelete) == 0 {
		t.Error("undo of the dropped-table insert wrote no CLR")
	}
	if countKind(records, record.KindAbort) == 0 {
		t.Error("loser was not closed with an abort record")
	}
}

// Running the whole recovery twice changes nothing: redo is idempotent and
// the first run's CLRs plus abort records leave no losers behind.
func TestRecoveryIsIdempotent(t *testing.T) {
	env := newEnv(t)
	th := env.mustCreate("t")
	pid := th.PageID(0)

	env.wal.AppendBegin(1)
	env.wal.AppendInsert(1, "t", pid, primitives.RID{PageNo: 0, SlotNo: 0}, []byte("keep"))
	env.wal.AppendCommit(1)
	env.wal.AppendBegin(2)
	env.wal.AppendInsert(2, "t", pid, primitives.RID{PageNo: 0, SlotNo: 1}, []byte("drop"))
	env.crash()

	env.recover()
	env.crash()
	rm := env.recover()

	th = env.table("t")
	assertValue(t, th, primitives.RID{PageNo: 0, SlotNo: 0}, "keep")
	assertVacant(t, th, primitives.RID{PageNo: 0, SlotNo: 1})
	assertATTEmpty(t, rm)
	if rm.Stats().RedoOperations != 0 {
		t.Errorf("second recovery redid %d operations, want 0 (pages already current)", rm.Stats().RedoOperations)
	}
	if rm.Stats().CLRsWritten != 0 {
		t.Errorf("second recovery wrote %d CLRs, want 0", rm.Stats().CLRsWritten)
	}
}

// An uncommitted delete is compensated by re-inserting the deleted image.
func TestUncommittedDeleteReinserted(t *testing.T) {
	env := newEnv(t)
	th := env.mustCreate("t")
	rid := primitives.RID{PageNo: 1, SlotNo: 0}
	pid := th.PageID(1)
	seedCommittedValue(t, env, th, rid)

	env.wal.AppendBegin(2)
	lsn, _ := env.wal.AppendDelete(2, "t", pid, rid, []byte("a"))
	th = env.table("t")
	if err := th.DeleteRecord(rid, lsn); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	env.crash()

	rm := env.recover()
	assertValue(t, env.table("t"), rid, "a")
	assertATTEmpty(t, rm)
	if countKind(env.readLog(), record.KindCLRInsert) != 1 {
		t.Error("delete was not compensated by a CLR_INSERT")
	}
}

// The log store indexes by LSN even when the log no longer starts at zero.
func TestLogStoreOffsetIndexing(t *testing.T) {
	env := newEnv(t)
	th := env.mustCreate("t")

	for i := 0; i < 10; i++ {
		txn := primitives.TransactionID(i + 1)
		env.wal.AppendBegin(txn)
		env.wal.AppendInsert(txn, "t", th.PageID(0), primitives.RID{SlotNo: primitives.SlotNumber(i)}, []byte("v"))
		env.wal.AppendCommit(txn)
		env.wal.PageFlushed(th.PageID(0))
	}
	if _, err := env.wal.WriteCheckpoint(); err != nil {
		t.Fatalf("WriteCheckpoint failed: %v", err)
	}
	if _, err := env.wal.Truncate(wal.TruncateConfig{Enabled: true}); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	store, err := LoadLogStore(env.walPath)
	if err != nil {
		t.Fatalf("LoadLogStore failed: %v", err)
	}
	first := store.FirstLSN()
	if first == 0 {
		t.Fatal("truncation left the log starting at LSN 0, test is vacuous")
	}
	rec, ok := store.Get(first)
	if !ok || rec.LSN != first {
		t.Errorf("Get(%d) = %v,%v", first, rec, ok)
	}
	if _, ok := store.Get(first - 1); ok {
		t.Error("Get below the log's first LSN succeeded")
	}
	if _, ok := store.Get(primitives.InvalidLSN); ok {
		t.Error("Get(InvalidLSN) succeeded")
	}
	if _, ok := store.Get(store.LastLSN() + 1); ok {
		t.Error("Get past the log's last LSN succeeded")
	}
}

// Recovery after truncation still works end to end: the master record and
// base-offset indexing line up.
func TestRecoveryAfterTruncation(t *testing.T) {
	env := newEnv(t)
	th := env.mustCreate("t")

	for i := 0; i < 8; i++ {
		txn := primitives.TransactionID(i + 1)
		rid := primitives.RID{PageNo: 0, SlotNo: primitives.SlotNumber(i)}
		env.wal.AppendBegin(txn)
		lsn, _ := env.wal.AppendInsert(txn, "t", th.PageID(0), rid, []byte("v"))
		th.InsertRecord(rid, []byte("v"), lsn)
		env.wal.AppendCommit(txn)
	}
	env.pool.FlushAllPages()
	env.wal.PageFlushed(th.PageID(0))
	env.wal.WriteCheckpoint()
	if _, err := env.wal.Truncate(wal.TruncateConfig{Enabled: true}); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	loserRID := primitives.RID{PageNo: 0, SlotNo: 15}
	env.wal.AppendBegin(50)
	env.wal.AppendInsert(50, "t", th.PageID(0), loserRID, []byte("loser"))
	env.crash()

	rm := env.recover()
	th = env.table("t")
	for i := 0; i < 8; i++ {
		assertValue(t, th, primitives.RID{PageNo: 0, SlotNo: primitives.SlotNumber(i)}, "v")
	}
	assertVacant(t, th, loserRID)
	assertATTEmpty(t, rm)
}
