package heap

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"reldb/pkg/memory"
	"reldb/pkg/primitives"
)

func newTestHeap(t *testing.T) *TableHeap {
	t.Helper()
	pool := memory.NewBufferPool(8)
	t.Cleanup(func() { pool.Close() })
	path := filepath.Join(t.TempDir(), "table_1.dat")
	if err := pool.RegisterFile(1, path); err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}
	return NewTableHeap("accounts", 1, pool)
}

func rid(pageNo int64, slot uint16) primitives.RID {
	return primitives.RID{PageNo: primitives.PageNumber(pageNo), SlotNo: primitives.SlotNumber(slot)}
}

func TestInsertAndGet(t *testing.T) {
	th := newTestHeap(t)

	if err := th.InsertRecord(rid(0, 3), []byte("hello"), 10); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}
	value, err := th.GetRecord(rid(0, 3))
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !bytes.Equal(value, []byte("hello")) {
		t.Errorf("GetRecord = %q, want %q", value, "hello")
	}

	if _, err := th.GetRecord(rid(0, 4)); !errors.Is(err, ErrNoSuchRecord) {
		t.Errorf("vacant slot read = %v, want ErrNoSuchRecord", err)
	}
}

func TestMutationsStampPageLSN(t *testing.T) {
	th := newTestHeap(t)

	if err := th.InsertRecord(rid(2, 0), []byte("a"), 7); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}
	assertPageLSN(t, th, 2, 7)

	if err := th.UpdateRecord(rid(2, 0), []byte("b"), 9); err != nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}
	assertPageLSN(t, th, 2, 9)

	if err := th.DeleteRecord(rid(2, 0), 12); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	assertPageLSN(t, th, 2, 12)
}

func assertPageLSN(t *testing.T, th *TableHeap, pageNo int64, want primitives.LSN) {
	t.Helper()
	pid := th.PageID(primitives.PageNumber(pageNo))
	page, err := thPool(th).FetchPage(pid)
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	defer thPool(th).UnpinPage(pid, false)
	if got := page.PageLSN(); got != want {
		t.Errorf("page %d LSN = %d, want %d", pageNo, got, want)
	}
}

func thPool(th *TableHeap) *memory.BufferPool {
	return th.pool
}

func TestInsertOverOccupiedSlotOverwrites(t *testing.T) {
	th := newTestHeap(t)

	th.InsertRecord(rid(0, 1), []byte("first"), 1)
	// Repeating history: redo may re-apply an insert whose tuple is
	// already present.
	if err := th.InsertRecord(rid(0, 1), []byte("first"), 1); err != nil {
		t.Fatalf("re-insert failed: %v", err)
	}
	value, err := th.GetRecord(rid(0, 1))
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !bytes.Equal(value, []byte("first")) {
		t.Errorf("GetRecord = %q, want %q", value, "first")
	}
}

func TestDeleteVacantSlotIsNoOp(t *testing.T) {
	th := newTestHeap(t)

	if err := th.DeleteRecord(rid(0, 5), 4); err != nil {
		t.Fatalf("vacant delete failed: %v", err)
	}
	assertPageLSN(t, th, 0, 4)
}

func TestSlotIsolation(t *testing.T) {
	th := newTestHeap(t)

	th.InsertRecord(rid(0, 0), []byte("left"), 1)
	th.InsertRecord(rid(0, 1), []byte("right"), 2)
	th.DeleteRecord(rid(0, 0), 3)

	value, err := th.GetRecord(rid(0, 1))
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !bytes.Equal(value, []byte("right")) {
		t.Errorf("neighbor slot = %q, want %q", value, "right")
	}
	if _, err := th.GetRecord(rid(0, 0)); !errors.Is(err, ErrNoSuchRecord) {
		t.Errorf("deleted slot read = %v, want ErrNoSuchRecord", err)
	}
}

func TestValueTooLarge(t *testing.T) {
	th := newTestHeap(t)

	big := make([]byte, MaxValueSize+1)
	if err := th.InsertRecord(rid(0, 0), big, 1); !errors.Is(err, ErrValueTooLarge) {
		t.Errorf("InsertRecord = %v, want ErrValueTooLarge", err)
	}
	if err := th.UpdateRecord(rid(0, 0), big, 1); !errors.Is(err, ErrValueTooLarge) {
		t.Errorf("UpdateRecord = %v, want ErrValueTooLarge", err)
	}
}

func TestInvalidSlotNumber(t *testing.T) {
	th := newTestHeap(t)

	if err := th.InsertRecord(rid(0, SlotsPerPage), []byte("x"), 1); !errors.Is(err, ErrInvalidRID) {
		t.Errorf("InsertRecord = %v, want ErrInvalidRID", err)
	}
}

func TestHasRecord(t *testing.T) {
	th := newTestHeap(t)

	th.InsertRecord(rid(1, 2), []byte("x"), 1)
	ok, err := th.HasRecord(rid(1, 2))
	if err != nil || !ok {
		t.Errorf("HasRecord = %v,%v, want true,nil", ok, err)
	}
	ok, err = th.HasRecord(rid(1, 3))
	if err != nil || ok {
		t.Errorf("HasRecord on vacant = %v,%v, want false,nil", ok, err)
	}
}
