// Package heap implements table heap files: slotted pages of fixed-capacity
// tuple slots addressed by RID. Every mutating operation stamps the page
// with the LSN of the log record that describes it, atomically with the
// mutation itself.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"reldb/pkg/memory"
	"reldb/pkg/primitives"
)

// Page body layout (after the buffer pool's page header):
//
//	[occupancy bitmap:8][slot 0][slot 1]...[slot SlotsPerPage-1]
//
// Each slot is [length:2][value bytes:MaxValueSize]. Slots are fixed size so
// a RID keeps addressing the same bytes regardless of its neighbors, which
// is what physiological redo by RID requires.
const (
	SlotsPerPage = 32
	MaxValueSize = 124

	bitmapBytes = 8
	slotSize    = 2 + MaxValueSize
)

var (
	// ErrInvalidRID means the slot number is out of range for a page.
	ErrInvalidRID = errors.New("heap: invalid rid")
	// ErrValueTooLarge means the tuple does not fit a slot.
	ErrValueTooLarge = errors.New("heap: value exceeds slot capacity")
	// ErrNoSuchRecord is returned by GetRecord for a vacant slot.
	ErrNoSuchRecord = errors.New("heap: no record at rid")
)

// TableHeap is one table's heap file, accessed through the buffer pool.
type TableHeap struct {
	name   string
	fileID primitives.FileID
	pool   *memory.BufferPool
}

// NewTableHeap wraps a registered page file. The catalog owns registration;
// the heap only addresses pages through the pool.
func NewTableHeap(name string, fileID primitives.FileID, pool *memory.BufferPool) *TableHeap {
	return &TableHeap{name: name, fileID: fileID, pool: pool}
}

// Name returns the table name this heap stores.
func (h *TableHeap) Name() string {
	return h.name
}

// FileID returns the stable file identifier used to build PageIDs for this
// heap's pages.
func (h *TableHeap) FileID() primitives.FileID {
	return h.fileID
}

// PageID builds the buffer pool identity of one of this heap's pages.
func (h *TableHeap) PageID(pageNo primitives.PageNumber) primitives.PageID {
	return primitives.PageID{FileID: h.fileID, PageNo: pageNo}
}

// NumPages returns the current page count of the heap file.
func (h *TableHeap) NumPages() (int64, error) {
	return h.pool.NumPages(h.fileID)
}

// InsertRecord places value at rid and stamps the page with lsn. Inserting
// over an occupied slot overwrites it; recovery repeats history and must be
// able to re-apply an insert whose slot already holds the tuple.
func (h *TableHeap) InsertRecord(rid primitives.RID, value []byte, lsn primitives.LSN) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	return h.mutate(rid, lsn, func(body []byte, occ *bitset.BitSet) {
		occ.Set(uint(rid.SlotNo))
		writeSlot(body, rid.SlotNo, value)
	})
}

// DeleteRecord vacates rid and stamps the page with lsn. Deleting a vacant
// slot is a no-op apart from the stamp, for the same repeat-history reason.
func (h *TableHeap) DeleteRecord(rid primitives.RID, lsn primitives.LSN) error {
	return h.mutate(rid, lsn, func(body []byte, occ *bitset.BitSet) {
		occ.Clear(uint(rid.SlotNo))
		writeSlot(body, rid.SlotNo, nil)
	})
}

// UpdateRecord overwrites the tuple at rid and stamps the page with lsn.
func (h *TableHeap) UpdateRecord(rid primitives.RID, value []byte, lsn primitives.LSN) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	return h.mutate(rid, lsn, func(body []byte, occ *bitset.BitSet) {
		occ.Set(uint(rid.SlotNo))
		writeSlot(body, rid.SlotNo, value)
	})
}

// mutate runs the fetch -> mutate -> unpin(dirty) protocol around op,
// stamping the page LSN inside the pin.
func (h *TableHeap) mutate(rid primitives.RID, lsn primitives.LSN, op func([]byte, *bitset.BitSet)) error {
	if rid.SlotNo >= SlotsPerPage {
		return fmt.Errorf("%w: %s", ErrInvalidRID, rid)
	}
	pid := h.PageID(rid.PageNo)
	page, err := h.pool.FetchPage(pid)
	if err != nil {
		return err
	}

	body := page.Payload()
	occ := readBitmap(body)
	op(body, occ)
	writeBitmap(body, occ)
	page.SetPageLSN(lsn)

	return h.pool.UnpinPage(pid, true)
}

// GetRecord returns a copy of the tuple at rid, or ErrNoSuchRecord for a
// vacant slot.
func (h *TableHeap) GetRecord(rid primitives.RID) ([]byte, error) {
	if rid.SlotNo >= SlotsPerPage {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRID, rid)
	}
	pid := h.PageID(rid.PageNo)
	page, err := h.pool.FetchPage(pid)
	if err != nil {
		return nil, err
	}

	body := page.Payload()
	occ := readBitmap(body)
	var value []byte
	if occ.Test(uint(rid.SlotNo)) {
		value = readSlot(body, rid.SlotNo)
	}

	if err := h.pool.UnpinPage(pid, false); err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRecord, rid)
	}
	return value, nil
}

// HasRecord reports whether rid currently holds a tuple.
func (h *TableHeap) HasRecord(rid primitives.RID) (bool, error) {
	_, err := h.GetRecord(rid)
	if errors.Is(err, ErrNoSuchRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func readBitmap(body []byte) *bitset.BitSet {
	return bitset.From([]uint64{binary.BigEndian.Uint64(body[0:bitmapBytes])})
}

func writeBitmap(body []byte, occ *bitset.BitSet) {
	words := occ.Bytes()
	var word uint64
	if len(words) > 0 {
		word = words[0]
	}
	binary.BigEndian.PutUint64(body[0:bitmapBytes], word)
}

func slotOffset(slot primitives.SlotNumber) int {
	return bitmapBytes + int(slot)*slotSize
}

func writeSlot(body []byte, slot primitives.SlotNumber, value []byte) {
	off := slotOffset(slot)
	binary.BigEndian.PutUint16(body[off:off+2], uint16(len(value)))
	area := body[off+2 : off+slotSize]
	n := copy(area, value)
	for i := n; i < len(area); i++ {
		area[i] = 0
	}
}

func readSlot(body []byte, slot primitives.SlotNumber) []byte {
	off := slotOffset(slot)
	n := int(binary.BigEndian.Uint16(body[off : off+2]))
	if n > MaxValueSize {
		n = MaxValueSize
	}
	value := make([]byte, n)
	copy(value, body[off+2:off+2+n])
	return value
}
