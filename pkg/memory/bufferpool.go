package memory

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
	"github.com/sirupsen/logrus"

	"reldb/pkg/primitives"
)

// DefaultPoolFrames is the frame count used when no size is configured.
const DefaultPoolFrames = 256

var (
	// ErrPoolExhausted means every frame is pinned.
	ErrPoolExhausted = errors.New("memory: buffer pool exhausted")
	// ErrUnknownFile means the PageID names a file never registered.
	ErrUnknownFile = errors.New("memory: page file not registered")
	// ErrNotPinned is returned for an unpin without a matching fetch.
	ErrNotPinned = errors.New("memory: page is not pinned")
	// ErrCorruptPage means a page image failed its checksum on read.
	// Recovery treats this as unrecoverable.
	ErrCorruptPage = errors.New("memory: corrupt page image")
)

type pageFile struct {
	file     *os.File
	numPages int64
}

type slot struct {
	page *Page
	// elem is the page's position in the unpinned list, nil while pinned.
	elem *list.Element
}

// BufferPool manages a fixed set of aligned frames shared by every heap
// file. Pages are fetched pinned and returned with UnpinPage; unpinned
// pages stay cached and are evicted least-recently-unpinned first.
type BufferPool struct {
	mu        sync.Mutex
	files     map[primitives.FileID]*pageFile
	pageTable map[primitives.PageID]*slot
	free      []*Page
	unpinned  *list.List
	log       *logrus.Entry

	// flushFence runs before a dirty page is written back, with the
	// page's LSN: no page may reach disk before the log covering it.
	flushFence func(primitives.LSN) error
	// onFlush runs after a dirty page is written back.
	onFlush func(primitives.PageID)
}

// NewBufferPool allocates a pool with the given number of frames, all backed
// by one aligned block.
func NewBufferPool(numFrames int) *BufferPool {
	if numFrames <= 0 {
		numFrames = DefaultPoolFrames
	}
	pool := &BufferPool{
		files:     make(map[primitives.FileID]*pageFile),
		pageTable: make(map[primitives.PageID]*slot),
		unpinned:  list.New(),
		log:       logrus.WithField("component", "bufferpool"),
	}
	frames := directio.AlignedBlock(int(PageSize) * numFrames)
	for i := 0; i < numFrames; i++ {
		pool.free = append(pool.free, &Page{
			data: frames[int64(i)*PageSize : int64(i+1)*PageSize],
		})
	}
	return pool
}

// SetWALHooks wires the write-ahead discipline: fence is called with a dirty
// page's LSN before its image is written back, flushed after.
func (bp *BufferPool) SetWALHooks(fence func(primitives.LSN) error, flushed func(primitives.PageID)) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.flushFence = fence
	bp.onFlush = flushed
}

// RegisterFile opens (or creates) the page file backing a FileID.
func (bp *BufferPool) RegisterFile(id primitives.FileID, path string) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if _, ok := bp.files[id]; ok {
		return fmt.Errorf("memory: file %d already registered", id)
	}
	file, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("memory: opening page file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("memory: stat page file %s: %w", path, err)
	}
	if info.Size()%PageSize != 0 {
		file.Close()
		return fmt.Errorf("memory: page file %s is not page aligned", path)
	}
	bp.files[id] = &pageFile{file: file, numPages: info.Size() / PageSize}
	return nil
}

// UnregisterFile flushes and forgets every cached page of the file, then
// closes it. Fails if any of its pages is still pinned.
func (bp *BufferPool) UnregisterFile(id primitives.FileID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	pf, ok := bp.files[id]
	if !ok {
		return ErrUnknownFile
	}
	for pid, sl := range bp.pageTable {
		if pid.FileID != id {
			continue
		}
		if sl.page.pinCount > 0 {
			return fmt.Errorf("memory: page %s still pinned", pid)
		}
		if err := bp.flushLocked(sl.page); err != nil {
			return err
		}
		bp.dropLocked(pid, sl)
	}
	delete(bp.files, id)
	return pf.file.Close()
}

// NumPages returns the page count of a registered file.
func (bp *BufferPool) NumPages(id primitives.FileID) (int64, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	pf, ok := bp.files[id]
	if !ok {
		return 0, ErrUnknownFile
	}
	return pf.numPages, nil
}

// FetchPage returns the page pinned. Fetching past the current end of the
// file materializes a fresh zero page. The caller must UnpinPage on every
// path, marking dirty when it mutated the page.
func (bp *BufferPool) FetchPage(pid primitives.PageID) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if sl, ok := bp.pageTable[pid]; ok {
		if sl.elem != nil {
			bp.unpinned.Remove(sl.elem)
			sl.elem = nil
		}
		sl.page.pinCount++
		return sl.page, nil
	}

	pf, ok := bp.files[pid.FileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, pid)
	}

	page, err := bp.victimLocked()
	if err != nil {
		return nil, err
	}
	page.id = pid
	page.pinCount = 1
	page.dirty = false

	if pid.PageNo < primitives.PageNumber(pf.numPages) {
		if err := bp.readLocked(pf, page); err != nil {
			// The frame holds no page now; hand it back.
			bp.free = append(bp.free, page)
			return nil, err
		}
	} else {
		page.zero()
		// New page: dirty from birth so a flush materializes it.
		page.dirty = true
		pf.numPages = int64(pid.PageNo) + 1
	}

	bp.pageTable[pid] = &slot{page: page}
	return page, nil
}

// victimLocked takes a frame from the free list, or evicts the
// least-recently-unpinned page.
func (bp *BufferPool) victimLocked() (*Page, error) {
	if n := len(bp.free); n > 0 {
		page := bp.free[n-1]
		bp.free = bp.free[:n-1]
		return page, nil
	}
	front := bp.unpinned.Front()
	if front == nil {
		return nil, ErrPoolExhausted
	}
	victim := front.Value.(*Page)
	sl := bp.pageTable[victim.id]
	if err := bp.flushLocked(victim); err != nil {
		return nil, err
	}
	bp.dropLocked(victim.id, sl)
	return victim, nil
}

func (bp *BufferPool) dropLocked(pid primitives.PageID, sl *slot) {
	if sl.elem != nil {
		bp.unpinned.Remove(sl.elem)
	}
	delete(bp.pageTable, pid)
}

func (bp *BufferPool) readLocked(pf *pageFile, page *Page) error {
	offset := int64(page.id.PageNo) * PageSize
	n, err := pf.file.ReadAt(page.data, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("memory: reading page %s: %w", page.id, err)
	}
	// A short read past the materialized end of the file: the frame may
	// still hold its previous occupant, so the tail must be zeroed.
	for i := n; i < len(page.data); i++ {
		page.data[i] = 0
	}
	if !page.verifyChecksum() {
		return fmt.Errorf("%w: %s", ErrCorruptPage, page.id)
	}
	return nil
}

// UnpinPage releases one pin, recording whether the caller dirtied the page.
// The page becomes evictable once its pin count reaches zero.
func (bp *BufferPool) UnpinPage(pid primitives.PageID, dirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	sl, ok := bp.pageTable[pid]
	if !ok || sl.page.pinCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotPinned, pid)
	}
	if dirty {
		sl.page.dirty = true
	}
	sl.page.pinCount--
	if sl.page.pinCount == 0 {
		sl.elem = bp.unpinned.PushBack(sl.page)
	}
	return nil
}

func (bp *BufferPool) flushLocked(page *Page) error {
	if !page.dirty {
		return nil
	}
	pf, ok := bp.files[page.id.FileID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, page.id)
	}
	if bp.flushFence != nil {
		if err := bp.flushFence(page.PageLSN()); err != nil {
			return fmt.Errorf("memory: log fence before flushing %s: %w", page.id, err)
		}
	}
	page.storeChecksum()
	if _, err := pf.file.WriteAt(page.data, int64(page.id.PageNo)*PageSize); err != nil {
		return fmt.Errorf("memory: writing page %s: %w", page.id, err)
	}
	page.dirty = false
	if bp.onFlush != nil {
		bp.onFlush(page.id)
	}
	return nil
}

// FlushPage writes one page back if it is dirty.
func (bp *BufferPool) FlushPage(pid primitives.PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	sl, ok := bp.pageTable[pid]
	if !ok {
		return nil
	}
	return bp.flushLocked(sl.page)
}

// FlushAllPages writes every dirty cached page back to its file.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, sl := range bp.pageTable {
		if err := bp.flushLocked(sl.page); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes everything and closes the page files. Pages still pinned at
// close indicate an unbalanced fetch somewhere and are logged.
func (bp *BufferPool) Close() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for pid, sl := range bp.pageTable {
		if sl.page.pinCount > 0 {
			bp.log.WithField("page", pid.String()).Error("page still pinned on close")
		}
		if err := bp.flushLocked(sl.page); err != nil {
			return err
		}
	}
	var firstErr error
	for _, pf := range bp.files {
		if err := pf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
