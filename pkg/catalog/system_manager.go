// Package catalog implements the system manager: the table-name to heap
// mapping, stable file id assignment, and the checkpoint position exposed to
// recovery through the master record.
package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"reldb/pkg/heap"
	"reldb/pkg/log/wal"
	"reldb/pkg/memory"
	"reldb/pkg/primitives"
)

const catalogFileName = "catalog"

// ErrNoSuchTable is returned when a name resolves to no table.
var ErrNoSuchTable = errors.New("catalog: no such table")

// SystemManager owns the data directory: which tables exist, which heap file
// backs each, and where the most recent checkpoint sits.
type SystemManager struct {
	mu         sync.RWMutex
	dir        string
	walPath    string
	pool       *memory.BufferPool
	tables     map[string]*heap.TableHeap
	nextFileID primitives.FileID
	log        *logrus.Entry
}

// Open loads the catalog in dir and registers every table's heap file with
// the pool. Heap files open concurrently; the catalog itself is a small
// text file of tab-separated "fileID<TAB>name" lines.
func Open(dir, walPath string, pool *memory.BufferPool) (*SystemManager, error) {
	sm := &SystemManager{
		dir:     dir,
		walPath: walPath,
		pool:    pool,
		tables:  make(map[string]*heap.TableHeap),
		log:     logrus.WithField("component", "catalog"),
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("catalog: creating data dir: %w", err)
	}

	entries, err := sm.readCatalogFile()
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	var mu sync.Mutex
	for _, e := range entries {
		g.Go(func() error {
			if err := pool.RegisterFile(e.fileID, sm.heapPath(e.fileID)); err != nil {
				return err
			}
			mu.Lock()
			sm.tables[e.name] = heap.NewTableHeap(e.name, e.fileID, pool)
			mu.Unlock()
			return nil
		})
		if e.fileID >= sm.nextFileID {
			sm.nextFileID = e.fileID + 1
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sm.log.WithField("tables", len(sm.tables)).Info("catalog opened")
	return sm, nil
}

type catalogEntry struct {
	fileID primitives.FileID
	name   string
}

func (sm *SystemManager) catalogPath() string {
	return filepath.Join(sm.dir, catalogFileName)
}

func (sm *SystemManager) heapPath(id primitives.FileID) string {
	return filepath.Join(sm.dir, fmt.Sprintf("table_%d.dat", id))
}

func (sm *SystemManager) readCatalogFile() ([]catalogEntry, error) {
	file, err := os.Open(sm.catalogPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: opening catalog file: %w", err)
	}
	defer file.Close()

	var entries []catalogEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("catalog: malformed catalog line %q", line)
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("catalog: malformed file id in %q: %w", line, err)
		}
		entries = append(entries, catalogEntry{fileID: primitives.FileID(id), name: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("catalog: reading catalog file: %w", err)
	}
	return entries, nil
}

// writeCatalogFileLocked rewrites the catalog file to match the in-memory
// table set, via a temp file and rename.
func (sm *SystemManager) writeCatalogFileLocked() error {
	names := make([]string, 0, len(sm.tables))
	for name := range sm.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%d\t%s\n", sm.tables[name].FileID(), name)
	}

	tmp := sm.catalogPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("catalog: writing catalog file: %w", err)
	}
	if err := os.Rename(tmp, sm.catalogPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("catalog: installing catalog file: %w", err)
	}
	return nil
}

// Table resolves a name to its heap. The second result is false when the
// table does not exist, e.g. it was dropped after the log records naming it
// were written.
func (sm *SystemManager) Table(name string) (*heap.TableHeap, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	th, ok := sm.tables[name]
	return th, ok
}

// Tables returns the table names in sorted order.
func (sm *SystemManager) Tables() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	names := make([]string, 0, len(sm.tables))
	for name := range sm.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateTable assigns a file id, creates the heap file, and persists the
// catalog entry.
func (sm *SystemManager) CreateTable(name string) (*heap.TableHeap, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.tables[name]; ok {
		return nil, fmt.Errorf("catalog: table %s already exists", name)
	}
	fileID := sm.nextFileID
	if err := sm.pool.RegisterFile(fileID, sm.heapPath(fileID)); err != nil {
		return nil, err
	}
	sm.nextFileID++
	th := heap.NewTableHeap(name, fileID, sm.pool)
	sm.tables[name] = th

	if err := sm.writeCatalogFileLocked(); err != nil {
		delete(sm.tables, name)
		return nil, err
	}
	return th, nil
}

// DropTable removes the table, its catalog entry, and its heap file. Log
// records naming the table may still exist; redo and undo skip them.
func (sm *SystemManager) DropTable(name string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	th, ok := sm.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, name)
	}
	if err := sm.pool.UnregisterFile(th.FileID()); err != nil {
		return err
	}
	delete(sm.tables, name)
	if err := sm.writeCatalogFileLocked(); err != nil {
		return err
	}
	if err := os.Remove(sm.heapPath(th.FileID())); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("catalog: removing heap file: %w", err)
	}
	return nil
}

// MasterRecord reads the current checkpoint position beside the log.
func (sm *SystemManager) MasterRecord() (wal.MasterRecord, error) {
	return wal.ReadMasterRecord(wal.MasterRecordPath(sm.walPath))
}

// Close flushes every page through the pool.
func (sm *SystemManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.pool.FlushAllPages()
}
