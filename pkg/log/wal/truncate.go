package wal

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cespare/xxhash"
	"github.com/sirupsen/logrus"

	"reldb/pkg/log/record"
	"reldb/pkg/primitives"
)

// TruncateConfig bounds log truncation.
type TruncateConfig struct {
	Enabled bool

	// MinWALSize skips truncation while the log is still small.
	MinWALSize int64
}

// DefaultTruncateConfig returns the defaults used by the engine shell.
func DefaultTruncateConfig() TruncateConfig {
	return TruncateConfig{
		Enabled:    true,
		MinWALSize: 8 * 1024 * 1024,
	}
}

// Truncate drops log frames that no recovery can need anymore: everything
// below the most recent checkpoint's CKPT_BEGIN, the first LSN of any still
// active transaction, and the recLSN of any still dirty page. Surviving
// records keep their LSNs, which is why LSN-to-record lookup downstream
// indexes from the log's first LSN rather than from zero.
//
// Returns the number of frames removed.
func (w *WAL) Truncate(config TruncateConfig) (int, error) {
	if !config.Enabled {
		return 0, nil
	}

	size, err := w.Size()
	if err != nil {
		return 0, err
	}
	if size < config.MinWALSize {
		return 0, nil
	}

	mr, err := ReadMasterRecord(MasterRecordPath(w.path))
	if err != nil {
		return 0, err
	}
	if !mr.Begin.Valid() {
		// Never checkpointed; nothing is provably reclaimable.
		return 0, nil
	}

	if err := w.Force(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cut := mr.Begin
	for _, st := range w.activeTxns {
		if st.firstLSN < cut {
			cut = st.firstLSN
		}
	}
	for _, st := range w.dirtyPages {
		if st.recLSN < cut {
			cut = st.recLSN
		}
	}
	if cut <= 0 {
		return 0, nil
	}

	removed, err := w.rewriteFromLocked(cut)
	if err != nil {
		return 0, err
	}
	w.log.WithFields(logrus.Fields{"cut": cut, "removed": removed}).Info("log truncated")
	return removed, nil
}

// rewriteFromLocked copies every frame with LSN >= cut into a fresh file and
// atomically swaps it in. The append position and next LSN are unchanged.
func (w *WAL) rewriteFromLocked(cut primitives.LSN) (int, error) {
	reader, err := NewLogReader(w.path)
	if err != nil {
		return 0, err
	}
	records, err := reader.ReadAll()
	reader.Close()
	if err != nil {
		return 0, err
	}

	tmpPath := w.path + ".truncate.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return 0, fmt.Errorf("wal: creating truncation file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(encodeHeader(w.instanceID)); err != nil {
		cleanup()
		return 0, fmt.Errorf("wal: writing truncation header: %w", err)
	}

	removed := 0
	for _, rec := range records {
		if rec.LSN < cut {
			removed++
			continue
		}
		encoded, err := record.Encode(rec)
		if err != nil {
			cleanup()
			return 0, err
		}
		var frame [4]byte
		binary.BigEndian.PutUint32(frame[:], uint32(len(encoded)))
		var sum [8]byte
		binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(encoded))
		for _, chunk := range [][]byte{frame[:], encoded, sum[:]} {
			if _, err := tmp.Write(chunk); err != nil {
				cleanup()
				return 0, fmt.Errorf("wal: writing truncated frame: %w", err)
			}
		}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("wal: syncing truncated log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal: closing truncated log: %w", err)
	}

	if err := w.file.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal: closing old log: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal: installing truncated log: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_RDWR, 0644)
	if err != nil {
		return 0, fmt.Errorf("wal: reopening truncated log: %w", err)
	}
	if _, err := file.Seek(0, 2); err != nil {
		file.Close()
		return 0, fmt.Errorf("wal: seeking truncated log end: %w", err)
	}
	w.file = file
	w.buf.Reset(file)
	return removed, nil
}
