package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"

	"reldb/pkg/primitives"
)

// The master record is a small fixed-size file beside the log. It names the
// most recent completed checkpoint: the LSNs of its CKPT_BEGIN and CKPT_END
// records. Recovery seeds analysis from it; no master record means a full
// scan from the first record.
//
//	[magic:8][instanceID:16][begin:8][end:8][xxhash64 of the preceding:8]

const (
	masterMagic = "RELDBMR\x00"
	masterSize  = 8 + 16 + 8 + 8 + 8
)

// ErrBadMasterRecord means the master record file exists but is unreadable;
// recovery must not guess a checkpoint position from garbage.
var ErrBadMasterRecord = errors.New("wal: malformed master record")

// MasterRecord locates the most recent completed checkpoint.
type MasterRecord struct {
	InstanceID uuid.UUID
	Begin      primitives.LSN
	End        primitives.LSN
}

// MasterRecordPath returns the master record location for a log file path.
func MasterRecordPath(walPath string) string {
	return walPath + ".master"
}

// ReadMasterRecord loads the master record at path. A missing file is not an
// error: the zero checkpoint position (both LSNs invalid) is returned, and
// recovery scans from the start of the log.
func ReadMasterRecord(path string) (MasterRecord, error) {
	none := MasterRecord{Begin: primitives.InvalidLSN, End: primitives.InvalidLSN}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return none, nil
		}
		return none, fmt.Errorf("wal: reading master record: %w", err)
	}
	if len(data) != masterSize {
		return none, fmt.Errorf("%w: %d bytes", ErrBadMasterRecord, len(data))
	}
	if string(data[0:8]) != masterMagic {
		return none, fmt.Errorf("%w: bad magic", ErrBadMasterRecord)
	}
	if binary.BigEndian.Uint64(data[40:48]) != xxhash.Sum64(data[:40]) {
		return none, fmt.Errorf("%w: checksum mismatch", ErrBadMasterRecord)
	}

	var mr MasterRecord
	copy(mr.InstanceID[:], data[8:24])
	mr.Begin = primitives.LSN(binary.BigEndian.Uint64(data[24:32]))
	mr.End = primitives.LSN(binary.BigEndian.Uint64(data[32:40]))
	return mr, nil
}

// WriteMasterRecord durably replaces the master record at path. The write
// goes to a temporary file first and is renamed into place, so a crash
// mid-update leaves the previous checkpoint position intact.
func WriteMasterRecord(path string, mr MasterRecord) error {
	data := make([]byte, masterSize)
	copy(data[0:8], masterMagic)
	copy(data[8:24], mr.InstanceID[:])
	binary.BigEndian.PutUint64(data[24:32], uint64(mr.Begin))
	binary.BigEndian.PutUint64(data[32:40], uint64(mr.End))
	binary.BigEndian.PutUint64(data[40:48], xxhash.Sum64(data[:40]))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("wal: writing master record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("wal: installing master record: %w", err)
	}
	return nil
}
