// Package primitives holds the identifier types shared across the storage
// engine: log sequence numbers, transaction ids, record ids and page ids.
package primitives

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// LSN is a log sequence number. LSNs are assigned densely at append time, so
// consecutive records in the log differ by exactly one.
type LSN int64

// InvalidLSN marks the absence of a log record, e.g. the PrevLSN of the first
// record of a transaction.
const InvalidLSN LSN = -1

// Valid reports whether the LSN refers to an actual log record.
func (l LSN) Valid() bool {
	return l != InvalidLSN && l >= 0
}

// TransactionID identifies a transaction for the lifetime of the instance.
type TransactionID int64

// FileID is the stable identifier of a table's heap file, assigned by the
// catalog at table creation. It survives restarts, unlike an OS descriptor.
type FileID int64

// PageNumber is a zero-based page index within a heap file.
type PageNumber int64

// SlotNumber is a slot index within a heap page.
type SlotNumber uint16

// RID identifies a tuple within a heap file by page and slot.
type RID struct {
	PageNo PageNumber
	SlotNo SlotNumber
}

func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageNo, r.SlotNo)
}

// PageID uniquely identifies a page in the buffer pool.
type PageID struct {
	FileID FileID
	PageNo PageNumber
}

func (p PageID) String() string {
	return fmt.Sprintf("%d:%d", p.FileID, p.PageNo)
}

// HashCode is a 64-bit hash usable as a map key for page identities.
type HashCode uint64

// HashCode returns the murmur3 hash of the page identity.
func (p PageID) HashCode() HashCode {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(p.FileID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(p.PageNo))
	return HashCode(murmur3.Sum64(buf[:]))
}
