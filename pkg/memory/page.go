// Package memory implements the buffer pool: a fixed set of direct-I/O
// aligned frames fronting the heap files, with pin/unpin discipline and
// write-ahead fencing on flush.
package memory

import (
	"encoding/binary"

	"github.com/ncw/directio"
	"github.com/spaolacci/murmur3"

	"reldb/pkg/primitives"
)

// PageSize matches the direct I/O block size.
const PageSize = int64(directio.BlockSize)

// PageHeaderSize is the number of bytes at the start of every page reserved
// for the page LSN and the image checksum. Heap payload starts after it.
const PageHeaderSize = 16

// Page is a pinned frame of the buffer pool. Callers get one from FetchPage,
// mutate it, and must return it with UnpinPage on every path.
type Page struct {
	id       primitives.PageID
	data     []byte
	pinCount int
	dirty    bool
}

// ID returns the page identity.
func (p *Page) ID() primitives.PageID {
	return p.id
}

// Payload returns the mutable page body after the header.
func (p *Page) Payload() []byte {
	return p.data[PageHeaderSize:]
}

// PageLSN returns the LSN of the last log record whose effect is present on
// this page. A page that was never stamped reads InvalidLSN.
//
// The on-disk field is biased by one so that an all-zero fresh page decodes
// to InvalidLSN.
func (p *Page) PageLSN() primitives.LSN {
	return primitives.LSN(int64(binary.BigEndian.Uint64(p.data[0:8]))) - 1
}

// SetPageLSN stamps the page with the LSN of the record being applied. The
// table heap calls this atomically with every mutation.
func (p *Page) SetPageLSN(lsn primitives.LSN) {
	binary.BigEndian.PutUint64(p.data[0:8], uint64(int64(lsn)+1))
}

// checksum hashes the page image with the checksum field excluded.
func (p *Page) checksum() uint64 {
	h := murmur3.New64()
	h.Write(p.data[0:8])
	h.Write(p.data[PageHeaderSize:])
	return h.Sum64()
}

func (p *Page) storeChecksum() {
	binary.BigEndian.PutUint64(p.data[8:16], p.checksum())
}

// verifyChecksum reports whether the on-disk image is intact. A page whose
// LSN field is still zero was never stamped or flushed and has nothing to
// verify.
func (p *Page) verifyChecksum() bool {
	if binary.BigEndian.Uint64(p.data[0:8]) == 0 {
		return true
	}
	return binary.BigEndian.Uint64(p.data[8:16]) == p.checksum()
}

func (p *Page) zero() {
	for i := range p.data {
		p.data[i] = 0
	}
}
