package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"reldb/pkg/primitives"
)

// Wire format, stable within a single database instance:
//
//	header  [kind:1][lsn:8][prevLSN:8][txnID:8][length:4]   big-endian
//	payload kind-specific, `length` bytes
//
// Strings are u16-length-prefixed, values are u32-length-prefixed opaque
// byte arrays. CLR kinds append undoNext:8. CKPT_END carries the ATT/DPT
// snapshot:
//
//	[attCount:4]{txnID:8 lastLSN:8}* [dptCount:4]{fileID:8 pageNo:8 recLSN:8}*

// HeaderSize is the fixed size of the record header in bytes.
const HeaderSize = 1 + 8 + 8 + 8 + 4

var (
	// ErrUnknownKind indicates writer/reader schema skew.
	ErrUnknownKind = errors.New("record: unknown log record kind")
	// ErrTruncated indicates the buffer ends inside a record.
	ErrTruncated = errors.New("record: truncated log record")
)

// Encode serializes the record. The returned slice starts with the header;
// its total size is HeaderSize plus the payload length.
func Encode(r *LogRecord) ([]byte, error) {
	if !r.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(r.Kind))
	}
	payload, err := encodePayload(r)
	if err != nil {
		return nil, err
	}
	if len(payload) > math.MaxUint32 {
		return nil, fmt.Errorf("record: payload of %d bytes exceeds wire limit", len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(r.Kind)
	binary.BigEndian.PutUint64(buf[1:9], uint64(r.LSN))
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.PrevLSN))
	binary.BigEndian.PutUint64(buf[17:25], uint64(r.TxnID))
	binary.BigEndian.PutUint32(buf[25:29], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

func encodePayload(r *LogRecord) ([]byte, error) {
	var buf bytes.Buffer

	switch r.Kind {
	case KindBegin, KindCommit, KindAbort, KindCkptBegin:
		// No payload.

	case KindInsert, KindDelete, KindCLRInsert, KindCLRDelete:
		if err := putString(&buf, r.TableName); err != nil {
			return nil, err
		}
		putRID(&buf, r.RID)
		putBytes(&buf, r.Value)

	case KindUpdate, KindCLRUpdate:
		if err := putString(&buf, r.TableName); err != nil {
			return nil, err
		}
		putRID(&buf, r.RID)
		putBytes(&buf, r.Before)
		putBytes(&buf, r.After)

	case KindCkptEnd:
		putUint32(&buf, uint32(len(r.ActiveTxns)))
		for txn, lastLSN := range r.ActiveTxns {
			putInt64(&buf, int64(txn))
			putInt64(&buf, int64(lastLSN))
		}
		putUint32(&buf, uint32(len(r.DirtyPages)))
		for pid, recLSN := range r.DirtyPages {
			putInt64(&buf, int64(pid.FileID))
			putInt64(&buf, int64(pid.PageNo))
			putInt64(&buf, int64(recLSN))
		}
	}

	if r.Kind.IsCLR() {
		putInt64(&buf, int64(r.UndoNext))
	}
	return buf.Bytes(), nil
}

// Decode parses one record from the front of buf and returns it together
// with the number of bytes consumed. ErrTruncated means buf ends inside the
// record; ErrUnknownKind means the writer used a kind this reader does not
// know.
func Decode(buf []byte) (*LogRecord, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrTruncated
	}
	kind := Kind(buf[0])
	if !kind.Valid() {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownKind, buf[0])
	}
	r := &LogRecord{
		Kind:    kind,
		LSN:     primitives.LSN(binary.BigEndian.Uint64(buf[1:9])),
		PrevLSN: primitives.LSN(binary.BigEndian.Uint64(buf[9:17])),
		TxnID:   primitives.TransactionID(binary.BigEndian.Uint64(buf[17:25])),
	}
	length := int(binary.BigEndian.Uint32(buf[25:29]))
	if len(buf) < HeaderSize+length {
		return nil, 0, ErrTruncated
	}
	if err := decodePayload(r, buf[HeaderSize:HeaderSize+length]); err != nil {
		return nil, 0, err
	}
	return r, HeaderSize + length, nil
}

func decodePayload(r *LogRecord, payload []byte) error {
	d := decoder{buf: payload}

	switch r.Kind {
	case KindBegin, KindCommit, KindAbort, KindCkptBegin:

	case KindInsert, KindDelete, KindCLRInsert, KindCLRDelete:
		r.TableName = d.str()
		r.RID = d.rid()
		r.Value = d.bytes()

	case KindUpdate, KindCLRUpdate:
		r.TableName = d.str()
		r.RID = d.rid()
		r.Before = d.bytes()
		r.After = d.bytes()

	case KindCkptEnd:
		attCount := d.uint32()
		r.ActiveTxns = make(map[primitives.TransactionID]primitives.LSN, attCount)
		for i := uint32(0); i < attCount && d.err == nil; i++ {
			txn := primitives.TransactionID(d.int64())
			r.ActiveTxns[txn] = primitives.LSN(d.int64())
		}
		dptCount := d.uint32()
		r.DirtyPages = make(map[primitives.PageID]primitives.LSN, dptCount)
		for i := uint32(0); i < dptCount && d.err == nil; i++ {
			pid := primitives.PageID{
				FileID: primitives.FileID(d.int64()),
				PageNo: primitives.PageNumber(d.int64()),
			}
			r.DirtyPages[pid] = primitives.LSN(d.int64())
		}
	}

	if r.Kind.IsCLR() {
		r.UndoNext = primitives.LSN(d.int64())
	}
	if d.err != nil {
		return d.err
	}
	if d.off != len(payload) {
		return fmt.Errorf("record: %d trailing payload bytes in %s record", len(payload)-d.off, r.Kind)
	}
	return nil
}

func putString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("record: table name of %d bytes exceeds wire limit", len(s))
	}
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
	return nil
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func putRID(buf *bytes.Buffer, rid primitives.RID) {
	putInt64(buf, int64(rid.PageNo))
	var s [2]byte
	binary.BigEndian.PutUint16(s[:], uint16(rid.SlotNo))
	buf.Write(s[:])
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

// decoder reads fixed fields off a payload, latching the first error so call
// sites stay linear.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = ErrTruncated
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) str() string {
	b := d.take(2)
	if d.err != nil {
		return ""
	}
	return string(d.take(int(binary.BigEndian.Uint16(b))))
}

func (d *decoder) bytes() []byte {
	b := d.take(4)
	if d.err != nil {
		return nil
	}
	n := int(binary.BigEndian.Uint32(b))
	raw := d.take(n)
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, raw)
	return out
}

func (d *decoder) rid() primitives.RID {
	pageNo := d.int64()
	b := d.take(2)
	if d.err != nil {
		return primitives.RID{}
	}
	return primitives.RID{
		PageNo: primitives.PageNumber(pageNo),
		SlotNo: primitives.SlotNumber(binary.BigEndian.Uint16(b)),
	}
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if d.err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) int64() int64 {
	b := d.take(8)
	if d.err != nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
