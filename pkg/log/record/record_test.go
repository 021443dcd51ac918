package record

import (
	"bytes"
	"errors"
	"testing"

	"reldb/pkg/primitives"
)

func TestEncodeDecodeUpdate(t *testing.T) {
	rec := NewUpdate(7, 41, "accounts", primitives.RID{PageNo: 3, SlotNo: 5}, []byte("old"), []byte("new"))
	rec.LSN = 42

	encoded, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, n, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if n != len(encoded) {
		t.Errorf("Decode consumed %d of %d bytes", n, len(encoded))
	}
	if decoded.Kind != KindUpdate || decoded.LSN != 42 || decoded.PrevLSN != 41 || decoded.TxnID != 7 {
		t.Errorf("header mismatch: %+v", decoded)
	}
	if decoded.TableName != "accounts" || decoded.RID != rec.RID {
		t.Errorf("payload identity mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Before, []byte("old")) || !bytes.Equal(decoded.After, []byte("new")) {
		t.Errorf("images mismatch: before=%q after=%q", decoded.Before, decoded.After)
	}
}

func TestEncodeDecodeCLRCarriesUndoNext(t *testing.T) {
	rec := NewCLRDelete(9, 12, "t", primitives.RID{PageNo: 1}, []byte("x"), 4)
	rec.LSN = 13

	encoded, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, _, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.UndoNext != 4 {
		t.Errorf("UndoNext = %d, want 4", decoded.UndoNext)
	}
	if !decoded.Kind.IsCLR() {
		t.Errorf("decoded kind %s is not a CLR", decoded.Kind)
	}
}

func TestEncodeDecodeCheckpointEnd(t *testing.T) {
	att := map[primitives.TransactionID]primitives.LSN{3: 17, 8: 21}
	dpt := map[primitives.PageID]primitives.LSN{
		{FileID: 1, PageNo: 0}: 15,
		{FileID: 2, PageNo: 9}: 19,
	}
	rec := NewCkptEnd(att, dpt)
	rec.LSN = 22

	encoded, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, _, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded.ActiveTxns) != 2 || decoded.ActiveTxns[3] != 17 || decoded.ActiveTxns[8] != 21 {
		t.Errorf("ATT snapshot mismatch: %v", decoded.ActiveTxns)
	}
	if len(decoded.DirtyPages) != 2 {
		t.Fatalf("DPT snapshot mismatch: %v", decoded.DirtyPages)
	}
	if decoded.DirtyPages[primitives.PageID{FileID: 2, PageNo: 9}] != 19 {
		t.Errorf("DPT recLSN mismatch: %v", decoded.DirtyPages)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	rec := NewBegin(1)
	encoded, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	encoded[0] = 200

	if _, _, err := Decode(encoded); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Decode of unknown kind = %v, want ErrUnknownKind", err)
	}
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	rec := NewInsert(1, primitives.InvalidLSN, "t", primitives.RID{}, []byte("value"))
	encoded, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for _, cut := range []int{0, HeaderSize - 1, len(encoded) - 1} {
		if _, _, err := Decode(encoded[:cut]); !errors.Is(err, ErrTruncated) {
			t.Errorf("Decode of %d bytes = %v, want ErrTruncated", cut, err)
		}
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	if _, err := Encode(&LogRecord{Kind: Kind(77)}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Encode = %v, want ErrUnknownKind", err)
	}
}

func TestRedoImage(t *testing.T) {
	up := NewUpdate(1, 0, "t", primitives.RID{}, []byte("a"), []byte("b"))
	if got := up.RedoImage(); !bytes.Equal(got, []byte("b")) {
		t.Errorf("update redo image = %q, want %q", got, "b")
	}
	del := NewDelete(1, 0, "t", primitives.RID{}, []byte("a"))
	if got := del.RedoImage(); got != nil {
		t.Errorf("delete redo image = %q, want nil", got)
	}
}
