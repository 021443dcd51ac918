package catalog

import (
	"path/filepath"
	"testing"

	"reldb/pkg/memory"
	"reldb/pkg/primitives"
)

func rid0() primitives.RID {
	return primitives.RID{PageNo: 0, SlotNo: 0}
}

func openTestCatalog(t *testing.T, dir string) (*SystemManager, *memory.BufferPool) {
	t.Helper()
	pool := memory.NewBufferPool(8)
	sm, err := Open(dir, filepath.Join(dir, "wal.log"), pool)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return sm, pool
}

func TestCreateAndLookupTable(t *testing.T) {
	dir := t.TempDir()
	sm, pool := openTestCatalog(t, dir)
	defer pool.Close()

	th, err := sm.CreateTable("accounts")
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if th.Name() != "accounts" {
		t.Errorf("Name = %q", th.Name())
	}

	got, ok := sm.Table("accounts")
	if !ok || got != th {
		t.Errorf("Table lookup = %v,%v", got, ok)
	}
	if _, ok := sm.Table("ghost"); ok {
		t.Error("lookup of absent table succeeded")
	}

	if _, err := sm.CreateTable("accounts"); err == nil {
		t.Error("duplicate CreateTable succeeded")
	}
}

func TestCatalogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	sm, pool := openTestCatalog(t, dir)

	a, err := sm.CreateTable("a")
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if _, err := sm.CreateTable("b"); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	aID := a.FileID()
	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sm2, pool2 := openTestCatalog(t, dir)
	defer pool2.Close()

	a2, ok := sm2.Table("a")
	if !ok {
		t.Fatal("table a lost across reopen")
	}
	if a2.FileID() != aID {
		t.Errorf("file id changed across reopen: %d vs %d", a2.FileID(), aID)
	}
	if names := sm2.Tables(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Tables = %v", names)
	}

	// A fresh table must not reuse a file id.
	c, err := sm2.CreateTable("c")
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if c.FileID() <= aID {
		t.Errorf("new file id %d not past existing ids", c.FileID())
	}
}

func TestDropTable(t *testing.T) {
	dir := t.TempDir()
	sm, pool := openTestCatalog(t, dir)

	th, err := sm.CreateTable("doomed")
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if err := th.InsertRecord(rid0(), []byte("x"), 1); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}
	if err := sm.DropTable("doomed"); err != nil {
		t.Fatalf("DropTable failed: %v", err)
	}
	if _, ok := sm.Table("doomed"); ok {
		t.Error("dropped table still resolvable")
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sm2, pool2 := openTestCatalog(t, dir)
	defer pool2.Close()
	if _, ok := sm2.Table("doomed"); ok {
		t.Error("dropped table resurrected by reopen")
	}
}
