package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func mustNewBolt(t *testing.T) (*BoltEngine, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "reefdb-storage-test-")
	if err != nil {
		t.Fatalf("failed to create temp dir: %s", err.Error())
	}
	e, err := OpenBolt(filepath.Join(dir, "data.db"))
	if err != nil {
		t.Fatalf("failed to open bolt engine: %s", err.Error())
	}
	return e, dir
}

func testEngine(t *testing.T, e Engine) {
	t.Helper()

	if err := e.CreateTable("foo"); err != nil {
		t.Fatalf("failed to create table: %s", err.Error())
	}
	if err := e.CreateTable("foo"); err != ErrTableExists {
		t.Fatalf("expected ErrTableExists, got: %v", err)
	}
	ok, err := e.HasTable("foo")
	if err != nil || !ok {
		t.Fatalf("expected table foo to exist, ok=%v err=%v", ok, err)
	}

	if err := e.Insert("foo", 1, []byte("x")); err != nil {
		t.Fatalf("failed to insert row: %s", err.Error())
	}
	if err := e.Insert("foo", 1, []byte("x")); err != ErrRowExists {
		t.Fatalf("expected ErrRowExists, got: %v", err)
	}
	v, err := e.Get("foo", 1)
	if err != nil {
		t.Fatalf("failed to get row: %s", err.Error())
	}
	if exp, got := "x", string(v); exp != got {
		t.Fatalf("unexpected row value, exp: %s, got: %s", exp, got)
	}

	if err := e.Update("foo", 1, []byte("y")); err != nil {
		t.Fatalf("failed to update row: %s", err.Error())
	}
	if err := e.Update("foo", 2, []byte("y")); err != ErrRowNotFound {
		t.Fatalf("expected ErrRowNotFound, got: %v", err)
	}
	if err := e.Upsert("foo", 2, []byte("z")); err != nil {
		t.Fatalf("failed to upsert row: %s", err.Error())
	}

	var ids []uint64
	if err := e.Scan("foo", func(id uint64, data []byte) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		t.Fatalf("failed to scan table: %s", err.Error())
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("unexpected scan order: %v", ids)
	}

	if err := e.Delete("foo", 1); err != nil {
		t.Fatalf("failed to delete row: %s", err.Error())
	}
	if _, err := e.Get("foo", 1); err != ErrRowNotFound {
		t.Fatalf("expected ErrRowNotFound after delete, got: %v", err)
	}
	// Idempotent delete.
	if err := e.Delete("foo", 1); err != nil {
		t.Fatalf("unexpected error deleting missing row: %s", err.Error())
	}

	if err := e.PutMeta("cursor", []byte("42")); err != nil {
		t.Fatalf("failed to put meta: %s", err.Error())
	}
	m, err := e.Meta("cursor")
	if err != nil {
		t.Fatalf("failed to get meta: %s", err.Error())
	}
	if exp, got := "42", string(m); exp != got {
		t.Fatalf("unexpected meta value, exp: %s, got: %s", exp, got)
	}

	if err := e.DropTable("foo"); err != nil {
		t.Fatalf("failed to drop table: %s", err.Error())
	}
	if _, err := e.Get("foo", 2); err != ErrTableNotFound {
		t.Fatalf("expected ErrTableNotFound after drop, got: %v", err)
	}
}

func Test_MemEngine(t *testing.T) {
	testEngine(t, NewMem())
}

func Test_BoltEngine(t *testing.T) {
	e, dir := mustNewBolt(t)
	defer os.RemoveAll(dir)
	defer e.Close()
	testEngine(t, e)
}

func Test_BoltEngineDurable(t *testing.T) {
	e, dir := mustNewBolt(t)
	defer os.RemoveAll(dir)

	if err := e.CreateTable("foo"); err != nil {
		t.Fatalf("failed to create table: %s", err.Error())
	}
	if err := e.Insert("foo", 1, []byte("x")); err != nil {
		t.Fatalf("failed to insert row: %s", err.Error())
	}
	path := e.Path()
	if err := e.Close(); err != nil {
		t.Fatalf("failed to close engine: %s", err.Error())
	}

	e2, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("failed to reopen engine: %s", err.Error())
	}
	defer e2.Close()
	v, err := e2.Get("foo", 1)
	if err != nil {
		t.Fatalf("failed to get row after reopen: %s", err.Error())
	}
	if exp, got := "x", string(v); exp != got {
		t.Fatalf("unexpected row value after reopen, exp: %s, got: %s", exp, got)
	}
}
