package mvcc

import (
	"testing"
)

func Test_GCSupersededVersions(t *testing.T) {
	m := NewManager()
	m.RegisterTable("foo")

	for i := 0; i < 5; i++ {
		tx := m.Begin()
		if err := m.AddVersion("foo", 1, tx, []byte{byte(i)}); err != nil {
			t.Fatalf("failed to add version: %s", err.Error())
		}
		if _, err := m.Commit(tx); err != nil {
			t.Fatalf("failed to commit: %s", err.Error())
		}
	}

	// No active transactions, so everything but the newest version is
	// unreachable.
	n := m.GC()
	if exp, got := 4, n; exp != got {
		t.Fatalf("unexpected GC count, exp: %d, got: %d", exp, got)
	}

	r := m.Begin()
	v, err := m.Read("foo", 1, r)
	if err != nil {
		t.Fatalf("failed to read after GC: %s", err.Error())
	}
	if exp, got := byte(4), v[0]; exp != got {
		t.Fatalf("unexpected value after GC, exp: %d, got: %d", exp, got)
	}
}

func Test_GCRespectsActiveSnapshots(t *testing.T) {
	m := NewManager()
	m.RegisterTable("foo")

	w1 := m.Begin()
	if err := m.AddVersion("foo", 1, w1, []byte("old")); err != nil {
		t.Fatalf("failed to add version: %s", err.Error())
	}
	if _, err := m.Commit(w1); err != nil {
		t.Fatalf("failed to commit: %s", err.Error())
	}

	// Reader pins the old snapshot.
	reader := m.Begin()

	w2 := m.Begin()
	if err := m.AddVersion("foo", 1, w2, []byte("new")); err != nil {
		t.Fatalf("failed to add version: %s", err.Error())
	}
	if _, err := m.Commit(w2); err != nil {
		t.Fatalf("failed to commit: %s", err.Error())
	}

	if n := m.GC(); n != 0 {
		t.Fatalf("GC removed %d versions still visible to a snapshot", n)
	}
	v, err := m.Read("foo", 1, reader)
	if err != nil {
		t.Fatalf("pinned reader failed to read: %s", err.Error())
	}
	if exp, got := "old", string(v); exp != got {
		t.Fatalf("unexpected value for pinned reader, exp: %s, got: %s", exp, got)
	}

	// Close the reader; the old version becomes unreachable.
	if err := m.Abort(reader); err != nil {
		t.Fatalf("failed to abort reader: %s", err.Error())
	}
	if n := m.GC(); n != 1 {
		t.Fatalf("expected 1 version removed, got: %d", n)
	}
}

func Test_GCDeletedRows(t *testing.T) {
	m := NewManager()
	m.RegisterTable("foo")

	w := m.Begin()
	if err := m.AddVersion("foo", 1, w, []byte("x")); err != nil {
		t.Fatalf("failed to add version: %s", err.Error())
	}
	if _, err := m.Commit(w); err != nil {
		t.Fatalf("failed to commit: %s", err.Error())
	}

	d := m.Begin()
	if err := m.MarkDeleted("foo", 1, d); err != nil {
		t.Fatalf("failed to mark deleted: %s", err.Error())
	}
	if _, err := m.Commit(d); err != nil {
		t.Fatalf("failed to commit delete: %s", err.Error())
	}

	if n := m.GC(); n != 1 {
		t.Fatalf("expected deleted version removed, got: %d", n)
	}

	r := m.Begin()
	if _, err := m.Read("foo", 1, r); err != ErrNoVisibleVersion {
		t.Fatalf("expected ErrNoVisibleVersion after GC, got: %v", err)
	}
}

func Test_GCReclaimsTerminalTransactions(t *testing.T) {
	m := NewManager()
	m.RegisterTable("foo")

	tx := m.Begin()
	if err := m.AddVersion("foo", 1, tx, []byte("x")); err != nil {
		t.Fatalf("failed to add version: %s", err.Error())
	}
	if _, err := m.Commit(tx); err != nil {
		t.Fatalf("failed to commit: %s", err.Error())
	}
	ab := m.Begin()
	if err := m.Abort(ab); err != nil {
		t.Fatalf("failed to abort: %s", err.Error())
	}

	m.GC()

	if _, ok := m.State(tx); ok {
		t.Fatalf("committed transaction bookkeeping should be reclaimed")
	}
	if _, ok := m.State(ab); ok {
		t.Fatalf("aborted transaction bookkeeping should be reclaimed")
	}

	// Reclaimed bookkeeping must not affect visibility: the stamped
	// version remains readable.
	r := m.Begin()
	if _, err := m.Read("foo", 1, r); err != nil {
		t.Fatalf("failed to read after reclaim: %s", err.Error())
	}
}
