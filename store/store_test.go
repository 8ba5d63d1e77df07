package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sachaarbonel/reefdb-sub001/command"
	"github.com/sachaarbonel/reefdb-sub001/mvcc"
	"github.com/sachaarbonel/reefdb-sub001/storage"
	"github.com/sachaarbonel/reefdb-sub001/tx"
	"github.com/sachaarbonel/reefdb-sub001/wal"
)

func mustNewStore(t *testing.T) *Store {
	return mustNewStoreID(t, "node1")
}

func mustNewStoreID(t *testing.T, id string) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "reefdb-store-test-")
	if err != nil {
		t.Fatalf("failed to create temp dir: %s", err.Error())
	}
	w, err := wal.Open(filepath.Join(dir, "wal.db"))
	if err != nil {
		t.Fatalf("failed to open wal: %s", err.Error())
	}
	eng, err := storage.OpenBolt(filepath.Join(dir, "data.db"))
	if err != nil {
		t.Fatalf("failed to open engine: %s", err.Error())
	}
	txMgr := tx.NewManager(mvcc.NewManager(), w, eng)
	return New(&Config{
		ID:       id,
		Dir:      dir,
		RaftAddr: "127.0.0.1:0",
	}, txMgr)
}

func Test_OpenStoreSingleNode(t *testing.T) {
	s := mustNewStore(t)
	defer os.RemoveAll(s.Path())

	if err := s.Open(true); err != nil {
		t.Fatalf("failed to open single-node store: %s", err.Error())
	}
	defer s.Close(true)
	if _, err := s.WaitForLeader(10 * time.Second); err != nil {
		t.Fatalf("failed to wait for leader: %s", err.Error())
	}
	if !s.IsLeader() {
		t.Fatalf("single node is not leader")
	}
	if exp, got := Leader, s.State(); exp != got {
		t.Fatalf("unexpected cluster state, exp: %v, got: %v", exp, got)
	}
}

func Test_SingleNodeExecuteGet(t *testing.T) {
	s := mustNewStore(t)
	defer os.RemoveAll(s.Path())

	if err := s.Open(true); err != nil {
		t.Fatalf("failed to open single-node store: %s", err.Error())
	}
	defer s.Close(true)
	if _, err := s.WaitForLeader(10 * time.Second); err != nil {
		t.Fatalf("failed to wait for leader: %s", err.Error())
	}

	ops := []command.Entry{
		{Op: command.OpCreateTable, Table: "foo", Columns: []string{"id", "name"}},
		{Op: command.OpInsert, Table: "foo", RowID: 1, Values: map[string]string{"name": "fiona"}},
	}
	if err := s.ExecuteOps(ops); err != nil {
		t.Fatalf("failed to execute on single node: %s", err.Error())
	}

	for _, lvl := range []ConsistencyLevel{None, Weak, Strong} {
		values, err := s.Get("foo", 1, lvl)
		if err != nil {
			t.Fatalf("failed to get at level %d: %s", lvl, err.Error())
		}
		if exp, got := "fiona", values["name"]; exp != got {
			t.Fatalf("unexpected value, exp: %s, got: %s", exp, got)
		}
	}

	n := 0
	if err := s.ScanTable("foo", None, func(rowID uint64, values map[string]string) error {
		n++
		return nil
	}); err != nil {
		t.Fatalf("failed to scan table: %s", err.Error())
	}
	if exp, got := 1, n; exp != got {
		t.Fatalf("unexpected row count, exp: %d, got: %d", exp, got)
	}
}

func Test_SingleNodeWriteConflict(t *testing.T) {
	s := mustNewStore(t)
	defer os.RemoveAll(s.Path())

	if err := s.Open(true); err != nil {
		t.Fatalf("failed to open single-node store: %s", err.Error())
	}
	defer s.Close(true)
	if _, err := s.WaitForLeader(10 * time.Second); err != nil {
		t.Fatalf("failed to wait for leader: %s", err.Error())
	}

	if err := s.ExecuteOps([]command.Entry{
		{Op: command.OpCreateTable, Table: "foo"},
		{Op: command.OpInsert, Table: "foo", RowID: 1, Values: map[string]string{"val": "x"}},
	}); err != nil {
		t.Fatalf("failed to execute setup: %s", err.Error())
	}

	// Two transactions race on the same row through consensus; the
	// second proposal must lose.
	txMgr := s.txMgr
	t1 := txMgr.Begin()
	t2 := txMgr.Begin()
	if err := txMgr.Execute(t1, command.Entry{Op: command.OpUpdate, Table: "foo", RowID: 1,
		Values: map[string]string{"val": "a"}}); err != nil {
		t.Fatalf("failed to execute t1: %s", err.Error())
	}
	if err := txMgr.Execute(t2, command.Entry{Op: command.OpUpdate, Table: "foo", RowID: 1,
		Values: map[string]string{"val": "b"}}); err != nil {
		t.Fatalf("failed to execute t2: %s", err.Error())
	}
	if err := txMgr.Commit(t1); err != nil {
		t.Fatalf("failed to commit t1: %s", err.Error())
	}
	if err := txMgr.Commit(t2); err != tx.ErrWriteConflict {
		t.Fatalf("expected ErrWriteConflict, got: %v", err)
	}

	values, err := s.Get("foo", 1, None)
	if err != nil {
		t.Fatalf("failed to get row: %s", err.Error())
	}
	if exp, got := "a", values["val"]; exp != got {
		t.Fatalf("unexpected value, exp: %s, got: %s", exp, got)
	}
}

func Test_MultiNodeExecuteQuery(t *testing.T) {
	s0 := mustNewStoreID(t, "node1")
	defer os.RemoveAll(s0.Path())
	if err := s0.Open(true); err != nil {
		t.Fatalf("failed to open node 0: %s", err.Error())
	}
	defer s0.Close(true)
	if _, err := s0.WaitForLeader(10 * time.Second); err != nil {
		t.Fatalf("failed to wait for leader: %s", err.Error())
	}

	s1 := mustNewStoreID(t, "node2")
	defer os.RemoveAll(s1.Path())
	if err := s1.Open(false); err != nil {
		t.Fatalf("failed to open node 1: %s", err.Error())
	}
	defer s1.Close(true)
	if err := s0.Join(s1.ID(), s1.Addr()); err != nil {
		t.Fatalf("failed to join node 1 to cluster: %s", err.Error())
	}

	ops := []command.Entry{
		{Op: command.OpCreateTable, Table: "foo", Columns: []string{"id", "name"}},
		{Op: command.OpInsert, Table: "foo", RowID: 1, Values: map[string]string{"name": "fiona"}},
	}
	if err := s0.ExecuteOps(ops); err != nil {
		t.Fatalf("failed to execute on leader: %s", err.Error())
	}

	// The follower applies the same log entries and converges to the
	// leader's state.
	tck := time.NewTicker(100 * time.Millisecond)
	defer tck.Stop()
	tmr := time.NewTimer(10 * time.Second)
	defer tmr.Stop()
	for {
		values, err := s1.Get("foo", 1, None)
		if err == nil {
			if exp, got := "fiona", values["name"]; exp != got {
				t.Fatalf("unexpected value on follower, exp: %s, got: %s", exp, got)
			}
			break
		}
		select {
		case <-tck.C:
		case <-tmr.C:
			t.Fatalf("timeout waiting for follower to converge: %v", err)
		}
	}

	// A write sent to the follower is refused, and must not leave an
	// open transaction behind to pin garbage collection.
	if err := s1.ExecuteOps([]command.Entry{
		{Op: command.OpInsert, Table: "foo", RowID: 2, Values: map[string]string{"name": "declan"}},
	}); err != ErrNotLeader {
		t.Fatalf("expected ErrNotLeader on follower write, got: %v", err)
	}
	if n := s1.txMgr.Stats()["open_transactions"].(int); n != 0 {
		t.Fatalf("follower leaked %d open transactions", n)
	}

	// Leader-only read levels are refused on the follower.
	if _, err := s1.Get("foo", 1, Weak); err != ErrNotLeader {
		t.Fatalf("expected ErrNotLeader for weak read on follower, got: %v", err)
	}
}

func Test_StoreLogIndexes(t *testing.T) {
	s := mustNewStore(t)
	defer os.RemoveAll(s.Path())

	if err := s.Open(true); err != nil {
		t.Fatalf("failed to open single-node store: %s", err.Error())
	}
	if _, err := s.WaitForLeader(10 * time.Second); err != nil {
		t.Fatalf("failed to wait for leader: %s", err.Error())
	}
	if err := s.ExecuteOps([]command.Entry{
		{Op: command.OpCreateTable, Table: "foo"},
	}); err != nil {
		t.Fatalf("failed to execute: %s", err.Error())
	}
	if err := s.Close(true); err != nil {
		t.Fatalf("failed to close store: %s", err.Error())
	}

	l := NewLog(s.Path())
	fi, li, err := l.Indexes()
	if err != nil {
		t.Fatalf("failed to get indexes: %s", err.Error())
	}
	if fi == 0 || li < fi {
		t.Fatalf("unexpected indexes, first: %d, last: %d", fi, li)
	}
}

func Test_StoreNotOpen(t *testing.T) {
	s := mustNewStore(t)
	defer os.RemoveAll(s.Path())

	if err := s.CommitBatch(&command.Batch{}); err != ErrNotOpen {
		t.Fatalf("expected ErrNotOpen, got: %v", err)
	}
	if _, err := s.Get("foo", 1, Weak); err != ErrNotOpen {
		t.Fatalf("expected ErrNotOpen, got: %v", err)
	}
	if s.IsLeader() {
		t.Fatalf("unopened store claims leadership")
	}
}
