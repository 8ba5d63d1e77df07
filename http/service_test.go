package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/sachaarbonel/reefdb-sub001/command"
	"github.com/sachaarbonel/reefdb-sub001/store"
	"github.com/sachaarbonel/reefdb-sub001/tx"
)

type testStore struct {
	executed  [][]command.Entry
	rows      map[string]map[uint64]map[string]string
	leaderAPI string
	execErr   error
	notLeader bool

	joinedID, joinedAddr string
	removedID            string
}

func newTestStore() *testStore {
	return &testStore{
		rows: make(map[string]map[uint64]map[string]string),
	}
}

func (t *testStore) ExecuteOps(ops []command.Entry) error {
	if t.execErr != nil {
		return t.execErr
	}
	t.executed = append(t.executed, ops)
	return nil
}

func (t *testStore) Get(table string, rowID uint64, lvl store.ConsistencyLevel) (map[string]string, error) {
	rows, ok := t.rows[table]
	if !ok {
		return nil, tx.ErrTableNotFound
	}
	v, ok := rows[rowID]
	if !ok {
		return nil, tx.ErrRowNotFound
	}
	return v, nil
}

func (t *testStore) ScanTable(table string, lvl store.ConsistencyLevel, fn func(rowID uint64, values map[string]string) error) error {
	rows, ok := t.rows[table]
	if !ok {
		return tx.ErrTableNotFound
	}
	for id, v := range rows {
		if err := fn(id, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *testStore) Join(id, addr string) error {
	t.joinedID, t.joinedAddr = id, addr
	return nil
}

func (t *testStore) Remove(id string) error {
	t.removedID = id
	return nil
}

func (t *testStore) IsLeader() bool {
	return !t.notLeader
}

func (t *testStore) LeaderAPIAddr() string {
	return t.leaderAPI
}

func (t *testStore) Stats() (map[string]interface{}, error) {
	return map[string]interface{}{"node_id": "node1"}, nil
}

type testTxMgr struct {
	nextID    uint64
	executed  map[uint64][]command.Entry
	committed []uint64
	rolledBk  []uint64
	saveOps   []string
	commitErr error
}

func newTestTxMgr() *testTxMgr {
	return &testTxMgr{executed: make(map[uint64][]command.Entry)}
}

func (m *testTxMgr) Begin() uint64 {
	m.nextID++
	return m.nextID
}

func (m *testTxMgr) Execute(txID uint64, e command.Entry) error {
	if txID > m.nextID {
		return tx.ErrTxNotFound
	}
	m.executed[txID] = append(m.executed[txID], e)
	return nil
}

func (m *testTxMgr) Commit(txID uint64) error {
	if txID > m.nextID {
		return tx.ErrTxNotFound
	}
	if m.commitErr != nil {
		return m.commitErr
	}
	m.committed = append(m.committed, txID)
	return nil
}

func (m *testTxMgr) Rollback(txID uint64) error {
	m.rolledBk = append(m.rolledBk, txID)
	return nil
}

func (m *testTxMgr) Read(txID uint64, table string, rowID uint64) (map[string]string, error) {
	return map[string]string{"val": "x"}, nil
}

func (m *testTxMgr) CreateSavepoint(txID uint64, name string) error {
	m.saveOps = append(m.saveOps, "create:"+name)
	return nil
}

func (m *testTxMgr) ReleaseSavepoint(txID uint64, name string) error {
	m.saveOps = append(m.saveOps, "release:"+name)
	return nil
}

func (m *testTxMgr) RollbackToSavepoint(txID uint64, name string) error {
	m.saveOps = append(m.saveOps, "rollback:"+name)
	return nil
}

func (m *testTxMgr) Savepoints(txID uint64) ([]string, error) {
	return nil, nil
}

func mustNewService(t *testing.T, ts *testStore, tm *testTxMgr) *Service {
	t.Helper()
	s := New("127.0.0.1:0", ts, tm)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start service: %s", err.Error())
	}
	return s
}

func urlFor(s *Service, path string) string {
	return fmt.Sprintf("http://%s%s", s.Addr().String(), path)
}

func Test_Execute(t *testing.T) {
	ts := newTestStore()
	s := mustNewService(t, ts, newTestTxMgr())
	defer s.Close()

	body := `{"ops":[{"op":"create_table","table":"foo","columns":["id","name"]},
		{"op":"insert","table":"foo","row_id":1,"values":{"name":"fiona"}}]}`
	resp, err := http.Post(urlFor(s, "/db/execute"), "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to POST execute: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusOK, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
	if len(ts.executed) != 1 || len(ts.executed[0]) != 2 {
		t.Fatalf("store did not receive the operations: %v", ts.executed)
	}
	if exp, got := command.OpInsert, ts.executed[0][1].Op; exp != got {
		t.Fatalf("unexpected op, exp: %s, got: %s", exp, got)
	}
}

func Test_ExecuteBadOp(t *testing.T) {
	s := mustNewService(t, newTestStore(), newTestTxMgr())
	defer s.Close()

	resp, err := http.Post(urlFor(s, "/db/execute"), "application/json",
		bytes.NewBufferString(`{"ops":[{"op":"truncate","table":"foo"}]}`))
	if err != nil {
		t.Fatalf("failed to POST execute: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusBadRequest, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
}

func Test_QueryRow(t *testing.T) {
	ts := newTestStore()
	ts.rows["foo"] = map[uint64]map[string]string{
		1: {"name": "fiona"},
	}
	s := mustNewService(t, ts, newTestTxMgr())
	defer s.Close()

	resp, err := http.Get(urlFor(s, "/db/query?table=foo&row=1&level=none"))
	if err != nil {
		t.Fatalf("failed to GET query: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusOK, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
	var body struct {
		RowID  uint64            `json:"row_id"`
		Values map[string]string `json:"values"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %s", err.Error())
	}
	if exp, got := "fiona", body.Values["name"]; exp != got {
		t.Fatalf("unexpected value, exp: %s, got: %s", exp, got)
	}
}

func Test_QueryMissingRow(t *testing.T) {
	ts := newTestStore()
	ts.rows["foo"] = map[uint64]map[string]string{}
	s := mustNewService(t, ts, newTestTxMgr())
	defer s.Close()

	resp, err := http.Get(urlFor(s, "/db/query?table=foo&row=1"))
	if err != nil {
		t.Fatalf("failed to GET query: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusNotFound, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
}

func Test_ExecuteNotLeaderRedirect(t *testing.T) {
	ts := newTestStore()
	ts.execErr = store.ErrNotLeader
	ts.leaderAPI = "1.2.3.4:4001"
	s := mustNewService(t, ts, newTestTxMgr())
	defer s.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Post(urlFor(s, "/db/execute"), "application/json",
		bytes.NewBufferString(`{"ops":[{"op":"insert","table":"foo","row_id":1}]}`))
	if err != nil {
		t.Fatalf("failed to POST execute: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusMovedPermanently, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
	if exp, got := "http://1.2.3.4:4001/db/execute", resp.Header.Get("Location"); exp != got {
		t.Fatalf("unexpected redirect, exp: %s, got: %s", exp, got)
	}
}

func Test_ExecuteNotLeaderNoLeader(t *testing.T) {
	ts := newTestStore()
	ts.execErr = store.ErrNotLeader
	s := mustNewService(t, ts, newTestTxMgr())
	defer s.Close()

	resp, err := http.Post(urlFor(s, "/db/execute"), "application/json",
		bytes.NewBufferString(`{"ops":[{"op":"insert","table":"foo","row_id":1}]}`))
	if err != nil {
		t.Fatalf("failed to POST execute: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusServiceUnavailable, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
}

func Test_ExecuteWriteConflict(t *testing.T) {
	ts := newTestStore()
	ts.execErr = tx.ErrWriteConflict
	s := mustNewService(t, ts, newTestTxMgr())
	defer s.Close()

	resp, err := http.Post(urlFor(s, "/db/execute"), "application/json",
		bytes.NewBufferString(`{"ops":[{"op":"insert","table":"foo","row_id":1}]}`))
	if err != nil {
		t.Fatalf("failed to POST execute: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusConflict, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
}

func Test_TxnLifecycle(t *testing.T) {
	tm := newTestTxMgr()
	s := mustNewService(t, newTestStore(), tm)
	defer s.Close()

	resp, err := http.Post(urlFor(s, "/txn/begin"), "application/json", nil)
	if err != nil {
		t.Fatalf("failed to begin txn: %s", err.Error())
	}
	var begin struct {
		TxID uint64 `json:"tx_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&begin); err != nil {
		t.Fatalf("failed to decode begin response: %s", err.Error())
	}
	resp.Body.Close()
	if begin.TxID == 0 {
		t.Fatalf("got zero transaction ID")
	}

	body := fmt.Sprintf(`{"tx_id":%d,"ops":[{"op":"insert","table":"foo","row_id":1,"values":{"val":"x"}}]}`, begin.TxID)
	resp, err = http.Post(urlFor(s, "/txn/execute"), "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to execute in txn: %s", err.Error())
	}
	resp.Body.Close()
	if len(tm.executed[begin.TxID]) != 1 {
		t.Fatalf("transaction manager did not receive the op")
	}

	body = fmt.Sprintf(`{"tx_id":%d,"name":"sp1"}`, begin.TxID)
	for _, p := range []string{"/txn/savepoint", "/txn/savepoint/rollback"} {
		resp, err = http.Post(urlFor(s, p), "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("failed savepoint request %s: %s", p, err.Error())
		}
		resp.Body.Close()
	}
	if len(tm.saveOps) != 2 || tm.saveOps[0] != "create:sp1" || tm.saveOps[1] != "rollback:sp1" {
		t.Fatalf("unexpected savepoint calls: %v", tm.saveOps)
	}

	resp, err = http.Post(urlFor(s, "/txn/commit"), "application/json",
		bytes.NewBufferString(fmt.Sprintf(`{"tx_id":%d}`, begin.TxID)))
	if err != nil {
		t.Fatalf("failed to commit txn: %s", err.Error())
	}
	resp.Body.Close()
	if len(tm.committed) != 1 || tm.committed[0] != begin.TxID {
		t.Fatalf("transaction was not committed: %v", tm.committed)
	}
}

func Test_TxnBeginNotLeaderRedirect(t *testing.T) {
	ts := newTestStore()
	ts.notLeader = true
	ts.leaderAPI = "1.2.3.4:4001"
	s := mustNewService(t, ts, newTestTxMgr())
	defer s.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Post(urlFor(s, "/txn/begin"), "application/json", nil)
	if err != nil {
		t.Fatalf("failed to begin txn: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusMovedPermanently, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
	if exp, got := "http://1.2.3.4:4001/txn/begin", resp.Header.Get("Location"); exp != got {
		t.Fatalf("unexpected redirect, exp: %s, got: %s", exp, got)
	}
}

func Test_TxnCommitNotLeaderRollsBack(t *testing.T) {
	tm := newTestTxMgr()
	tm.commitErr = store.ErrNotLeader
	ts := newTestStore()
	ts.leaderAPI = "1.2.3.4:4001"
	s := mustNewService(t, ts, tm)
	defer s.Close()

	resp, err := http.Post(urlFor(s, "/txn/begin"), "application/json", nil)
	if err != nil {
		t.Fatalf("failed to begin txn: %s", err.Error())
	}
	var begin struct {
		TxID uint64 `json:"tx_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&begin); err != nil {
		t.Fatalf("failed to decode begin response: %s", err.Error())
	}
	resp.Body.Close()

	// Leadership moved after begin. The transaction cannot follow the
	// leader, so the commit is refused outright, not redirected, and the
	// transaction is discarded.
	resp, err = http.Post(urlFor(s, "/txn/commit"), "application/json",
		bytes.NewBufferString(fmt.Sprintf(`{"tx_id":%d}`, begin.TxID)))
	if err != nil {
		t.Fatalf("failed to POST commit: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusServiceUnavailable, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
	if len(tm.rolledBk) != 1 || tm.rolledBk[0] != begin.TxID {
		t.Fatalf("transaction was not rolled back: %v", tm.rolledBk)
	}
}

func Test_TxnUnknown(t *testing.T) {
	s := mustNewService(t, newTestStore(), newTestTxMgr())
	defer s.Close()

	resp, err := http.Post(urlFor(s, "/txn/commit"), "application/json",
		bytes.NewBufferString(`{"tx_id":42}`))
	if err != nil {
		t.Fatalf("failed to POST commit: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusNotFound, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
}

func Test_Join(t *testing.T) {
	ts := newTestStore()
	s := mustNewService(t, ts, newTestTxMgr())
	defer s.Close()

	resp, err := http.Post(urlFor(s, "/join"), "application/json",
		bytes.NewBufferString(`{"id":"node2","addr":"1.2.3.4:4002"}`))
	if err != nil {
		t.Fatalf("failed to POST join: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusOK, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
	if ts.joinedID != "node2" || ts.joinedAddr != "1.2.3.4:4002" {
		t.Fatalf("store did not receive join: %s %s", ts.joinedID, ts.joinedAddr)
	}
}

func Test_Status(t *testing.T) {
	s := mustNewService(t, newTestStore(), newTestTxMgr())
	defer s.Close()

	resp, err := http.Get(urlFor(s, "/status"))
	if err != nil {
		t.Fatalf("failed to GET status: %s", err.Error())
	}
	defer resp.Body.Close()
	if exp, got := http.StatusOK, resp.StatusCode; exp != got {
		t.Fatalf("unexpected status, exp: %d, got: %d", exp, got)
	}
}
