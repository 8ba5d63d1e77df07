// Package http provides the HTTP server for accessing the distributed
// database. It also provides the endpoint for other nodes to join an
// existing cluster.
package http

import (
	"encoding/json"
	"expvar"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/sachaarbonel/reefdb-sub001/command"
	"github.com/sachaarbonel/reefdb-sub001/store"
	"github.com/sachaarbonel/reefdb-sub001/tx"
)

const (
	numExecutions  = "executions"
	numQueries     = "queries"
	numTxnRequests = "txn_requests"
	numRedirects   = "leader_redirects"
)

// stats captures stats for the HTTP service.
var stats *expvar.Map

func init() {
	stats = expvar.NewMap("http")
	ResetStats()
}

// ResetStats resets the expvar stats for this module. Mostly for test purposes.
func ResetStats() {
	stats.Init()
	stats.Add(numExecutions, 0)
	stats.Add(numQueries, 0)
	stats.Add(numTxnRequests, 0)
	stats.Add(numRedirects, 0)
}

// Store is the interface the replicated database must implement.
type Store interface {
	// ExecuteOps runs the given operations as a single transaction.
	ExecuteOps(ops []command.Entry) error

	// Get reads a single row at the requested consistency level.
	Get(table string, rowID uint64, lvl store.ConsistencyLevel) (map[string]string, error)

	// ScanTable reads all rows of a table at the requested consistency level.
	ScanTable(table string, lvl store.ConsistencyLevel, fn func(rowID uint64, values map[string]string) error) error

	// Join joins the node with the given ID, reachable at addr, to the cluster.
	Join(id, addr string) error

	// Remove removes the node with the given ID from the cluster.
	Remove(id string) error

	// IsLeader returns whether this node is the cluster leader.
	IsLeader() bool

	// LeaderAPIAddr returns the HTTP API address of the cluster leader,
	// or a blank string if there is no leader.
	LeaderAPIAddr() string

	// Stats returns stats on the Store.
	Stats() (map[string]interface{}, error)
}

// TxManager is the interface the transaction manager must implement for
// the interactive transaction endpoints.
type TxManager interface {
	Begin() uint64
	Execute(txID uint64, e command.Entry) error
	Commit(txID uint64) error
	Rollback(txID uint64) error
	Read(txID uint64, table string, rowID uint64) (map[string]string, error)
	CreateSavepoint(txID uint64, name string) error
	ReleaseSavepoint(txID uint64, name string) error
	RollbackToSavepoint(txID uint64, name string) error
	Savepoints(txID uint64) ([]string, error)
}

// Service provides HTTP service.
type Service struct {
	addr string
	ln   net.Listener

	store Store
	txMgr TxManager

	logger *log.Logger
}

// New returns an uninitialized HTTP service.
func New(addr string, store Store, txMgr TxManager) *Service {
	return &Service{
		addr:   addr,
		store:  store,
		txMgr:  txMgr,
		logger: log.New(os.Stderr, "[http] ", log.LstdFlags),
	}
}

// Start starts the service.
func (s *Service) Start() error {
	server := http.Server{
		Handler: s,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		err := server.Serve(s.ln)
		if err != nil {
			s.logger.Printf("HTTP serve: %s", err)
		}
	}()
	s.logger.Println("service listening on", s.Addr())

	return nil
}

// Close closes the service.
func (s *Service) Close() {
	s.ln.Close()
}

// Addr returns the address on which the service is listening.
func (s *Service) Addr() net.Addr {
	return s.ln.Addr()
}

// ServeHTTP allows Service to serve HTTP requests.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/db"):
		if r.Method == "POST" {
			s.handleExecute(w, r)
		} else if r.Method == "GET" {
			s.handleQuery(w, r)
		} else {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(r.URL.Path, "/txn"):
		s.handleTxn(w, r)
	case r.URL.Path == "/join":
		s.handleJoin(w, r)
	case r.URL.Path == "/remove":
		s.handleRemove(w, r)
	case r.URL.Path == "/status":
		s.handleStatus(w, r)
	case r.URL.Path == "/debug/vars":
		s.handleExpvar(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// executeRequest is the body of an execute request: operations run as a
// single transaction.
type executeRequest struct {
	Ops []opRequest `json:"ops"`
}

type opRequest struct {
	Op      string            `json:"op"`
	Table   string            `json:"table"`
	RowID   uint64            `json:"row_id,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
	Columns []string          `json:"columns,omitempty"`
}

var opKinds = map[string]command.OpKind{
	"insert":       command.OpInsert,
	"update":       command.OpUpdate,
	"delete":       command.OpDelete,
	"create_table": command.OpCreateTable,
	"drop_table":   command.OpDropTable,
	"alter_table":  command.OpAlterTable,
}

func (o *opRequest) entry() (command.Entry, bool) {
	k, ok := opKinds[o.Op]
	if !ok {
		return command.Entry{}, false
	}
	return command.Entry{
		Op:      k,
		Table:   o.Table,
		RowID:   o.RowID,
		Values:  o.Values,
		Columns: o.Columns,
	}, true
}

// handleExecute handles one-shot write requests.
func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	stats.Add(numExecutions, 1)

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Ops) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ops := make([]command.Entry, 0, len(req.Ops))
	for i := range req.Ops {
		e, ok := req.Ops[i].entry()
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown op: "+req.Ops[i].Op)
			return
		}
		ops = append(ops, e)
	}

	if err := s.store.ExecuteOps(ops); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": "ok"})
}

// handleQuery handles read requests. Rows are read at the consistency
// level given by the "level" query parameter, defaulting to weak.
func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	stats.Add(numQueries, 1)

	q := r.URL.Query()
	table := q.Get("table")
	if table == "" {
		writeError(w, http.StatusBadRequest, "table is required")
		return
	}
	lvl, err := consistencyLevel(q.Get("level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if rowStr := q.Get("row"); rowStr != "" {
		rowID, err := strconv.ParseUint(rowStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid row ID")
			return
		}
		values, err := s.store.Get(table, rowID, lvl)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"row_id": rowID, "values": values})
		return
	}

	type row struct {
		RowID  uint64            `json:"row_id"`
		Values map[string]string `json:"values"`
	}
	rows := []row{}
	err = s.store.ScanTable(table, lvl, func(rowID uint64, values map[string]string) error {
		rows = append(rows, row{RowID: rowID, Values: values})
		return nil
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

// txnRequest is the body of an interactive transaction request.
type txnRequest struct {
	TxID uint64      `json:"tx_id"`
	Ops  []opRequest `json:"ops,omitempty"`
	Name string      `json:"name,omitempty"`
}

// handleTxn handles the interactive transaction endpoints.
func (s *Service) handleTxn(w http.ResponseWriter, r *http.Request) {
	stats.Add(numTxnRequests, 1)
	getPath := r.URL.Path == "/txn/read" || r.URL.Path == "/txn/savepoints"
	if (getPath && r.Method != "GET") || (!getPath && r.Method != "POST") {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch r.URL.Path {
	case "/txn/begin":
		// Interactive transactions are node-local state; only the node
		// that can commit them may start one. The client is redirected
		// to the leader here, before any state exists.
		if !s.store.IsLeader() {
			s.writeStoreError(w, r, store.ErrNotLeader)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"tx_id": s.txMgr.Begin()})

	case "/txn/execute":
		req, ok := s.decodeTxn(w, r)
		if !ok {
			return
		}
		for i := range req.Ops {
			e, eok := req.Ops[i].entry()
			if !eok {
				writeError(w, http.StatusBadRequest, "unknown op: "+req.Ops[i].Op)
				return
			}
			if err := s.txMgr.Execute(req.TxID, e); err != nil {
				s.writeStoreError(w, r, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": "ok"})

	case "/txn/read":
		q := r.URL.Query()
		txID, err1 := strconv.ParseUint(q.Get("tx_id"), 10, 64)
		rowID, err2 := strconv.ParseUint(q.Get("row"), 10, 64)
		if err1 != nil || err2 != nil || q.Get("table") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		values, err := s.txMgr.Read(txID, q.Get("table"), rowID)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"row_id": rowID, "values": values})

	case "/txn/commit":
		req, ok := s.decodeTxn(w, r)
		if !ok {
			return
		}
		if err := s.txMgr.Commit(req.TxID); err != nil {
			if err == store.ErrNotLeader {
				// Leadership moved mid-transaction. The transaction
				// exists only on this node, so redirecting the commit
				// cannot work; nothing was proposed, so discard it
				// rather than leave it open.
				s.txMgr.Rollback(req.TxID)
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": "committed"})

	case "/txn/rollback":
		req, ok := s.decodeTxn(w, r)
		if !ok {
			return
		}
		if err := s.txMgr.Rollback(req.TxID); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": "rolled back"})

	case "/txn/savepoint":
		req, ok := s.decodeTxn(w, r)
		if !ok {
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "savepoint name is required")
			return
		}
		if err := s.txMgr.CreateSavepoint(req.TxID, req.Name); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": "ok"})

	case "/txn/savepoint/release":
		req, ok := s.decodeTxn(w, r)
		if !ok {
			return
		}
		if err := s.txMgr.ReleaseSavepoint(req.TxID, req.Name); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": "ok"})

	case "/txn/savepoints":
		txID, err := strconv.ParseUint(r.URL.Query().Get("tx_id"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		names, err := s.txMgr.Savepoints(txID)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"savepoints": names})

	case "/txn/savepoint/rollback":
		req, ok := s.decodeTxn(w, r)
		if !ok {
			return
		}
		if err := s.txMgr.RollbackToSavepoint(req.TxID, req.Name); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": "ok"})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleJoin handles cluster-join requests from other nodes.
func (s *Service) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	m, ok := decodeStringMap(w, r)
	if !ok {
		return
	}
	id, addr := m["id"], m["addr"]
	if id == "" || addr == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.store.Join(id, addr); err != nil {
		s.writeStoreError(w, r, err)
	}
}

// handleRemove handles cluster-removal requests.
func (s *Service) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != "DELETE" && r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	m, ok := decodeStringMap(w, r)
	if !ok {
		return
	}
	id := m["id"]
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.store.Remove(id); err != nil {
		s.writeStoreError(w, r, err)
	}
}

// handleStatus returns stats on the node.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	results, err := s.store.Stats()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"store": results})
}

// handleExpvar serves registered expvar information over HTTP.
func (s *Service) handleExpvar(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	first := true
	io.WriteString(w, "{\n")
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			io.WriteString(w, ",\n")
		}
		first = false
		io.WriteString(w, "\""+kv.Key+"\": "+kv.Value.String())
	})
	io.WriteString(w, "\n}\n")
}

// writeStoreError maps store and transaction errors to HTTP status
// codes. A request that needs the leader is redirected to the leader's
// API address when it is known.
func (s *Service) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch err {
	case store.ErrNotLeader:
		leaderAPI := s.store.LeaderAPIAddr()
		if leaderAPI == "" {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		stats.Add(numRedirects, 1)
		http.Redirect(w, r, "http://"+leaderAPI+r.URL.RequestURI(), http.StatusMovedPermanently)
	case tx.ErrWriteConflict, tx.ErrTableExists, tx.ErrRowExists,
		tx.ErrDuplicateSavepoint, tx.ErrInvalidTransition:
		writeError(w, http.StatusConflict, err.Error())
	case tx.ErrTableNotFound, tx.ErrRowNotFound, tx.ErrTxNotFound, tx.ErrSavepointNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case tx.ErrReplicationTimeout:
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Service) decodeTxn(w http.ResponseWriter, r *http.Request) (*txnRequest, bool) {
	var req txnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func decodeStringMap(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	m := map[string]string{}
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	return m, true
}

func consistencyLevel(lvl string) (store.ConsistencyLevel, error) {
	switch strings.ToLower(lvl) {
	case "none":
		return store.None, nil
	case "", "weak":
		return store.Weak, nil
	case "strong":
		return store.Strong, nil
	default:
		return 0, &badLevelError{lvl}
	}
}

type badLevelError struct {
	lvl string
}

func (e *badLevelError) Error() string {
	return "unknown consistency level: " + e.lvl
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
