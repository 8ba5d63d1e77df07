package tx

import (
	"encoding/binary"
	"expvar"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sachaarbonel/reefdb-sub001/command"
	"github.com/sachaarbonel/reefdb-sub001/mvcc"
	"github.com/sachaarbonel/reefdb-sub001/storage"
	"github.com/sachaarbonel/reefdb-sub001/wal"
)

const (
	numExecutes       = "num_executes"
	numCommits        = "num_commits"
	numRollbacks      = "num_rollbacks"
	numConflicts      = "num_conflicts"
	numAppliedBatches = "num_applied_batches"
)

const (
	schemaMetaPrefix    = "schema:"
	appliedIndexMetaKey = "applied_index"
)

// stats captures stats for the transaction manager.
var stats *expvar.Map

func init() {
	stats = expvar.NewMap("tx")
	ResetStats()
}

// ResetStats resets the expvar stats for this module. Mostly for test purposes.
func ResetStats() {
	stats.Init()
	stats.Add(numExecutes, 0)
	stats.Add(numCommits, 0)
	stats.Add(numRollbacks, 0)
	stats.Add(numConflicts, 0)
	stats.Add(numAppliedBatches, 0)
}

// Committer replicates a commit batch through consensus and returns
// once the batch has been applied locally, or failed. The transaction
// manager runs standalone when no Committer is attached.
type Committer interface {
	CommitBatch(b *command.Batch) error
}

// Manager orchestrates transactions over the MVCC manager, the WAL, and
// the storage engine.
type Manager struct {
	mu   sync.RWMutex
	txns map[uint64]*Transaction

	mvcc   *mvcc.Manager
	wal    *wal.Log
	engine storage.Engine

	// applyMu serializes the commit/apply path. Many transactions
	// execute concurrently, but committed effects reach the WAL and the
	// engine through this single writer.
	applyMu sync.Mutex

	committer Committer
	nodeID    string

	logger *log.Logger
}

// NewManager returns a transaction manager in standalone mode.
func NewManager(mv *mvcc.Manager, w *wal.Log, e storage.Engine) *Manager {
	return &Manager{
		txns:   make(map[uint64]*Transaction),
		mvcc:   mv,
		wal:    w,
		engine: e,
		logger: log.New(os.Stderr, "[tx] ", log.LstdFlags),
	}
}

// SetCommitter switches the manager to clustered mode: commits are
// proposed to the consensus layer instead of being applied locally.
func (m *Manager) SetCommitter(c Committer, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committer = c
	m.nodeID = nodeID
}

// Begin starts a new transaction.
func (m *Manager) Begin() uint64 {
	id := m.mvcc.Begin()
	m.mu.Lock()
	m.txns[id] = newTransaction(id)
	m.mu.Unlock()
	return id
}

// State returns the MVCC state of a transaction.
func (m *Manager) State(txID uint64) (mvcc.TxState, bool) {
	return m.mvcc.State(txID)
}

// Execute validates and stages a mutating operation, applying it
// optimistically against the MVCC layer. The staged entry is not
// appended to the durable log until commit.
func (m *Manager) Execute(txID uint64, e command.Entry) error {
	e.TxID = txID
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixNano()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if !e.Op.Mutation() {
		return fmt.Errorf("%w: %s is not executable", command.ErrInvalidEntry, e.Op)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txID]
	if !ok {
		return ErrTxNotFound
	}
	if s, _ := m.mvcc.State(txID); s != mvcc.TxActive {
		return ErrInvalidTransition
	}

	committed, err := m.engine.HasTable(e.Table)
	if err != nil {
		return err
	}
	visible := t.tableVisible(e.Table, committed)

	switch e.Op {
	case command.OpCreateTable:
		if visible {
			return ErrTableExists
		}
		t.created[e.Table] = append([]string(nil), e.Columns...)
		delete(t.dropped, e.Table)
	case command.OpDropTable:
		if !visible {
			return ErrTableNotFound
		}
		t.dropped[e.Table] = true
		delete(t.created, e.Table)
	case command.OpAlterTable:
		if !visible {
			return ErrTableNotFound
		}
	case command.OpInsert:
		if !visible {
			return ErrTableNotFound
		}
		if _, err := m.mvcc.Read(e.Table, e.RowID, txID); err == nil {
			return ErrRowExists
		}
		data, err := command.MarshalRow(e.Values)
		if err != nil {
			return err
		}
		if err := m.mvcc.AddVersion(e.Table, e.RowID, txID, data); err != nil {
			return err
		}
		t.written = append(t.written, rowRef{table: e.Table, rowID: e.RowID})
	case command.OpUpdate:
		if !visible {
			return ErrTableNotFound
		}
		if _, err := m.mvcc.Read(e.Table, e.RowID, txID); err != nil {
			return ErrRowNotFound
		}
		data, err := command.MarshalRow(e.Values)
		if err != nil {
			return err
		}
		if err := m.mvcc.AddVersion(e.Table, e.RowID, txID, data); err != nil {
			return err
		}
		t.written = append(t.written, rowRef{table: e.Table, rowID: e.RowID})
	case command.OpDelete:
		if !visible {
			return ErrTableNotFound
		}
		if _, err := m.mvcc.Read(e.Table, e.RowID, txID); err != nil {
			return ErrRowNotFound
		}
		if err := m.mvcc.MarkDeleted(e.Table, e.RowID, txID); err != nil {
			return err
		}
		t.written = append(t.written, rowRef{table: e.Table, rowID: e.RowID})
	}

	t.staged = append(t.staged, e)
	stats.Add(numExecutes, 1)
	return nil
}

// Commit makes the transaction's staged operations durable and visible.
// In standalone mode the batch is appended to the WAL and committed
// locally. In clustered mode it is proposed to the consensus layer, and
// the call returns only after the committed batch has been applied on
// this node.
func (m *Manager) Commit(txID uint64) error {
	m.mu.RLock()
	t, ok := m.txns[txID]
	committer := m.committer
	m.mu.RUnlock()
	if !ok {
		return ErrTxNotFound
	}
	if s, _ := m.mvcc.State(txID); s != mvcc.TxActive {
		return ErrInvalidTransition
	}

	if len(t.staged) == 0 {
		// Nothing to replicate or persist; close the transaction
		// without consuming a commit sequence.
		if err := m.mvcc.CommitAt(txID, m.mvcc.Seq()); err != nil {
			return err
		}
		m.removeTxn(txID)
		stats.Add(numCommits, 1)
		return nil
	}

	if committer == nil {
		return m.commitLocal(t)
	}

	beginSeq, err := m.mvcc.BeginSeq(txID)
	if err != nil {
		return err
	}
	batch := &command.Batch{
		TxID:        txID,
		Origin:      m.nodeID,
		SnapshotSeq: beginSeq,
		Entries: append(append([]command.Entry(nil), t.staged...),
			command.Entry{TxID: txID, Timestamp: time.Now().UnixNano(), Op: command.OpCommit}),
	}
	// The apply loop commits (or conflict-aborts) the transaction on
	// this node before CommitBatch returns. On timeout the outcome is
	// indeterminate and the transaction is deliberately left untouched.
	// A not-leader refusal proposes nothing, so the caller may roll the
	// transaction back safely.
	return committer.CommitBatch(batch)
}

// commitLocal is the standalone commit path: conflict check, durable
// WAL append, MVCC commit, then materialization into the engine.
func (m *Manager) commitLocal(t *Transaction) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	for _, r := range t.written {
		conflict, err := m.mvcc.Conflicts(t.ID, r.table, r.rowID)
		if err != nil {
			return err
		}
		if conflict {
			stats.Add(numConflicts, 1)
			if err := m.abort(t.ID); err != nil {
				return err
			}
			return ErrWriteConflict
		}
	}

	seq := m.mvcc.Seq() + 1
	entries := append(append([]command.Entry(nil), t.staged...), command.Entry{
		TxID:      t.ID,
		Timestamp: time.Now().UnixNano(),
		Op:        command.OpCommit,
		Seq:       seq,
	})
	if err := m.wal.AppendBatch(entries); err != nil {
		// Durability failed; the transaction stays open and
		// rollback-able, and nothing has been acknowledged.
		return fmt.Errorf("wal append failed: %w", err)
	}
	if err := m.mvcc.CommitAt(t.ID, seq); err != nil {
		return err
	}
	if err := m.applyOps(t.staged, false); err != nil {
		return err
	}
	m.removeTxn(t.ID)
	stats.Add(numCommits, 1)
	return nil
}

// Rollback aborts the transaction and discards its staged entries.
func (m *Manager) Rollback(txID uint64) error {
	m.mu.RLock()
	_, ok := m.txns[txID]
	committer := m.committer
	m.mu.RUnlock()
	if !ok {
		return ErrTxNotFound
	}
	if err := m.abort(txID); err != nil {
		return err
	}
	if committer == nil {
		// Record the rollback in the local log. In clustered mode
		// nothing was ever proposed, so there is nothing to record.
		if err := m.wal.Append(&command.Entry{
			TxID:      txID,
			Timestamp: time.Now().UnixNano(),
			Op:        command.OpRollback,
		}); err != nil {
			return fmt.Errorf("wal append failed: %w", err)
		}
	}
	stats.Add(numRollbacks, 1)
	return nil
}

func (m *Manager) abort(txID uint64) error {
	if err := m.mvcc.Abort(txID); err != nil {
		return err
	}
	m.removeTxn(txID)
	return nil
}

func (m *Manager) removeTxn(txID uint64) {
	m.mu.Lock()
	delete(m.txns, txID)
	m.mu.Unlock()
}

// ApplyBatch is the authoritative apply path, invoked exactly once per
// committed consensus log entry, in strictly increasing index order, on
// every node. seq is the consensus log index; it becomes the commit
// sequence on all nodes, so visibility and conflict decisions are
// identical cluster-wide.
func (m *Manager) ApplyBatch(data []byte, seq uint64) error {
	var b command.Batch
	if err := command.UnmarshalBatch(data, &b); err != nil {
		return fmt.Errorf("unmarshal batch: %w", err)
	}
	if err := b.Validate(); err != nil {
		return err
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.RLock()
	_, open := m.txns[b.TxID]
	local := open && b.Origin == m.nodeID
	m.mu.RUnlock()

	// Conflict detection depends only on committed state and the
	// batch's snapshot sequence, so every node reaches the same verdict.
	for _, e := range b.Ops() {
		if !rowOp(e.Op) {
			continue
		}
		var conflict bool
		if local {
			var err error
			conflict, err = m.mvcc.Conflicts(b.TxID, e.Table, e.RowID)
			if err != nil {
				return err
			}
		} else {
			conflict = m.mvcc.ConflictsAt(b.SnapshotSeq, e.Table, e.RowID)
		}
		if conflict {
			stats.Add(numConflicts, 1)
			if local {
				if err := m.abort(b.TxID); err != nil {
					return err
				}
			}
			return ErrWriteConflict
		}
	}

	applyTx := b.TxID
	if !local {
		// Replay the batch's operations into the local MVCC state
		// under a fresh transaction.
		applyTx = m.mvcc.Begin()
		for _, e := range b.Ops() {
			switch e.Op {
			case command.OpInsert, command.OpUpdate:
				data, err := command.MarshalRow(e.Values)
				if err != nil {
					return err
				}
				if err := m.mvcc.AddVersion(e.Table, e.RowID, applyTx, data); err != nil {
					return err
				}
			case command.OpDelete:
				if err := m.mvcc.MarkDeleted(e.Table, e.RowID, applyTx); err != nil {
					return err
				}
			}
		}
	}

	entries := append([]command.Entry(nil), b.Entries...)
	entries[len(entries)-1].Seq = seq
	if err := m.wal.AppendBatch(entries); err != nil {
		return fmt.Errorf("wal append failed: %w", err)
	}
	if err := m.mvcc.CommitAt(applyTx, seq); err != nil {
		return err
	}
	// Materialize idempotently: a crash between the WAL append and the
	// applied-index update means this log entry is applied again on
	// restart, after recovery has already replayed it from the WAL.
	if err := m.applyOps(b.Ops(), true); err != nil {
		return err
	}
	if local {
		m.removeTxn(b.TxID)
	}
	stats.Add(numAppliedBatches, 1)
	stats.Add(numCommits, 1)
	return nil
}

// applyOps materializes committed operations into the storage engine.
// During recovery the row operations are applied idempotently.
func (m *Manager) applyOps(ops []command.Entry, recovery bool) error {
	for _, e := range ops {
		switch e.Op {
		case command.OpCreateTable:
			if err := m.engine.CreateTable(e.Table); err != nil {
				if !(recovery && err == storage.ErrTableExists) {
					return err
				}
			}
			m.mvcc.RegisterTable(e.Table)
			if err := m.putSchema(e.Table, e.Columns); err != nil {
				return err
			}
		case command.OpDropTable:
			if err := m.engine.DropTable(e.Table); err != nil {
				if !(recovery && err == storage.ErrTableNotFound) {
					return err
				}
			}
			m.mvcc.DropTable(e.Table)
		case command.OpAlterTable:
			if err := m.putSchema(e.Table, e.Columns); err != nil {
				return err
			}
		case command.OpInsert:
			data, err := command.MarshalRow(e.Values)
			if err != nil {
				return err
			}
			if recovery {
				err = m.engine.Upsert(e.Table, e.RowID, data)
			} else {
				err = m.engine.Insert(e.Table, e.RowID, data)
			}
			if err != nil {
				return err
			}
		case command.OpUpdate:
			data, err := command.MarshalRow(e.Values)
			if err != nil {
				return err
			}
			if recovery {
				err = m.engine.Upsert(e.Table, e.RowID, data)
			} else {
				err = m.engine.Update(e.Table, e.RowID, data)
			}
			if err != nil {
				return err
			}
		case command.OpDelete:
			if err := m.engine.Delete(e.Table, e.RowID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Recover rebuilds MVCC state from the WAL at startup, before the node
// serves traffic. Only operations of transactions with a Commit marker
// are applied; replay is idempotent against whatever the engine already
// holds.
func (m *Manager) Recover() error {
	s, err := m.wal.Scanner()
	if err != nil {
		return err
	}
	defer s.Close()

	committed, err := wal.Committed(s)
	if err != nil {
		return err
	}
	for _, ct := range committed {
		for _, e := range ct.Ops {
			switch e.Op {
			case command.OpCreateTable:
				if err := m.engine.CreateTable(e.Table); err != nil && err != storage.ErrTableExists {
					return err
				}
				m.mvcc.RegisterTable(e.Table)
				if err := m.putSchema(e.Table, e.Columns); err != nil {
					return err
				}
			case command.OpDropTable:
				if err := m.engine.DropTable(e.Table); err != nil && err != storage.ErrTableNotFound {
					return err
				}
				m.mvcc.DropTable(e.Table)
			case command.OpAlterTable:
				if err := m.putSchema(e.Table, e.Columns); err != nil {
					return err
				}
			case command.OpInsert, command.OpUpdate:
				data, err := command.MarshalRow(e.Values)
				if err != nil {
					return err
				}
				if err := m.engine.Upsert(e.Table, e.RowID, data); err != nil {
					return err
				}
				m.mvcc.LoadCommitted(e.Table, e.RowID, data, ct.TxID, ct.Seq)
			case command.OpDelete:
				if err := m.engine.Delete(e.Table, e.RowID); err != nil && err != storage.ErrTableNotFound {
					return err
				}
				m.mvcc.LoadDeleted(e.Table, e.RowID, ct.TxID, ct.Seq)
			}
		}
	}
	if n := len(committed); n > 0 {
		m.logger.Printf("recovered %d committed transactions from WAL", n)
	}
	return nil
}

// Read returns the column values of a row as seen by an open
// transaction's snapshot.
func (m *Manager) Read(txID uint64, table string, rowID uint64) (map[string]string, error) {
	m.mu.RLock()
	t, ok := m.txns[txID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrTxNotFound
	}
	committed, err := m.engine.HasTable(table)
	if err != nil {
		return nil, err
	}
	if !t.tableVisible(table, committed) {
		return nil, ErrTableNotFound
	}
	data, err := m.mvcc.Read(table, rowID, txID)
	if err != nil {
		if err == mvcc.ErrTableNotFound || err == mvcc.ErrNoVisibleVersion {
			return nil, ErrRowNotFound
		}
		return nil, err
	}
	return command.UnmarshalRow(data)
}

// Scan iterates the rows of a table visible to an open transaction, in
// ascending row ID order.
func (m *Manager) Scan(txID uint64, table string, fn func(rowID uint64, values map[string]string) error) error {
	m.mu.RLock()
	t, ok := m.txns[txID]
	m.mu.RUnlock()
	if !ok {
		return ErrTxNotFound
	}
	committed, err := m.engine.HasTable(table)
	if err != nil {
		return err
	}
	if !t.tableVisible(table, committed) {
		return ErrTableNotFound
	}
	err = m.mvcc.Scan(table, txID, func(rowID uint64, data []byte) error {
		values, err := command.UnmarshalRow(data)
		if err != nil {
			return err
		}
		return fn(rowID, values)
	})
	if err == mvcc.ErrTableNotFound {
		// Table exists but has no version store yet; it is empty.
		return nil
	}
	return err
}

// Get reads a single row at the current committed snapshot.
func (m *Manager) Get(table string, rowID uint64) (map[string]string, error) {
	txID := m.Begin()
	defer m.abort(txID)
	return m.Read(txID, table, rowID)
}

// ScanTable reads all rows of a table at the current committed snapshot.
func (m *Manager) ScanTable(table string, fn func(rowID uint64, values map[string]string) error) error {
	txID := m.Begin()
	defer m.abort(txID)
	return m.Scan(txID, table, fn)
}

// Schema returns the column set recorded for a table.
func (m *Manager) Schema(table string) ([]string, error) {
	v, err := m.engine.Meta(schemaMetaPrefix + table)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return strings.Split(string(v), ","), nil
}

func (m *Manager) putSchema(table string, columns []string) error {
	return m.engine.PutMeta(schemaMetaPrefix+table, []byte(strings.Join(columns, ",")))
}

// AppliedIndex returns the consensus log index durably recorded as
// applied, or 0 if none has been recorded.
func (m *Manager) AppliedIndex() (uint64, error) {
	v, err := m.engine.Meta(appliedIndexMetaKey)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// SetAppliedIndex durably records the consensus log index whose batch
// has been applied. Replay of indexes at or below it must be skipped.
func (m *Manager) SetAppliedIndex(idx uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, idx)
	return m.engine.PutMeta(appliedIndexMetaKey, v)
}

// GC runs a garbage collection pass over the MVCC version chains.
func (m *Manager) GC() int {
	return m.mvcc.GC()
}

// Stats returns stats on the manager.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	open := len(m.txns)
	clustered := m.committer != nil
	m.mu.RUnlock()
	return map[string]interface{}{
		"open_transactions": open,
		"clustered":         clustered,
		"mvcc":              m.mvcc.Stats(),
	}
}
