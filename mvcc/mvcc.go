package mvcc

import (
	"errors"
	"expvar"
	"sync"

	"github.com/google/btree"
)

var (
	// ErrInvalidTransition is returned when a state change is attempted
	// on a transaction that is not Active.
	ErrInvalidTransition = errors.New("invalid transaction state transition")

	// ErrTxNotFound is returned when the transaction is unknown.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTableNotFound is returned when the table has no version store.
	ErrTableNotFound = errors.New("table not found")

	// ErrNoVisibleVersion is returned when no version of a row is
	// visible to the reading transaction.
	ErrNoVisibleVersion = errors.New("no visible version")
)

const (
	numBegins     = "num_begins"
	numCommits    = "num_commits"
	numAborts     = "num_aborts"
	numGCVersions = "num_gc_versions"
)

// stats captures stats for the MVCC manager.
var stats *expvar.Map

func init() {
	stats = expvar.NewMap("mvcc")
	ResetStats()
}

// ResetStats resets the expvar stats for this module. Mostly for test purposes.
func ResetStats() {
	stats.Init()
	stats.Add(numBegins, 0)
	stats.Add(numCommits, 0)
	stats.Add(numAborts, 0)
	stats.Add(numGCVersions, 0)
}

// TxState is the lifecycle state of a transaction.
type TxState int

const (
	// TxActive is the state of a running transaction.
	TxActive TxState = iota
	// TxCommitted is the terminal state of a committed transaction.
	TxCommitted
	// TxAborted is the terminal state of a rolled-back transaction.
	TxAborted
)

// String returns a human-readable name for the state.
func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// writeRef locates a version a transaction created or deleted.
type writeRef struct {
	table string
	rowID uint64
	del   bool
}

type txInfo struct {
	state     TxState
	beginSeq  uint64
	commitSeq uint64
	writes    []writeRef
}

// Manager owns transaction IDs, transaction states, and per-table
// version chains. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	nextTxID uint64
	seq      uint64
	txns     map[uint64]*txInfo
	tables   map[string]*table
}

// NewManager returns a new MVCC manager.
func NewManager() *Manager {
	return &Manager{
		nextTxID: 1,
		txns:     make(map[uint64]*txInfo),
		tables:   make(map[string]*table),
	}
}

// Begin allocates a new transaction ID and registers it Active. The
// transaction's snapshot is the commit sequence at this moment.
func (m *Manager) Begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextTxID
	m.nextTxID++
	m.txns[id] = &txInfo{state: TxActive, beginSeq: m.seq}
	stats.Add(numBegins, 1)
	return id
}

// State returns the state of a transaction.
func (m *Manager) State(txID uint64) (TxState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[txID]
	if !ok {
		return 0, false
	}
	return t.state, true
}

// BeginSeq returns the snapshot sequence of a transaction.
func (m *Manager) BeginSeq(txID uint64) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[txID]
	if !ok {
		return 0, ErrTxNotFound
	}
	return t.beginSeq, nil
}

// Seq returns the current commit sequence.
func (m *Manager) Seq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// NextTxID returns the next transaction ID that will be assigned.
func (m *Manager) NextTxID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextTxID
}

// SetNextTxID raises the transaction ID allocator, used by recovery so
// IDs seen in the log are never reused.
func (m *Manager) SetNextTxID(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.nextTxID {
		m.nextTxID = id
	}
}

// Commit transitions the transaction to Committed at the next commit
// sequence, and returns the sequence assigned.
func (m *Manager) Commit(txID uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitAt(txID, m.seq+1)
}

// CommitAt transitions the transaction to Committed at an explicit
// sequence. The consensus apply path uses the log index here so that
// every node stamps identical sequences.
func (m *Manager) CommitAt(txID, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.commitAt(txID, seq)
	return err
}

func (m *Manager) commitAt(txID, seq uint64) (uint64, error) {
	t, ok := m.txns[txID]
	if !ok {
		return 0, ErrTxNotFound
	}
	if t.state != TxActive {
		return 0, ErrInvalidTransition
	}
	t.state = TxCommitted
	t.commitSeq = seq
	if seq > m.seq {
		m.seq = seq
	}

	// Stamp every version this transaction touched.
	for _, w := range t.writes {
		tbl, ok := m.tables[w.table]
		if !ok {
			continue
		}
		c := tbl.chain(w.rowID)
		if c == nil {
			continue
		}
		for _, v := range c.versions {
			if w.del && v.DeletedBy == txID {
				v.DeletedSeq = seq
			} else if !w.del && v.TxID == txID && v.CommitSeq == 0 {
				v.CommitSeq = seq
			}
		}
	}
	stats.Add(numCommits, 1)
	return seq, nil
}

// Abort transitions the transaction to Aborted and discards every
// version it created, and clears every delete mark it set.
func (m *Manager) Abort(txID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txID]
	if !ok {
		return ErrTxNotFound
	}
	if t.state != TxActive {
		return ErrInvalidTransition
	}
	t.state = TxAborted
	for _, w := range t.writes {
		m.undoWrite(txID, w)
	}
	t.writes = nil
	stats.Add(numAborts, 1)
	return nil
}

func (m *Manager) undoWrite(txID uint64, w writeRef) {
	tbl, ok := m.tables[w.table]
	if !ok {
		return
	}
	c := tbl.chain(w.rowID)
	if c == nil {
		return
	}
	if w.del {
		for _, v := range c.versions {
			if v.DeletedBy == txID && v.DeletedSeq == 0 {
				v.DeletedBy = 0
			}
		}
		return
	}
	kept := c.versions[:0]
	for _, v := range c.versions {
		if v.TxID == txID && v.CommitSeq == 0 {
			continue
		}
		kept = append(kept, v)
	}
	c.versions = kept
	if len(c.versions) == 0 {
		tbl.rows.Delete(c)
	}
}

// RegisterTable creates an empty version store for a table.
func (m *Manager) RegisterTable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = newTable()
	}
}

// DropTable discards the version store for a table.
func (m *Manager) DropTable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, name)
}

// AddVersion appends a new, uncommitted version to a row's chain. The
// version is invisible to other transactions until txID commits.
func (m *Manager) AddVersion(tableName string, rowID, txID uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txID]
	if !ok {
		return ErrTxNotFound
	}
	if t.state != TxActive {
		return ErrInvalidTransition
	}
	tbl, ok := m.tables[tableName]
	if !ok {
		tbl = newTable()
		m.tables[tableName] = tbl
	}
	c := tbl.chainOrNew(rowID)
	c.versions = append(c.versions, &Version{
		RowID: rowID,
		TxID:  txID,
		Data:  append([]byte(nil), data...),
	})
	t.writes = append(t.writes, writeRef{table: tableName, rowID: rowID})
	return nil
}

// MarkDeleted marks the newest visible version of a row as deleted by
// txID. The delete takes effect for other transactions only when txID
// commits.
func (m *Manager) MarkDeleted(tableName string, rowID, txID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txID]
	if !ok {
		return ErrTxNotFound
	}
	if t.state != TxActive {
		return ErrInvalidTransition
	}
	tbl, ok := m.tables[tableName]
	if !ok {
		return ErrTableNotFound
	}
	c := tbl.chain(rowID)
	if c == nil {
		return ErrNoVisibleVersion
	}
	v := c.newest(txID, t.beginSeq)
	if v == nil {
		return ErrNoVisibleVersion
	}
	v.DeletedBy = txID
	t.writes = append(t.writes, writeRef{table: tableName, rowID: rowID, del: true})
	return nil
}

// RemoveVersion discards an uncommitted version of a row created by
// txID, and clears any uncommitted delete mark txID set on the row.
// Savepoint rollback uses this to undo staged writes.
func (m *Manager) RemoveVersion(tableName string, rowID, txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txID]
	if !ok {
		return
	}
	m.undoWrite(txID, writeRef{table: tableName, rowID: rowID})
	m.undoWrite(txID, writeRef{table: tableName, rowID: rowID, del: true})
	kept := t.writes[:0]
	for _, w := range t.writes {
		if w.table == tableName && w.rowID == rowID {
			continue
		}
		kept = append(kept, w)
	}
	t.writes = kept
}

// IsVisible reports whether a version is visible to the given
// transaction: the version's creator must be the transaction itself, or
// committed before the transaction's snapshot, and the version must not
// have been deleted within that same snapshot.
func (m *Manager) IsVisible(v *Version, txID uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[txID]
	if !ok {
		return false
	}
	return v.visibleAt(txID, t.beginSeq)
}

// Read returns the newest version of a row visible to the transaction.
func (m *Manager) Read(tableName string, rowID, txID uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	tbl, ok := m.tables[tableName]
	if !ok {
		return nil, ErrTableNotFound
	}
	c := tbl.chain(rowID)
	if c == nil {
		return nil, ErrNoVisibleVersion
	}
	v := c.newest(txID, t.beginSeq)
	if v == nil {
		return nil, ErrNoVisibleVersion
	}
	return append([]byte(nil), v.Data...), nil
}

// Scan iterates the newest visible version of every row in a table, in
// ascending row ID order.
func (m *Manager) Scan(tableName string, txID uint64, fn func(rowID uint64, data []byte) error) error {
	m.mu.RLock()
	t, ok := m.txns[txID]
	if !ok {
		m.mu.RUnlock()
		return ErrTxNotFound
	}
	beginSeq := t.beginSeq
	tbl, ok := m.tables[tableName]
	if !ok {
		m.mu.RUnlock()
		return ErrTableNotFound
	}

	type rowData struct {
		rowID uint64
		data  []byte
	}
	var rows []rowData
	tbl.rows.Ascend(func(it btree.Item) bool {
		c := it.(*chain)
		if v := c.newest(txID, beginSeq); v != nil {
			rows = append(rows, rowData{c.rowID, append([]byte(nil), v.Data...)})
		}
		return true
	})
	m.mu.RUnlock()

	for _, r := range rows {
		if err := fn(r.rowID, r.data); err != nil {
			return err
		}
	}
	return nil
}

// ConflictsAt reports whether a row gained a committed version, or a
// committed delete, after the given snapshot sequence. This is the
// commit-time write-conflict check; it depends only on committed state
// and the snapshot, so it yields the same answer on every node.
func (m *Manager) ConflictsAt(snapshotSeq uint64, tableName string, rowID uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tbl, ok := m.tables[tableName]
	if !ok {
		return false
	}
	c := tbl.chain(rowID)
	if c == nil {
		return false
	}
	for _, v := range c.versions {
		if v.CommitSeq > snapshotSeq {
			return true
		}
		if v.DeletedSeq > snapshotSeq {
			return true
		}
	}
	return false
}

// Conflicts reports whether committing txID would write-conflict on the
// given row.
func (m *Manager) Conflicts(txID uint64, tableName string, rowID uint64) (bool, error) {
	m.mu.RLock()
	t, ok := m.txns[txID]
	m.mu.RUnlock()
	if !ok {
		return false, ErrTxNotFound
	}
	return m.conflictsAtExcluding(t.beginSeq, tableName, rowID, txID), nil
}

func (m *Manager) conflictsAtExcluding(snapshotSeq uint64, tableName string, rowID, txID uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tbl, ok := m.tables[tableName]
	if !ok {
		return false
	}
	c := tbl.chain(rowID)
	if c == nil {
		return false
	}
	for _, v := range c.versions {
		if v.TxID != txID && v.CommitSeq > snapshotSeq {
			return true
		}
		if v.DeletedBy != txID && v.DeletedSeq > snapshotSeq {
			return true
		}
	}
	return false
}

// LoadCommitted installs a committed version directly, bypassing the
// transaction lifecycle. Recovery and snapshot restore use it to rebuild
// chains with the exact commit sequences recorded in the log.
func (m *Manager) LoadCommitted(tableName string, rowID uint64, data []byte, txID, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl, ok := m.tables[tableName]
	if !ok {
		tbl = newTable()
		m.tables[tableName] = tbl
	}
	c := tbl.chainOrNew(rowID)
	c.versions = append(c.versions, &Version{
		RowID:     rowID,
		TxID:      txID,
		CommitSeq: seq,
		Data:      append([]byte(nil), data...),
	})
	if seq > m.seq {
		m.seq = seq
	}
	if txID >= m.nextTxID {
		m.nextTxID = txID + 1
	}
}

// LoadDeleted records a committed delete during recovery.
func (m *Manager) LoadDeleted(tableName string, rowID uint64, txID, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl, ok := m.tables[tableName]
	if !ok {
		return
	}
	c := tbl.chain(rowID)
	if c == nil {
		return
	}
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if v.DeletedSeq == 0 && v.CommitSeq > 0 && v.CommitSeq <= seq {
			v.DeletedBy = txID
			v.DeletedSeq = seq
			break
		}
	}
	if seq > m.seq {
		m.seq = seq
	}
}

// SetSeq raises the commit sequence. Snapshot restore uses it so the
// sequence reflects commits whose rows are no longer live.
func (m *Manager) SetSeq(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.seq {
		m.seq = seq
	}
}

// DumpCommitted calls fn for the newest committed version of every row
// whose delete has not committed, table by table. A delete staged by a
// still-active transaction does not exclude a row: the deleter may yet
// roll back, and committed state must survive it. fn also receives
// tables with no rows, with a nil version. Used to build consensus
// snapshots.
func (m *Manager) DumpCommitted(fn func(tableName string, v *Version)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, tbl := range m.tables {
		seen := false
		tbl.rows.Ascend(func(it btree.Item) bool {
			c := it.(*chain)
			var newest *Version
			for _, v := range c.versions {
				if v.CommitSeq > 0 && (newest == nil || v.CommitSeq > newest.CommitSeq) {
					newest = v
				}
			}
			// Only a committed delete of the newest committed version
			// excludes the row; falling back to an older version here
			// would resurrect superseded data.
			if newest != nil && newest.DeletedSeq == 0 {
				seen = true
				fn(name, newest)
			}
			return true
		})
		if !seen {
			fn(name, nil)
		}
	}
}

// Reset discards all state. Used when restoring from a consensus
// snapshot; any open transactions are abandoned.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxID = 1
	m.seq = 0
	m.txns = make(map[uint64]*txInfo)
	m.tables = make(map[string]*table)
}

// Stats returns stats on the manager.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := 0
	for _, t := range m.txns {
		if t.state == TxActive {
			active++
		}
	}
	return map[string]interface{}{
		"next_tx_id": m.nextTxID,
		"commit_seq": m.seq,
		"tracked":    len(m.txns),
		"active":     active,
		"tables":     len(m.tables),
	}
}
