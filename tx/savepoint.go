package tx

import (
	"errors"
	"time"

	"github.com/sachaarbonel/reefdb-sub001/command"
)

var (
	// ErrSavepointNotFound is returned when the named savepoint is not
	// on the transaction's stack.
	ErrSavepointNotFound = errors.New("savepoint not found")

	// ErrDuplicateSavepoint is returned when a savepoint name is
	// already on the stack.
	ErrDuplicateSavepoint = errors.New("savepoint already exists")
)

// SavepointState is the lifecycle state of a savepoint.
type SavepointState int

const (
	// SavepointActive is a savepoint still on the stack.
	SavepointActive SavepointState = iota
	// SavepointReleased is a savepoint discarded with its effects kept.
	SavepointReleased
	// SavepointRolledBack is a savepoint whose captured state was restored.
	SavepointRolledBack
)

// String returns a human-readable name for the state.
func (s SavepointState) String() string {
	switch s {
	case SavepointActive:
		return "active"
	case SavepointReleased:
		return "released"
	case SavepointRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// Savepoint is a named checkpoint within an open transaction. It deep
// copies the transaction's staged view, so rolling back to it never
// observes mutation that happened after it was taken.
type Savepoint struct {
	Name      string
	CreatedAt time.Time
	State     SavepointState

	stagedLen int
	created   map[string][]string
	dropped   map[string]bool
	written   []rowRef
}

// CreateSavepoint pushes a named checkpoint onto the transaction's
// savepoint stack.
func (m *Manager) CreateSavepoint(txID uint64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txID]
	if !ok {
		return ErrTxNotFound
	}
	for _, sp := range t.savepoints {
		if sp.Name == name {
			return ErrDuplicateSavepoint
		}
	}
	t.savepoints = append(t.savepoints, &Savepoint{
		Name:      name,
		CreatedAt: time.Now(),
		State:     SavepointActive,
		stagedLen: len(t.staged),
		created:   copyStringMap(t.created),
		dropped:   copyBoolMap(t.dropped),
		written:   append([]rowRef(nil), t.written...),
	})
	return nil
}

// ReleaseSavepoint discards the named savepoint and everything above it
// on the stack, keeping all effects.
func (m *Manager) ReleaseSavepoint(txID uint64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txID]
	if !ok {
		return ErrTxNotFound
	}
	i := findSavepoint(t, name)
	if i < 0 {
		return ErrSavepointNotFound
	}
	t.savepoints[i].State = SavepointReleased
	t.savepoints = t.savepoints[:i]
	return nil
}

// RollbackToSavepoint restores the transaction's staged state to what
// the named savepoint captured, discarding it and everything above it.
// Data committed by other transactions is untouched; MVCC isolates them
// already.
func (m *Manager) RollbackToSavepoint(txID uint64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txID]
	if !ok {
		return ErrTxNotFound
	}
	i := findSavepoint(t, name)
	if i < 0 {
		return ErrSavepointNotFound
	}
	sp := t.savepoints[i]

	// Undo every version this transaction placed on rows it touched
	// after the savepoint, then replay the staged prefix for those rows
	// so writes from before the savepoint survive.
	undone := make(map[rowRef]bool)
	for _, e := range t.staged[sp.stagedLen:] {
		if !rowOp(e.Op) {
			continue
		}
		r := rowRef{table: e.Table, rowID: e.RowID}
		if undone[r] {
			continue
		}
		undone[r] = true
		m.mvcc.RemoveVersion(e.Table, e.RowID, txID)
	}
	for _, e := range t.staged[:sp.stagedLen] {
		if !rowOp(e.Op) || !undone[rowRef{table: e.Table, rowID: e.RowID}] {
			continue
		}
		switch e.Op {
		case command.OpInsert, command.OpUpdate:
			data, err := command.MarshalRow(e.Values)
			if err != nil {
				return err
			}
			if err := m.mvcc.AddVersion(e.Table, e.RowID, txID, data); err != nil {
				return err
			}
		case command.OpDelete:
			if err := m.mvcc.MarkDeleted(e.Table, e.RowID, txID); err != nil {
				return err
			}
		}
	}

	sp.State = SavepointRolledBack
	t.staged = t.staged[:sp.stagedLen]
	t.created = copyStringMap(sp.created)
	t.dropped = copyBoolMap(sp.dropped)
	t.written = append([]rowRef(nil), sp.written...)
	t.savepoints = t.savepoints[:i]
	return nil
}

// Savepoints returns the names currently on the transaction's stack,
// oldest first.
func (m *Manager) Savepoints(txID uint64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	names := make([]string, 0, len(t.savepoints))
	for _, sp := range t.savepoints {
		names = append(names, sp.Name)
	}
	return names, nil
}

func findSavepoint(t *Transaction, name string) int {
	for i, sp := range t.savepoints {
		if sp.Name == name {
			return i
		}
	}
	return -1
}

func rowOp(op command.OpKind) bool {
	switch op {
	case command.OpInsert, command.OpUpdate, command.OpDelete:
		return true
	default:
		return false
	}
}
