// Package tx orchestrates the transaction lifecycle: begin, execute,
// savepoints, and the two commit paths. The local path commits against
// this node alone; in the consensus-replicated path the staged batch is
// proposed to the cluster and committed by the apply loop on every node.
package tx

import (
	"errors"

	"github.com/sachaarbonel/reefdb-sub001/command"
)

var (
	// ErrTxNotFound is returned when the transaction is unknown.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrInvalidTransition is returned when an operation requires a
	// state the transaction is not in.
	ErrInvalidTransition = errors.New("invalid transaction state transition")

	// ErrWriteConflict is returned when another transaction committed a
	// version of a written row after this transaction's snapshot.
	ErrWriteConflict = errors.New("write conflict")

	// ErrReplicationTimeout is returned when consensus confirmation did
	// not arrive in time. The outcome is indeterminate: the caller must
	// not assume either commit or abort.
	ErrReplicationTimeout = errors.New("replication timeout, outcome indeterminate")

	// ErrTableNotFound is returned for operations on a missing table.
	ErrTableNotFound = errors.New("table not found")

	// ErrTableExists is returned when creating a table that exists.
	ErrTableExists = errors.New("table already exists")

	// ErrRowNotFound is returned for updates or deletes of missing rows.
	ErrRowNotFound = errors.New("row not found")

	// ErrRowExists is returned when inserting a row that already exists.
	ErrRowExists = errors.New("row already exists")
)

// Transaction is the manager's per-transaction bookkeeping: the staged
// entries that will form the replicated batch, the schema changes the
// transaction has made, and its savepoint stack.
type Transaction struct {
	ID uint64

	// staged are the WAL entries for this transaction, in issue order.
	// Nothing is appended to the durable log until commit, so the unit
	// replicated equals the unit committed.
	staged []command.Entry

	// created maps table name to column set for tables created in this
	// transaction; dropped records tables dropped in it.
	created map[string][]string
	dropped map[string]bool

	// written records the rows this transaction wrote, for the
	// commit-time conflict check.
	written []rowRef

	savepoints []*Savepoint
}

type rowRef struct {
	table string
	rowID uint64
}

func newTransaction(id uint64) *Transaction {
	return &Transaction{
		ID:      id,
		created: make(map[string][]string),
		dropped: make(map[string]bool),
	}
}

// tableVisible reports how the transaction sees a table, accounting for
// staged schema changes on top of the committed catalog.
func (t *Transaction) tableVisible(name string, committed bool) bool {
	if t.dropped[name] {
		return false
	}
	if _, ok := t.created[name]; ok {
		return true
	}
	return committed
}

func copyStringMap(m map[string][]string) map[string][]string {
	c := make(map[string][]string, len(m))
	for k, v := range m {
		c[k] = append([]string(nil), v...)
	}
	return c
}

func copyBoolMap(m map[string]bool) map[string]bool {
	c := make(map[string]bool, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
