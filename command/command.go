// Package command defines the operations that mutate the database, and
// the encoding used when they are written to the WAL or replicated
// through the consensus log.
package command

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEntry is returned when an entry fails validation.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrEmptyBatch is returned when a batch contains no entries.
	ErrEmptyBatch = errors.New("empty batch")
)

// OpKind identifies the type of operation an Entry represents.
type OpKind int

const (
	// OpInsert inserts a new row into a table.
	OpInsert OpKind = iota
	// OpUpdate replaces the values of an existing row.
	OpUpdate
	// OpDelete removes a row from a table.
	OpDelete
	// OpCreateTable creates a new table.
	OpCreateTable
	// OpDropTable removes a table and all its rows.
	OpDropTable
	// OpAlterTable changes the column set of a table.
	OpAlterTable
	// OpCommit marks the end of a committed transaction in the log.
	OpCommit
	// OpRollback marks a rolled-back transaction in the log.
	OpRollback
)

// String returns a human-readable name for the operation kind.
func (o OpKind) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpCreateTable:
		return "create-table"
	case OpDropTable:
		return "drop-table"
	case OpAlterTable:
		return "alter-table"
	case OpCommit:
		return "commit"
	case OpRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Mutation returns true if the operation changes table data or schema,
// as opposed to being a transaction marker.
func (o OpKind) Mutation() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete, OpCreateTable, OpDropTable, OpAlterTable:
		return true
	default:
		return false
	}
}

// Entry is a single logged operation. Entries are immutable once written;
// WAL append order defines the durable log position.
type Entry struct {
	// TxID is the transaction that issued the operation, as assigned by
	// the node the transaction ran on.
	TxID uint64 `codec:"tx_id"`

	// Timestamp is the wall-clock time the operation was staged,
	// in nanoseconds since the Unix epoch.
	Timestamp int64 `codec:"ts"`

	// Op is the operation kind.
	Op OpKind `codec:"op"`

	// Table is the table the operation targets. Empty for markers.
	Table string `codec:"table,omitempty"`

	// RowID identifies the row for row-level operations.
	RowID uint64 `codec:"row_id,omitempty"`

	// Values holds the row payload for Insert and Update.
	Values map[string]string `codec:"values,omitempty"`

	// Columns holds the column set for CreateTable and AlterTable.
	Columns []string `codec:"columns,omitempty"`

	// Seq is the commit sequence assigned to the transaction. Set only
	// on Commit markers, so replay can reconstruct the exact commit
	// ordering the node observed.
	Seq uint64 `codec:"seq,omitempty"`
}

// Validate checks that the entry is well-formed for its operation kind.
func (e *Entry) Validate() error {
	if e.TxID == 0 {
		return fmt.Errorf("%w: zero transaction ID", ErrInvalidEntry)
	}
	switch e.Op {
	case OpInsert, OpUpdate:
		if e.Table == "" || e.Values == nil {
			return fmt.Errorf("%w: %s requires table and values", ErrInvalidEntry, e.Op)
		}
	case OpDelete:
		if e.Table == "" {
			return fmt.Errorf("%w: delete requires table", ErrInvalidEntry)
		}
	case OpCreateTable, OpDropTable, OpAlterTable:
		if e.Table == "" {
			return fmt.Errorf("%w: %s requires table", ErrInvalidEntry, e.Op)
		}
	case OpCommit, OpRollback:
	default:
		return fmt.Errorf("%w: unknown op %d", ErrInvalidEntry, int(e.Op))
	}
	return nil
}

// Batch is the unit of replication: the complete set of staged entries
// for one committing transaction, ending with its Commit marker. A batch
// is applied in full or not at all.
type Batch struct {
	// TxID is the transaction ID on the proposing node.
	TxID uint64 `codec:"tx_id"`

	// Origin is the node ID that proposed the batch.
	Origin string `codec:"origin,omitempty"`

	// SnapshotSeq is the commit sequence the proposing transaction
	// observed at begin. Conflict detection compares committed row
	// versions against it, identically on every node.
	SnapshotSeq uint64 `codec:"snapshot_seq"`

	// Entries are the staged operations, in issue order, followed by
	// the Commit marker.
	Entries []Entry `codec:"entries"`
}

// Validate checks the batch is non-empty and ends with a Commit marker.
func (b *Batch) Validate() error {
	if len(b.Entries) == 0 {
		return ErrEmptyBatch
	}
	last := b.Entries[len(b.Entries)-1]
	if last.Op != OpCommit {
		return fmt.Errorf("%w: batch must end with commit marker", ErrInvalidEntry)
	}
	return nil
}

// Ops returns the mutating entries of the batch, excluding markers.
func (b *Batch) Ops() []Entry {
	ops := make([]Entry, 0, len(b.Entries))
	for _, e := range b.Entries {
		if e.Op.Mutation() {
			ops = append(ops, e)
		}
	}
	return ops
}
