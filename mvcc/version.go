// Package mvcc provides multi-version concurrency control. Each write
// creates a new row version rather than overwriting, so readers see a
// consistent snapshot without blocking writers. Visibility is decided by
// commit sequence numbers, which advance identically on every node of a
// cluster because commits are applied in consensus log order.
package mvcc

import (
	"github.com/google/btree"
)

// Version is one entry in a row's version chain.
type Version struct {
	// RowID is the row this version belongs to.
	RowID uint64

	// TxID is the transaction that created the version.
	TxID uint64

	// CommitSeq is the commit sequence of the creating transaction,
	// zero while it is uncommitted.
	CommitSeq uint64

	// DeletedBy is the transaction that deleted this version, zero if
	// it has not been deleted.
	DeletedBy uint64

	// DeletedSeq is the commit sequence of the deleting transaction,
	// zero while the delete is uncommitted.
	DeletedSeq uint64

	// Data is the row payload.
	Data []byte
}

// visibleAt reports whether the version is part of the snapshot defined
// by beginSeq, for the transaction viewer. A transaction always sees its
// own writes and deletes.
func (v *Version) visibleAt(viewer, beginSeq uint64) bool {
	created := v.TxID == viewer || (v.CommitSeq > 0 && v.CommitSeq <= beginSeq)
	if !created {
		return false
	}
	if v.DeletedBy == viewer {
		return false
	}
	if v.DeletedSeq > 0 && v.DeletedSeq <= beginSeq {
		return false
	}
	return true
}

// chain holds the versions of a single row, oldest first. Committed
// creating-transaction IDs are strictly increasing along the chain.
type chain struct {
	rowID    uint64
	versions []*Version
}

func (c *chain) Less(than btree.Item) bool {
	return c.rowID < than.(*chain).rowID
}

// newest returns the most recent version visible to the viewer, or nil.
func (c *chain) newest(viewer, beginSeq uint64) *Version {
	for i := len(c.versions) - 1; i >= 0; i-- {
		if c.versions[i].visibleAt(viewer, beginSeq) {
			return c.versions[i]
		}
	}
	return nil
}

// table is the arena of version chains for one table.
type table struct {
	rows *btree.BTree
}

func newTable() *table {
	return &table{rows: btree.New(32)}
}

func (t *table) chain(rowID uint64) *chain {
	if it := t.rows.Get(&chain{rowID: rowID}); it != nil {
		return it.(*chain)
	}
	return nil
}

func (t *table) chainOrNew(rowID uint64) *chain {
	if c := t.chain(rowID); c != nil {
		return c
	}
	c := &chain{rowID: rowID}
	t.rows.ReplaceOrInsert(c)
	return c
}
