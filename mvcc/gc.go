package mvcc

import (
	"github.com/google/btree"
)

// GC removes versions no Active transaction's snapshot can observe, and
// reclaims bookkeeping for transactions old enough that no snapshot can
// still consult them. It only removes what is already proven
// unreachable, so it is safe to run concurrently with reads.
//
// A version is unreachable when its delete committed at or before the
// oldest active snapshot, or when a newer committed version visible to
// that snapshot supersedes it. It returns the number of versions
// removed.
func (m *Manager) GC() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	horizon := m.seq
	for _, t := range m.txns {
		if t.state == TxActive && t.beginSeq < horizon {
			horizon = t.beginSeq
		}
	}

	removed := 0
	for _, tbl := range m.tables {
		var empty []*chain
		tbl.rows.Ascend(func(it btree.Item) bool {
			c := it.(*chain)
			removed += gcChain(c, horizon)
			if len(c.versions) == 0 {
				empty = append(empty, c)
			}
			return true
		})
		for _, c := range empty {
			tbl.rows.Delete(c)
		}
	}

	// Terminal transactions at or before the horizon can no longer
	// influence any visibility decision; their sequences are stamped on
	// the surviving versions.
	for id, t := range m.txns {
		switch t.state {
		case TxAborted:
			delete(m.txns, id)
		case TxCommitted:
			if t.commitSeq <= horizon {
				delete(m.txns, id)
			}
		}
	}

	stats.Add(numGCVersions, int64(removed))
	return removed
}

func gcChain(c *chain, horizon uint64) int {
	// Find the newest committed version at or before the horizon; it
	// supersedes everything older.
	supersede := uint64(0)
	for _, v := range c.versions {
		if v.CommitSeq > 0 && v.CommitSeq <= horizon && v.CommitSeq > supersede {
			supersede = v.CommitSeq
		}
	}

	kept := c.versions[:0]
	removed := 0
	for _, v := range c.versions {
		if v.DeletedSeq > 0 && v.DeletedSeq <= horizon {
			removed++
			continue
		}
		if v.CommitSeq > 0 && v.CommitSeq < supersede {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	c.versions = kept
	return removed
}
