package wal

import (
	"io"

	"github.com/sachaarbonel/reefdb-sub001/command"
)

// CommittedTx is a recovered transaction: its mutating operations in
// issue order and the commit sequence recorded on its Commit marker.
type CommittedTx struct {
	TxID uint64
	Seq  uint64
	Ops  []command.Entry
}

// Committed replays the log and returns, in commit order, only the
// transactions whose Commit marker was found. Operations of transactions
// with a Rollback marker, or no terminal marker at all (a crash
// mid-transaction), are discarded.
func Committed(s *Scanner) ([]CommittedTx, error) {
	pending := make(map[uint64][]command.Entry)
	var committed []CommittedTx

	for {
		e, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case command.OpCommit:
			committed = append(committed, CommittedTx{
				TxID: e.TxID,
				Seq:  e.Seq,
				Ops:  pending[e.TxID],
			})
			delete(pending, e.TxID)
		case command.OpRollback:
			delete(pending, e.TxID)
		default:
			pending[e.TxID] = append(pending[e.TxID], *e)
		}
	}
	return committed, nil
}
