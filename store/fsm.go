package store

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"

	"github.com/sachaarbonel/reefdb-sub001/tx"
)

var msgpack = &codec.MsgpackHandle{}

// fsmSnapshotPayload is what a snapshot persists: the committed
// database state plus the log index it covers, so a restored node
// resumes its apply cursor at the right place.
type fsmSnapshotPayload struct {
	Index uint64        `codec:"index"`
	State *tx.StateDump `codec:"state"`
}

// Apply applies a committed Raft log entry to the transaction manager.
// It runs on every node, in strictly increasing index order. A write
// conflict is a normal outcome and is returned as the response; any
// other apply failure means this node can no longer stay consistent
// with the log, so it panics.
func (s *Store) Apply(l *raft.Log) interface{} {
	s.muIdx.RLock()
	applied := s.appliedIdx
	s.muIdx.RUnlock()
	if l.Index <= applied {
		// Already applied before a restart; the WAL made it durable.
		return nil
	}

	err := s.txMgr.ApplyBatch(l.Data, l.Index)
	if err != nil && err != tx.ErrWriteConflict {
		panic(fmt.Sprintf("failed to apply log entry %d: %s", l.Index, err))
	}
	if serr := s.txMgr.SetAppliedIndex(l.Index); serr != nil {
		panic(fmt.Sprintf("failed to record applied index %d: %s", l.Index, serr))
	}
	s.muIdx.Lock()
	s.appliedIdx = l.Index
	s.muIdx.Unlock()
	return err
}

// Snapshot returns a point-in-time copy of the committed state, used by
// Raft to truncate the log.
func (s *Store) Snapshot() (raft.FSMSnapshot, error) {
	d, err := s.txMgr.Dump()
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := codec.NewEncoderBytes(&data, msgpack).Encode(&fsmSnapshotPayload{
		Index: s.AppliedIndex(),
		State: d,
	}); err != nil {
		return nil, err
	}
	stats.Add(numSnapshots, 1)
	s.logger.Printf("snapshot created, %d tables, %d bytes", len(d.Tables), len(data))
	return NewFSMSnapshot(data, s.logger), nil
}

// Restore replaces the node's state with a snapshot.
func (s *Store) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var p fsmSnapshotPayload
	if err := codec.NewDecoder(rc, msgpack).Decode(&p); err != nil {
		return fmt.Errorf("decode snapshot: %s", err)
	}
	if err := s.txMgr.Restore(p.State); err != nil {
		return err
	}
	if err := s.txMgr.SetAppliedIndex(p.Index); err != nil {
		return err
	}
	s.muIdx.Lock()
	s.appliedIdx = p.Index
	s.muIdx.Unlock()
	stats.Add(numRestores, 1)
	s.logger.Printf("restored from snapshot at index %d", p.Index)
	return nil
}
