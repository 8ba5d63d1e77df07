// Package store provides a replicated transactional store.
//
// Distributed consensus is provided via the Raft algorithm: commit
// batches proposed by the transaction manager enter the Raft log, and
// the apply loop commits them on every node in log order.
package store

import (
	"errors"
	"expvar"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/rqlite/raft-boltdb/v2"

	"github.com/sachaarbonel/reefdb-sub001/command"
	"github.com/sachaarbonel/reefdb-sub001/tx"
)

var (
	// ErrNotLeader is returned when a node attempts to execute a
	// leader-only operation.
	ErrNotLeader = errors.New("not leader")

	// ErrNotOpen is returned when the Store is used before Open.
	ErrNotOpen = errors.New("store not open")

	// ErrOpenTimeout is returned when the Store does not apply its
	// initial logs within the specified time.
	ErrOpenTimeout = errors.New("timeout waiting for initial logs application")
)

const (
	retainSnapshotCount = 2
	raftDBPath          = "raft.db"
	applyTimeout        = 10 * time.Second
	openTimeout         = 120 * time.Second
	leaderWaitDelay     = 100 * time.Millisecond
	appliedWaitDelay    = 100 * time.Millisecond
)

const (
	numCommittedBatches = "num_committed_batches"
	numNotLeader        = "num_not_leader"
	numApplyTimeouts    = "num_apply_timeouts"
	numSnapshots        = "num_snapshots"
	numRestores         = "num_restores"

	snapshotPersistDuration = "snapshot_persist_duration"
)

// stats captures stats for the Store.
var stats *expvar.Map

func init() {
	stats = expvar.NewMap("store")
	ResetStats()
}

// ResetStats resets the expvar stats for this module. Mostly for test purposes.
func ResetStats() {
	stats.Init()
	stats.Add(numCommittedBatches, 0)
	stats.Add(numNotLeader, 0)
	stats.Add(numApplyTimeouts, 0)
	stats.Add(numSnapshots, 0)
	stats.Add(numRestores, 0)
	stats.Set(snapshotPersistDuration, new(expvar.Int))
}

// ClusterState defines the possible Raft states the current node can be in.
type ClusterState int

// Represents the Raft cluster states.
const (
	Leader ClusterState = iota
	Follower
	Candidate
	Shutdown
	Unknown
)

// ConsistencyLevel represents the available read consistency levels.
type ConsistencyLevel int

// Represents the available consistency levels.
const (
	None ConsistencyLevel = iota
	Weak
	Strong
)

// Peer is a cluster member known at configuration time.
type Peer struct {
	ID       string
	RaftAddr string
	APIAddr  string
}

// Config represents the configuration of the Store.
type Config struct {
	ID       string // Raft server ID of this node.
	Dir      string // The working directory for Raft.
	RaftAddr string // Bind and advertise address for Raft traffic.
	Peers    []Peer // Static cluster membership, this node included.
	Logger   *log.Logger

	SnapshotThreshold uint64
	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	ApplyTimeout      time.Duration
	OpenTimeout       time.Duration
}

// Store is a replicated transactional database, where all changes are
// made via Raft consensus.
type Store struct {
	id       string
	raftDir  string
	raftAddr string
	peers    []Peer

	raft      *raft.Raft
	transport *raft.NetworkTransport
	logStore  *raftboltdb.BoltStore

	txMgr *tx.Manager

	// appliedIdx is the highest Raft log index already applied to the
	// transaction manager, durable in the engine's metadata. Entries at
	// or below it are skipped on replay. Written only from the Raft
	// apply goroutine.
	muIdx      sync.RWMutex
	appliedIdx uint64

	logger *log.Logger

	SnapshotThreshold uint64
	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	ApplyTimeout      time.Duration
	OpenTimeout       time.Duration
}

// New returns a new Store.
func New(c *Config, txMgr *tx.Manager) *Store {
	logger := c.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	s := &Store{
		id:                c.ID,
		raftDir:           c.Dir,
		raftAddr:          c.RaftAddr,
		peers:             c.Peers,
		txMgr:             txMgr,
		logger:            logger,
		SnapshotThreshold: c.SnapshotThreshold,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		ElectionTimeout:   c.ElectionTimeout,
		ApplyTimeout:      c.ApplyTimeout,
		OpenTimeout:       c.OpenTimeout,
	}
	if s.ApplyTimeout == 0 {
		s.ApplyTimeout = applyTimeout
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = openTimeout
	}
	return s
}

// Open opens the store. With no existing state, a node with static
// peers bootstraps the configured cluster; a node without peers
// bootstraps a single-node cluster only if enableSingle is true, and
// otherwise waits to be joined to an existing cluster.
func (s *Store) Open(enableSingle bool) error {
	if err := os.MkdirAll(s.raftDir, 0755); err != nil {
		return err
	}

	idx, err := s.txMgr.AppliedIndex()
	if err != nil {
		return err
	}
	s.appliedIdx = idx

	// Setup Raft communication.
	transport, err := raft.NewTCPTransport(s.raftAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("new tcp transport: %s", err)
	}
	s.transport = transport

	config := s.raftConfig()

	// Create the snapshot store. This allows Raft to truncate the log.
	snapshots, err := raft.NewFileSnapshotStore(s.raftDir, retainSnapshotCount, os.Stderr)
	if err != nil {
		return fmt.Errorf("file snapshot store: %s", err)
	}

	// Create the log store and stable store.
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.raftDir, raftDBPath))
	if err != nil {
		return fmt.Errorf("new bolt store: %s", err)
	}
	s.logStore = logStore

	hasState, err := raft.HasExistingState(logStore, logStore, snapshots)
	if err != nil {
		return fmt.Errorf("check existing state: %s", err)
	}

	ra, err := raft.NewRaft(config, s, logStore, logStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("new raft: %s", err)
	}
	s.raft = ra

	if !hasState && (enableSingle || len(s.peers) > 0) {
		s.logger.Printf("no existing state, bootstrapping cluster of %d", len(s.bootstrapServers()))
		f := s.raft.BootstrapCluster(raft.Configuration{Servers: s.bootstrapServers()})
		if err := f.Error(); err != nil {
			return fmt.Errorf("bootstrap cluster: %s", err)
		}
	}

	if s.OpenTimeout != 0 {
		// Wait until the initial logs are applied.
		s.logger.Printf("waiting for up to %s for application of initial logs", s.OpenTimeout)
		if err := s.WaitForAppliedIndex(s.raft.LastIndex(), s.OpenTimeout); err != nil {
			return ErrOpenTimeout
		}
	}

	s.txMgr.SetCommitter(s, s.id)
	return nil
}

// bootstrapServers builds the initial Raft configuration from the
// static peer list, falling back to a single-node configuration.
func (s *Store) bootstrapServers() []raft.Server {
	if len(s.peers) == 0 {
		return []raft.Server{
			{ID: raft.ServerID(s.id), Address: s.transport.LocalAddr()},
		}
	}
	servers := make([]raft.Server, 0, len(s.peers))
	for _, p := range s.peers {
		addr := raft.ServerAddress(p.RaftAddr)
		if p.ID == s.id {
			addr = s.transport.LocalAddr()
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: addr})
	}
	return servers
}

// Close closes the store. If wait is true, waits for a graceful shutdown.
func (s *Store) Close(wait bool) error {
	if s.raft == nil {
		return ErrNotOpen
	}
	f := s.raft.Shutdown()
	if wait {
		if err := f.Error(); err != nil {
			return err
		}
	}
	if err := s.logStore.Close(); err != nil {
		return err
	}
	return s.transport.Close()
}

// CommitBatch proposes a transaction's commit batch to the cluster and
// returns once the committed batch has been applied on this node, or
// the proposal failed. It implements the transaction manager's
// Committer.
func (s *Store) CommitBatch(b *command.Batch) error {
	if s.raft == nil {
		return ErrNotOpen
	}
	if s.raft.State() != raft.Leader {
		stats.Add(numNotLeader, 1)
		return ErrNotLeader
	}

	data, err := command.MarshalBatch(b)
	if err != nil {
		return err
	}
	f := s.raft.Apply(data, s.ApplyTimeout)
	if err := f.Error(); err != nil {
		if err == raft.ErrNotLeader {
			// Refused at dispatch; the batch was never proposed.
			stats.Add(numNotLeader, 1)
			return ErrNotLeader
		}
		if err == raft.ErrLeadershipLost || err == raft.ErrEnqueueTimeout {
			// The batch may still commit under a new leader; the
			// outcome is indeterminate.
			stats.Add(numApplyTimeouts, 1)
			return tx.ErrReplicationTimeout
		}
		return err
	}
	if err, ok := f.Response().(error); ok && err != nil {
		return err
	}
	stats.Add(numCommittedBatches, 1)
	return nil
}

// ExecuteOps runs the given operations as a single transaction. It is
// the one-shot write path used by the HTTP service.
func (s *Store) ExecuteOps(ops []command.Entry) error {
	txID := s.txMgr.Begin()
	for _, e := range ops {
		if err := s.txMgr.Execute(txID, e); err != nil {
			s.txMgr.Rollback(txID)
			return err
		}
	}
	if err := s.txMgr.Commit(txID); err != nil {
		if err == ErrNotLeader {
			// The batch was never proposed, so the transaction is safe
			// to discard. Left open it would pin the GC horizon on
			// this node while the client retries against the leader.
			s.txMgr.Rollback(txID)
		}
		return err
	}
	return nil
}

// Get reads a single row at the requested consistency level.
func (s *Store) Get(table string, rowID uint64, lvl ConsistencyLevel) (map[string]string, error) {
	if err := s.readLevel(lvl); err != nil {
		return nil, err
	}
	return s.txMgr.Get(table, rowID)
}

// ScanTable reads all rows of a table at the requested consistency level.
func (s *Store) ScanTable(table string, lvl ConsistencyLevel, fn func(rowID uint64, values map[string]string) error) error {
	if err := s.readLevel(lvl); err != nil {
		return err
	}
	return s.txMgr.ScanTable(table, fn)
}

// readLevel enforces the read consistency level before a local read.
// None reads whatever this node has applied. Weak requires this node to
// believe it is leader. Strong additionally confirms leadership through
// the log with a barrier.
func (s *Store) readLevel(lvl ConsistencyLevel) error {
	if lvl == None {
		return nil
	}
	if s.raft == nil {
		return ErrNotOpen
	}
	if s.raft.State() != raft.Leader {
		stats.Add(numNotLeader, 1)
		return ErrNotLeader
	}
	if lvl == Strong {
		if err := s.raft.Barrier(s.ApplyTimeout).Error(); err != nil {
			if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
				stats.Add(numNotLeader, 1)
				return ErrNotLeader
			}
			return err
		}
	}
	return nil
}

// IsLeader is used to determine if the current node is cluster leader.
func (s *Store) IsLeader() bool {
	if s.raft == nil {
		return false
	}
	return s.raft.State() == raft.Leader
}

// State returns the current node's Raft state.
func (s *Store) State() ClusterState {
	if s.raft == nil {
		return Unknown
	}
	switch s.raft.State() {
	case raft.Leader:
		return Leader
	case raft.Candidate:
		return Candidate
	case raft.Follower:
		return Follower
	case raft.Shutdown:
		return Shutdown
	default:
		return Unknown
	}
}

// ID returns the node's Raft server ID.
func (s *Store) ID() string {
	return s.id
}

// Path returns the path to the store's storage directory.
func (s *Store) Path() string {
	return s.raftDir
}

// Addr returns the Raft address of the store.
func (s *Store) Addr() string {
	if s.transport == nil {
		return ""
	}
	return string(s.transport.LocalAddr())
}

// Leader returns the Raft address of the current leader. Returns a
// blank string if there is no leader.
func (s *Store) Leader() string {
	if s.raft == nil {
		return ""
	}
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

// LeaderAPIAddr returns the API address of the current leader, from the
// static peer configuration. Returns a blank string if there is no
// leader, or the leader is not a configured peer.
func (s *Store) LeaderAPIAddr() string {
	if s.raft == nil {
		return ""
	}
	_, id := s.raft.LeaderWithID()
	for _, p := range s.peers {
		if p.ID == string(id) {
			return p.APIAddr
		}
	}
	return ""
}

// Join adds a node to the cluster, located at the given Raft address.
// The node must be ready to respond to Raft communications there.
func (s *Store) Join(id, addr string) error {
	s.logger.Printf("received request to join node %s at %s", id, addr)
	if s.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	f := s.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	if err := f.Error(); err != nil {
		if err == raft.ErrNotLeader {
			return ErrNotLeader
		}
		return err
	}
	s.logger.Printf("node %s at %s joined successfully", id, addr)
	return nil
}

// Remove removes the node with the given ID from the cluster.
func (s *Store) Remove(id string) error {
	s.logger.Printf("received request to remove node %s", id)
	if s.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	f := s.raft.RemoveServer(raft.ServerID(id), 0, 0)
	if err := f.Error(); err != nil {
		if err == raft.ErrNotLeader {
			return ErrNotLeader
		}
		return err
	}
	s.logger.Printf("node %s removed successfully", id)
	return nil
}

// Nodes returns the current cluster membership.
func (s *Store) Nodes() ([]Peer, error) {
	if s.raft == nil {
		return nil, ErrNotOpen
	}
	f := s.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return nil, err
	}
	var nodes []Peer
	for _, srv := range f.Configuration().Servers {
		p := Peer{ID: string(srv.ID), RaftAddr: string(srv.Address)}
		for _, cp := range s.peers {
			if cp.ID == p.ID {
				p.APIAddr = cp.APIAddr
			}
		}
		nodes = append(nodes, p)
	}
	return nodes, nil
}

// WaitForLeader blocks until a leader is detected, or the timeout expires.
func (s *Store) WaitForLeader(timeout time.Duration) (string, error) {
	tck := time.NewTicker(leaderWaitDelay)
	defer tck.Stop()
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	for {
		select {
		case <-tck.C:
			l := s.Leader()
			if l != "" {
				return l, nil
			}
		case <-tmr.C:
			return "", fmt.Errorf("timeout expired")
		}
	}
}

// WaitForAppliedIndex blocks until a given log index has been applied,
// or the timeout expires.
func (s *Store) WaitForAppliedIndex(idx uint64, timeout time.Duration) error {
	tck := time.NewTicker(appliedWaitDelay)
	defer tck.Stop()
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	for {
		select {
		case <-tck.C:
			if s.raft.AppliedIndex() >= idx {
				return nil
			}
		case <-tmr.C:
			return fmt.Errorf("timeout expired")
		}
	}
}

// AppliedIndex returns the highest Raft log index applied to the
// transaction manager.
func (s *Store) AppliedIndex() uint64 {
	s.muIdx.RLock()
	defer s.muIdx.RUnlock()
	return s.appliedIdx
}

// Stats returns stats for the store.
func (s *Store) Stats() (map[string]interface{}, error) {
	if s.raft == nil {
		return map[string]interface{}{
			"open": false,
		}, nil
	}
	status := map[string]interface{}{
		"open":            true,
		"node_id":         s.id,
		"raft":            s.raft.Stats(),
		"addr":            s.Addr(),
		"leader":          s.Leader(),
		"leader_api_addr": s.LeaderAPIAddr(),
		"applied_index":   s.AppliedIndex(),
		"apply_timeout":   s.ApplyTimeout.String(),
		"open_timeout":    s.OpenTimeout.String(),
		"dir":             s.raftDir,
		"tx":              s.txMgr.Stats(),
	}
	return status, nil
}

// raftConfig returns a new Raft config for the store.
func (s *Store) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(s.id)
	config.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Info,
		Output: os.Stderr,
	})
	if s.SnapshotThreshold != 0 {
		config.SnapshotThreshold = s.SnapshotThreshold
	}
	if s.HeartbeatTimeout != 0 {
		config.HeartbeatTimeout = s.HeartbeatTimeout
	}
	if s.ElectionTimeout != 0 {
		config.ElectionTimeout = s.ElectionTimeout
	}
	return config
}
