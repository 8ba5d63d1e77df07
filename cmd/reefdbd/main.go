/*
reefdbd -- a replicated relational database daemon.

reefdbd is a distributed system that provides a replicated, MVCC-based
relational store. It is written in Go and uses Raft to achieve consensus
across all the instances of the database. reefdbd ensures that every
transaction is made durable on a majority of nodes, or not at all.
*/

package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/sachaarbonel/reefdb-sub001/command"
	httpd "github.com/sachaarbonel/reefdb-sub001/http"
	"github.com/sachaarbonel/reefdb-sub001/mvcc"
	"github.com/sachaarbonel/reefdb-sub001/storage"
	"github.com/sachaarbonel/reefdb-sub001/store"
	"github.com/sachaarbonel/reefdb-sub001/tx"
	"github.com/sachaarbonel/reefdb-sub001/wal"
)

const (
	dataFile = "data.db"
	walFile  = "wal.db"
	raftDir  = "raft"
)

var nodeID string
var httpAddr string
var raftAddr string
var peersFlag string
var standalone bool
var snapshotThreshold uint64
var gcInterval time.Duration
var cpuprofile string

func init() {
	flag.StringVar(&nodeID, "node-id", "node1", "unique ID for this node")
	flag.StringVar(&httpAddr, "http", "localhost:4001", "HTTP query server bind address")
	flag.StringVar(&raftAddr, "raft", "localhost:4002", "Raft communication bind address")
	flag.StringVar(&peersFlag, "peers", "", "static cluster members, as id=raftAddr/apiAddr, comma-separated")
	flag.BoolVar(&standalone, "standalone", false, "run without consensus replication")
	flag.Uint64Var(&snapshotThreshold, "snapshot-threshold", 8192, "log entries between Raft snapshots")
	flag.DurationVar(&gcInterval, "gc-interval", 30*time.Second, "interval between MVCC garbage collection passes")
	flag.StringVar(&cpuprofile, "cpuprofile", "", "write CPU profile to file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [arguments] <data-path> \n", os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()

	// Ensure the data path was set.
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	dataPath := flag.Arg(0)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		log.Fatalf("unable to create data path: %s", err.Error())
	}

	// Set up profiling, if requested.
	if cpuprofile != "" {
		log.Println("profiling enabled")
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatalf("unable to create profile file: %s", err.Error())
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Printf("unable to start CPU profile: %s", err.Error())
		}
		defer pprof.StopCPUProfile()
	}

	peers, err := parsePeers(peersFlag)
	if err != nil {
		log.Fatalf("unable to parse peers: %s", err.Error())
	}

	// Open the storage engine and the write-ahead log.
	engine, err := storage.OpenBolt(filepath.Join(dataPath, dataFile))
	if err != nil {
		log.Fatalf("failed to open storage engine: %s", err.Error())
	}
	w, err := wal.Open(filepath.Join(dataPath, walFile))
	if err != nil {
		log.Fatalf("failed to open WAL: %s", err.Error())
	}

	txMgr := tx.NewManager(mvcc.NewManager(), w, engine)
	if err := txMgr.Recover(); err != nil {
		log.Fatalf("failed to recover from WAL: %s", err.Error())
	}

	var httpStore httpd.Store
	var str *store.Store
	if standalone {
		log.Println("running in standalone mode, no replication")
		httpStore = &localStore{txMgr: txMgr}
	} else {
		str = store.New(&store.Config{
			ID:                nodeID,
			Dir:               filepath.Join(dataPath, raftDir),
			RaftAddr:          raftAddr,
			Peers:             peers,
			SnapshotThreshold: snapshotThreshold,
		}, txMgr)
		if err := str.Open(true); err != nil {
			log.Fatalf("failed to open store: %s", err.Error())
		}
		if _, err := str.WaitForLeader(30 * time.Second); err != nil {
			log.Printf("no leader detected yet: %s", err.Error())
		}
		httpStore = str
	}

	// Create the HTTP query server.
	s := httpd.New(httpAddr, httpStore, txMgr)
	if err := s.Start(); err != nil {
		log.Fatalf("failed to start HTTP server: %s", err.Error())
	}

	// Reclaim superseded MVCC versions in the background.
	gcDone := make(chan struct{})
	go func() {
		tck := time.NewTicker(gcInterval)
		defer tck.Stop()
		for {
			select {
			case <-tck.C:
				txMgr.GC()
			case <-gcDone:
				return
			}
		}
	}()

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, os.Interrupt)
	<-terminate

	close(gcDone)
	s.Close()
	if str != nil {
		if err := str.Close(true); err != nil {
			log.Printf("failed to close store: %s", err.Error())
		}
	}
	if err := w.Close(); err != nil {
		log.Printf("failed to close WAL: %s", err.Error())
	}
	if err := engine.Close(); err != nil {
		log.Printf("failed to close storage engine: %s", err.Error())
	}
	log.Println("reefdb server stopped")
}

// parsePeers parses the -peers flag: id=raftAddr/apiAddr, comma-separated.
func parsePeers(s string) ([]store.Peer, error) {
	if s == "" {
		return nil, nil
	}
	var peers []store.Peer
	for _, part := range strings.Split(s, ",") {
		id, addrs, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer %q", part)
		}
		raftAddr, apiAddr, ok := strings.Cut(addrs, "/")
		if !ok {
			return nil, fmt.Errorf("invalid peer addresses %q", addrs)
		}
		peers = append(peers, store.Peer{ID: id, RaftAddr: raftAddr, APIAddr: apiAddr})
	}
	return peers, nil
}

// localStore adapts the transaction manager to the HTTP service's Store
// interface for standalone mode. Reads ignore the consistency level;
// there is no cluster to be consistent with.
type localStore struct {
	txMgr *tx.Manager
}

func (l *localStore) ExecuteOps(ops []command.Entry) error {
	txID := l.txMgr.Begin()
	for _, e := range ops {
		if err := l.txMgr.Execute(txID, e); err != nil {
			l.txMgr.Rollback(txID)
			return err
		}
	}
	return l.txMgr.Commit(txID)
}

func (l *localStore) Get(table string, rowID uint64, lvl store.ConsistencyLevel) (map[string]string, error) {
	return l.txMgr.Get(table, rowID)
}

func (l *localStore) ScanTable(table string, lvl store.ConsistencyLevel, fn func(rowID uint64, values map[string]string) error) error {
	return l.txMgr.ScanTable(table, fn)
}

func (l *localStore) Join(id, addr string) error {
	return errors.New("standalone mode")
}

func (l *localStore) IsLeader() bool {
	return true
}

func (l *localStore) Remove(id string) error {
	return errors.New("standalone mode")
}

func (l *localStore) LeaderAPIAddr() string {
	return ""
}

func (l *localStore) Stats() (map[string]interface{}, error) {
	return map[string]interface{}{
		"standalone": true,
		"tx":         l.txMgr.Stats(),
	}, nil
}
