package raftfsm

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/nacos-go/registry/pkg/store"
)

// BootstrapConfig carries the parameters needed to stand up (or join)
// this node's Raft group, adapted from the teacher's Manager.Bootstrap
// / Manager.Join pair but narrowed to the config state machine only.
type BootstrapConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewRaft opens the on-disk log/stable/snapshot stores and constructs
// a *raft.Raft bound to fsm, without bootstrapping or joining a
// cluster. Callers call BootstrapCluster for the first node, or add
// this node as a voter from an existing leader otherwise.
func NewRaft(cfg BootstrapConfig, fsm *FSM) (*raft.Raft, raft.Transport, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft instance: %w", err)
	}
	return r, transport, nil
}

// BootstrapCluster starts a brand new single-node Raft cluster with
// this node as its only member.
func BootstrapCluster(r *raft.Raft, cfg BootstrapConfig, transport raft.Transport) error {
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()},
		},
	}
	future := r.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// AddVoter adds nodeID/address as a new voting member. Must be called
// against the current leader.
func AddVoter(r *raft.Raft, nodeID, address string) error {
	future := r.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes nodeID from the voting configuration.
func RemoveServer(r *raft.Raft, nodeID string) error {
	future := r.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// LoadConfigSnapshot returns every config record persisted in s. It
// only reads; Raft's own Restore handles the FSM's bbolt-backed state,
// so this is only needed before Raft is started (e.g. to serve reads
// while an election is in progress).
func LoadConfigSnapshot(s *store.Store) ([]store.ConfigRecord, error) {
	return s.ListConfig()
}
