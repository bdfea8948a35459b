package kv

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// ClusterConfig describes how this node's raft transport binds and
// where its log/snapshot state lives.
type ClusterConfig struct {
	BindAddr string
	DataDir  string
}

// Bootstrap initializes a new single-node raft cluster with this store
// as the only member. Additional nodes join via Join + the leader's
// AddVoter.
func (s *Store) Bootstrap(cfg ClusterConfig) error {
	transport, snapStore, logStore, stableStore, raftCfg, err := buildRaftDeps(s.nodeID, cfg)
	if err != nil {
		return err
	}

	r, err := raft.NewRaft(raftCfg, s.fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	s.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts this store's raft instance without bootstrapping a new
// configuration; the caller is expected to have the leader add this
// node as a voter via AddVoter (out-of-process, over the node's own
// RPC surface — out of scope here per spec.md §1's "API servers").
func (s *Store) Join(cfg ClusterConfig) error {
	transport, snapStore, logStore, stableStore, raftCfg, err := buildRaftDeps(s.nodeID, cfg)
	if err != nil {
		return err
	}

	r, err := raft.NewRaft(raftCfg, s.fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	s.raft = r
	return nil
}

func buildRaftDeps(nodeID string, cfg ClusterConfig) (*raft.NetworkTransport, raft.SnapshotStore, raft.LogStore, raft.StableStore, *raft.Config, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(nodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("create transport: %w", err)
	}

	snapStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("create stable store: %w", err)
	}

	return transport, snapStore, logStore, stableStore, raftCfg, nil
}

// AddVoter adds nodeID/address as a voting member. Must be called on
// the current leader.
func (s *Store) AddVoter(nodeID, address string) error {
	if s.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes nodeID from the cluster configuration.
func (s *Store) RemoveServer(nodeID string) error {
	if s.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	future := s.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds raft leadership.
func (s *Store) IsLeader() bool {
	return s.raft != nil && s.raft.State() == raft.Leader
}

// LeaderAddr returns the raft transport address of the current leader,
// or "" if unknown.
func (s *Store) LeaderAddr() string {
	if s.raft == nil {
		return ""
	}
	return string(s.raft.Leader())
}

// Stats reports a small snapshot of raft health.
func (s *Store) Stats() map[string]any {
	if s.raft == nil {
		return nil
	}
	stats := map[string]any{
		"state":          s.raft.State().String(),
		"last_log_index": s.raft.LastIndex(),
		"applied_index":  s.raft.AppliedIndex(),
		"leader":         string(s.raft.Leader()),
	}
	if f := s.raft.GetConfiguration(); f.Error() == nil {
		stats["peers"] = len(f.Configuration().Servers)
	}
	return stats
}
