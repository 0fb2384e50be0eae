// Package cluster carries the Raft replication scaffolding. Only the node
// lifecycle and leadership queries exist so far; consensus itself is not
// wired in, and a Node never constructs unless cluster.enabled is set.
package cluster

import (
	"errors"
	"log/slog"
)

// ErrNotLeader is returned by Apply on any node until consensus lands,
// since a node that replicates nothing can never be leader.
var ErrNotLeader = errors.New("cluster: not the leader")

// Node is one member of a BleepStore metadata replication group.
type Node struct {
	id       string
	bindAddr string
	peers    []string
	started  bool
}

// NewNode configures a node with its identity and peer set.
func NewNode(id, bindAddr string, peers []string) *Node {
	return &Node{id: id, bindAddr: bindAddr, peers: peers}
}

// Start brings the node up. TODO: open the Raft transport on bindAddr and
// bootstrap or join the group once a consensus library is chosen.
func (n *Node) Start() error {
	n.started = true
	slog.Info("cluster node started", "node_id", n.id, "bind_addr", n.bindAddr, "peers", len(n.peers))
	return nil
}

// Stop tears the node down.
func (n *Node) Stop() error {
	if !n.started {
		return nil
	}
	n.started = false
	slog.Info("cluster node stopped", "node_id", n.id)
	return nil
}

// Apply proposes a metadata mutation to the group. Without consensus wired
// in there is no leader to accept it.
func (n *Node) Apply(command []byte) error {
	slog.Debug("cluster apply refused", "node_id", n.id, "bytes", len(command))
	return ErrNotLeader
}

// IsLeader reports whether this node currently leads the group.
func (n *Node) IsLeader() bool { return false }

// LeaderAddr returns the known leader's address, or empty when there is
// no leader.
func (n *Node) LeaderAddr() string { return "" }
