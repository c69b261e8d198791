// Package registry tracks the set of nodes known to a cluster: their
// identity, liveness, and which of them are the local node and the
// current leader.
package registry

import (
	"strings"
	"time"
)

// NodeLifespan is how long a node may go without a touch before it is
// no longer considered alive.
const NodeLifespan = 25 * time.Second

// Node is a single cluster member as seen by the local process.
type Node struct {
	Idx              uint64
	Name             string
	LowerName        string
	Host             string
	HTTPPort         int
	RemotePort       int
	ReplicationPort  int
	LastSeen         time.Time
	Activated        bool
}

// NewNode builds a Node, deriving LowerName from Name.
func NewNode(name, host string, httpPort, remotePort, replicationPort int) *Node {
	return &Node{
		Name:            name,
		LowerName:       strings.ToLower(name),
		Host:            host,
		HTTPPort:        httpPort,
		RemotePort:      remotePort,
		ReplicationPort: replicationPort,
		LastSeen:        time.Now(),
	}
}

// sameAddress reports whether two nodes describe the same network
// endpoint, used to detect a name collision from a different peer.
func (n *Node) sameAddress(other *Node) bool {
	return n.Host == other.Host &&
		n.RemotePort == other.RemotePort &&
		n.HTTPPort == other.HTTPPort
}

// clone returns a shallow copy, used when handing a Node out of the
// registry so callers cannot mutate shared state.
func (n *Node) clone() *Node {
	cp := *n
	return &cp
}

// aliveAt reports whether the node is alive as of the given instant:
// touched within NodeLifespan, or marked as the local node via isLocal.
func (n *Node) aliveAt(now time.Time, isLocal bool) bool {
	if isLocal {
		return true
	}
	return !n.LastSeen.Before(now.Add(-NodeLifespan))
}

// active requires both liveness and the activated flag, set once a
// node has been confirmed via the join handshake rather than merely
// probed.
func (n *Node) activeAt(now time.Time, isLocal bool) bool {
	return n.aliveAt(now, isLocal) && n.Activated
}
