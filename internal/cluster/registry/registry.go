package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counts is a point-in-time snapshot of the registry's size.
type Counts struct {
	Total  int
	Alive  int
	Active int
}

// Quorum reports whether votes constitutes a majority of total,
// treating a single-node cluster as always having quorum.
func Quorum(total, votes int) bool {
	if total == 1 {
		return true
	}
	return votes > total/2
}

// Registry is the process-wide, read-mostly set of known cluster nodes.
// The node map is guarded by a RWMutex: Get and Nodes take its read
// lock, so they wait for a writer in progress and hold writers off while
// they copy. The local/leader pointers and the derived counters are
// atomics, so hot-path reads (e.g. "is this me", "do we have quorum")
// never take the map lock at all.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	local  atomic.Pointer[Node]
	leader atomic.Pointer[Node]

	total  atomic.Int64
	alive  atomic.Int64
	active atomic.Int64

	logger *slog.Logger

	// onRenewLeader is invoked when the dropped node was the leader,
	// signalling the owner (normally the Raft layer) to trigger a new
	// election rather than leaving the leader pointer stale.
	onRenewLeader func()
}

// New builds an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:  make(map[string]*Node),
		logger: logger,
	}
}

// OnRenewLeader registers the callback fired when the current leader is
// dropped from the registry.
func (r *Registry) OnRenewLeader(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRenewLeader = fn
}

// Get performs a case-insensitive lookup, returning nil if unknown.
func (r *Registry) Get(name string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[lower(name)]
	if !ok {
		return nil
	}
	return n.clone()
}

// Touch inserts a previously-unknown node, or merges an update into a
// known one. If the name is already bound to a different address, the
// touch is rejected (inserted=false, node=nil): the caller is expected
// to SNEER the remote rather than silently accept a colliding identity.
// activate sets the Activated flag on a confirmed-join touch; a bare
// liveness probe passes activate=false and only refreshes LastSeen.
func (r *Registry) Touch(candidate *Node, activate bool) (node *Node, inserted bool, rejected bool) {
	key := lower(candidate.Name)
	now := time.Now()

	r.mu.Lock()
	existing, ok := r.nodes[key]
	if !ok {
		n := candidate.clone()
		n.LowerName = key
		n.LastSeen = now
		n.Activated = n.Activated || activate
		r.nodes[key] = n
		r.mu.Unlock()
		r.refreshCounts()
		return n.clone(), true, false
	}

	if !existing.sameAddress(candidate) {
		r.mu.Unlock()
		return nil, false, true
	}

	existing.LastSeen = now
	if activate {
		existing.Activated = true
	}
	out := existing.clone()
	r.mu.Unlock()
	r.refreshCounts()
	return out, false, false
}

// Drop removes a node by name. If the removed node was the current
// leader, the leader pointer is cleared and onRenewLeader is invoked.
func (r *Registry) Drop(name string) {
	key := lower(name)

	r.mu.Lock()
	n, ok := r.nodes[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.nodes, key)
	r.mu.Unlock()

	wasLeader := false
	if leader := r.leader.Load(); leader != nil && leader.LowerName == key {
		r.leader.Store(nil)
		wasLeader = true
	}

	r.refreshCounts()

	if wasLeader {
		r.logger.Warn("leader dropped from registry, renewing", "name", n.Name)
		r.mu.RLock()
		fn := r.onRenewLeader
		r.mu.RUnlock()
		if fn != nil {
			fn()
		}
	}
}

// SetLocal atomically swaps the pointer to the local node, inserting it
// into the node map (always alive, regardless of LastSeen) if absent.
func (r *Registry) SetLocal(node *Node) {
	n := node.clone()
	n.LowerName = lower(n.Name)
	n.Activated = true
	r.local.Store(n)

	r.mu.Lock()
	r.nodes[n.LowerName] = n
	r.mu.Unlock()
	r.refreshCounts()
}

// SetLeader atomically swaps the pointer to the current leader node.
func (r *Registry) SetLeader(node *Node) {
	if node == nil {
		r.leader.Store(nil)
		return
	}
	n := node.clone()
	r.leader.Store(n)
}

// Local returns the local node, or nil if unset.
func (r *Registry) Local() *Node {
	return r.local.Load()
}

// Leader returns the current leader node, or nil if unknown.
func (r *Registry) Leader() *Node {
	return r.leader.Load()
}

// Nodes returns a snapshot of all known nodes. Each node is cloned under
// the read lock, and the lock is not held while the caller inspects the
// result.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.clone())
	}
	return out
}

// ActiveNames returns the names of every active node, in a stable sort
// order usable as a deterministic ring for shard placement.
func (r *Registry) ActiveNames() []string {
	local := r.local.Load()
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for _, n := range r.nodes {
		isLocal := local != nil && n.LowerName == local.LowerName
		if n.activeAt(now, isLocal) {
			out = append(out, n.Name)
		}
	}
	sort.Strings(out)
	return out
}

// IsActive reports whether the named node is currently active.
func (r *Registry) IsActive(name string) bool {
	n := r.Get(name)
	if n == nil {
		return false
	}
	local := r.local.Load()
	isLocal := local != nil && n.LowerName == local.LowerName
	return n.activeAt(time.Now(), isLocal)
}

// Counts returns the current total/alive/active counters.
func (r *Registry) Counts() Counts {
	return Counts{
		Total:  int(r.total.Load()),
		Alive:  int(r.alive.Load()),
		Active: int(r.active.Load()),
	}
}

// HasQuorum reports whether votes constitutes a majority of the
// registry's current total node count.
func (r *Registry) HasQuorum(votes int) bool {
	return Quorum(int(r.total.Load()), votes)
}

// refreshCounts recomputes total/alive/active from the current map
// contents and the identity of the local node. It is called after every
// mutation rather than incrementally, trading a full scan for the
// simplicity of never drifting from the map's true state.
func (r *Registry) refreshCounts() {
	local := r.local.Load()
	now := time.Now()

	r.mu.RLock()
	total, alive, active := 0, 0, 0
	for _, n := range r.nodes {
		total++
		isLocal := local != nil && n.LowerName == local.LowerName
		if n.aliveAt(now, isLocal) {
			alive++
		}
		if n.activeAt(now, isLocal) {
			active++
		}
	}
	r.mu.RUnlock()

	r.total.Store(int64(total))
	r.alive.Store(int64(alive))
	r.active.Store(int64(active))
}

func lower(s string) string {
	return strings.ToLower(s)
}
