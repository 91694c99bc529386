package runtime

import (
	"errors"
	"sort"
	"sync"
)

// ErrSelfConnection is returned when an agent is asked to add itself as a
// peer.
var ErrSelfConnection = errors.New("agent cannot connect to itself")

// RoutingTable is an agent's view of its reachable peers: name → endpoint
// URL. Writers take a short exclusive lock; readers take a snapshot, so a
// reasoning-loop iteration always sees one consistent table.
type RoutingTable struct {
	self  string
	mu    sync.RWMutex
	peers map[string]string
}

// NewRoutingTable creates an empty table for the named agent.
func NewRoutingTable(self string) *RoutingTable {
	return &RoutingTable{self: self, peers: make(map[string]string)}
}

// Connect adds or updates a peer entry. Re-connecting an existing peer
// with the same endpoint is a no-op; a different endpoint overwrites the
// entry and reports the previous one (overwrite-with-event semantics —
// flagged for review, see DESIGN.md). Connecting the agent to itself is
// rejected.
func (t *RoutingTable) Connect(peerName, endpoint string) (prev string, replaced bool, err error) {
	if peerName == t.self {
		return "", false, ErrSelfConnection
	}
	if peerName == "" || endpoint == "" {
		return "", false, errors.New("peer name and endpoint are required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, existed := t.peers[peerName]
	t.peers[peerName] = endpoint
	return prev, existed && prev != endpoint, nil
}

// Disconnect removes a peer entry. Removing an absent peer is not an
// error; the return value reports whether an entry was removed.
func (t *RoutingTable) Disconnect(peerName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.peers[peerName]
	delete(t.peers, peerName)
	return existed
}

// Snapshot returns a copy of the table.
func (t *RoutingTable) Snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.peers))
	for name, endpoint := range t.peers {
		out[name] = endpoint
	}
	return out
}

// Names returns peer names in sorted order.
func (t *RoutingTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.peers))
	for name := range t.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of peers.
func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
