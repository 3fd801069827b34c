package topology

import (
	"sync"

	"github.com/cuemby/paravon/pkg/gossip"
	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/space"
)

// Manager holds the BucketTable and the current Ring under a single
// reader/writer lock, so every snapshot read observes either a fully
// applied mutation or none of it.
type Manager struct {
	mu          sync.RWMutex
	localNodeID string
	table       *gossip.BucketTable
	ring        space.Ring
}

var _ gossip.Topology = (*Manager)(nil)

// NewManager builds a Manager over an existing BucketTable, starting with
// an empty ring.
func NewManager(localNodeID string, table *gossip.BucketTable) *Manager {
	return &Manager{
		localNodeID: localNodeID,
		table:       table,
		ring:        space.EmptyRing(),
	}
}

// AddMembership records m in the bucket table and adds its vnodes to the
// ring, used both for the local node's own membership and for peers
// discovered outside of gossip (e.g. bootstrap).
func (m *Manager) AddMembership(mem membership.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.AddOrUpdate(mem)
	m.ring = m.ring.AddVNodes(space.VNodesFor(mem.NodeID, mem.Tokens))
}

// DrainMembership persists mem (expected to be in a draining phase) in the
// bucket table, so peers converge on it via gossip, but immediately drops
// its vnodes from the ring so new placements stop routing to it.
func (m *Manager) DrainMembership(mem membership.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.AddOrUpdate(mem)
	m.ring = m.ring.DropNodes(map[string]struct{}{mem.NodeID: {}})
}

// Restore rebuilds the bucket table and ring from scratch out of members,
// skipping the local node_id. Used once, during bootstrap, to adopt a
// converged snapshot collected from seeds.
func (m *Manager) Restore(members []membership.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.table.Reset()
	m.ring = space.EmptyRing()

	var vnodes []space.VNode
	for _, mem := range members {
		if mem.NodeID == m.localNodeID {
			continue
		}
		m.table.AddOrUpdate(mem)
		vnodes = append(vnodes, space.VNodesFor(mem.NodeID, mem.Tokens)...)
	}
	m.ring = m.ring.AddVNodes(vnodes)
}

// ApplyBucket merges a peer's snapshot of a bucket into the local table
// (after filtering out the local node_id, which this table's own caller
// already knows authoritatively) and reconciles the ring: removed node_ids
// lose their vnodes, updated node_ids have their old tokens dropped and new
// ones added, and newly added node_ids gain vnodes.
func (m *Manager) ApplyBucket(bucketID uint64, remote []membership.Membership) (membership.MembershipDiff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := make([]membership.Membership, 0, len(remote))
	for _, mem := range remote {
		if mem.NodeID == m.localNodeID {
			continue
		}
		filtered = append(filtered, mem)
	}

	diff, err := m.table.MergeBucket(bucketID, filtered)
	if err != nil {
		return diff, err
	}
	if !diff.Changed() {
		return diff, nil
	}

	droppedIDs := make(map[string]struct{}, len(diff.Removed)+len(diff.Updated))
	for _, mem := range diff.Removed {
		droppedIDs[mem.NodeID] = struct{}{}
	}
	for _, change := range diff.Updated {
		droppedIDs[change.Before.NodeID] = struct{}{}
	}
	ring := m.ring.DropNodes(droppedIDs)

	var toAdd []space.VNode
	for _, change := range diff.Updated {
		toAdd = append(toAdd, space.VNodesFor(change.After.NodeID, change.After.Tokens)...)
	}
	for _, mem := range diff.Added {
		toAdd = append(toAdd, space.VNodesFor(mem.NodeID, mem.Tokens)...)
	}
	m.ring = ring.AddVNodes(toAdd)

	return diff, nil
}

// GetRing returns the current ring snapshot.
func (m *Manager) GetRing() space.Ring {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring
}

// GetChecksums returns the current per-bucket checksum map.
func (m *Manager) GetChecksums() (map[uint64]uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.GetChecksums()
}

// GetBucketMemberships returns a copy of one bucket's current contents.
func (m *Manager) GetBucketMemberships(bucketID uint64) map[string]membership.Membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.GetBucketMemberships(bucketID)
}

// PickRandomMembership returns a uniformly random known membership.
func (m *Manager) PickRandomMembership() (membership.Membership, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.PickRandomMember()
}
