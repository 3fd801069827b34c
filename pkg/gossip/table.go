package gossip

import (
	"math/rand"
	"sync"

	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/cuemby/paravon/pkg/space"
)

// IncarnationFence is the local node's incarnation counter, as seen by the
// bucket table during merges. It is implemented by the node package's
// identity manager; kept as a narrow interface here so table_test.go can
// fake it without depending on pkg/node.
type IncarnationFence interface {
	// BumpIncarnation increments and returns the local incarnation, called
	// whenever this table's own contents change.
	BumpIncarnation() uint64
	// Incarnation returns the current local incarnation without mutating it.
	Incarnation() uint64
	// SetIncarnation adopts n as the local incarnation if it is not already
	// ahead, used to fast-forward when a remote bucket carries a higher
	// value during merge.
	SetIncarnation(n uint64)
	// OwnerInRemovePhase reports whether the local node's own membership is
	// currently idle or draining, in which case MergeBucket must not adopt
	// a remote incarnation (a draining node should not re-announce itself).
	OwnerInRemovePhase() bool
}

// BucketTable shards the cluster's gossiped membership state across a
// fixed number of buckets, keyed by bucket_for(node_id) = hash(node_id) mod
// total. Checksums are cached per bucket and recomputed lazily.
type BucketTable struct {
	mu          sync.Mutex
	total       uint64
	serializer  serializer.Serializer
	incarnation IncarnationFence
	delta       uint64
	buckets     map[uint64]*Bucket
	views       map[string]uint64 // node_id -> bucket id
}

// NewBucketTable builds a table of `total` empty buckets. delta is the
// DELTA logical-expiry window from spec.md §4.7: a remove-phase record is
// dropped once the table's incarnation exceeds the record's own incarnation
// by more than delta.
func NewBucketTable(total uint64, ser serializer.Serializer, incarnation IncarnationFence, delta uint64) *BucketTable {
	buckets := make(map[uint64]*Bucket, total)
	for i := uint64(0); i < total; i++ {
		buckets[i] = newBucket(i)
	}
	return &BucketTable{
		total:       total,
		serializer:  ser,
		incarnation: incarnation,
		delta:       delta,
		buckets:     buckets,
		views:       make(map[string]uint64),
	}
}

// Reset clears every bucket and view, used when rebuilding the table from
// a bootstrap snapshot rather than incrementally merging into it.
func (t *BucketTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := uint64(0); i < t.total; i++ {
		t.buckets[i] = newBucket(i)
	}
	t.views = make(map[string]uint64)
}

// BucketFor returns the bucket id hosting nodeID.
func (t *BucketTable) BucketFor(nodeID string) uint64 {
	return (space.HashSpace{}).HashUint64Mod([]byte(nodeID), t.total)
}

// TotalBuckets returns the fixed bucket count.
func (t *BucketTable) TotalBuckets() uint64 {
	return t.total
}

// AddOrUpdate records m locally, bumping the local incarnation since the
// table's own contents just changed.
func (t *BucketTable) AddOrUpdate(m membership.Membership) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incarnation.BumpIncarnation()
	t.addOrUpdateLocked(m)
}

func (t *BucketTable) addOrUpdateLocked(m membership.Membership) {
	bid := t.BucketFor(m.NodeID)
	t.buckets[bid].AddOrUpdate(m)
	t.views[m.NodeID] = bid
}

// Remove drops nodeID's record from the table, bumping the local
// incarnation.
func (t *BucketTable) Remove(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bid, ok := t.views[nodeID]
	if !ok {
		return
	}
	t.incarnation.BumpIncarnation()
	t.buckets[bid].Remove(nodeID)
	delete(t.views, nodeID)
}

// Get returns nodeID's current record, if known.
func (t *BucketTable) Get(nodeID string) (membership.Membership, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bid, ok := t.views[nodeID]
	if !ok {
		return membership.Membership{}, false
	}
	return t.buckets[bid].Get(nodeID)
}

// GetChecksums returns the current checksum of every bucket, keyed by
// bucket id. Each bucket recomputes its digest only if dirty.
func (t *BucketTable) GetChecksums() (map[uint64]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]uint32, len(t.buckets))
	for id, b := range t.buckets {
		sum, err := b.Checksum(t.serializer)
		if err != nil {
			return nil, err
		}
		out[id] = sum
	}
	return out, nil
}

// GetBucketMemberships returns a copy of a single bucket's contents, used to
// answer a peer's request for the full contents of a diverging bucket.
func (t *BucketTable) GetBucketMemberships(bucketID uint64) map[string]membership.Membership {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[bucketID]
	if !ok {
		return nil
	}
	return b.Memberships()
}

// AllMemberships returns a copy of every known membership across all
// buckets, used by bootstrap to build a full snapshot.
func (t *BucketTable) AllMemberships() []membership.Membership {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]membership.Membership, 0, len(t.views))
	for nodeID, bid := range t.views {
		m, ok := t.buckets[bid].Get(nodeID)
		if ok {
			out = append(out, m)
		}
	}
	return out
}

func (t *BucketTable) logicallyExpired(m membership.Membership) bool {
	return t.incarnation.Incarnation() > m.Incarnation+t.delta
}

// MergeBucket merges a peer's view of bucketID into the local table,
// implementing spec.md §4.7's monotonic merge:
//
//  1. Unless the local node's own membership is in a remove phase, fast
//     forward the local incarnation to the highest incarnation present in
//     the remote set.
//  2. For each remote record: if it is in a remove phase and has expired
//     (local incarnation exceeds its own incarnation by more than delta),
//     drop any local copy instead of adopting it. Otherwise adopt it if the
//     local table has no record for that node, or the remote record is
//     strictly newer (epoch, then incarnation).
//  3. Any local record absent from the remote set that is itself an
//     expired remove-phase record is dropped (the peer has already
//     forgotten it).
//
// The returned diff is empty (Changed() == false) when the merge left the
// table unchanged.
func (t *BucketTable) MergeBucket(bucketID uint64, remote []membership.Membership) (membership.MembershipDiff, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	diff := membership.EmptyDiff(bucketID)
	bucket, ok := t.buckets[bucketID]
	if !ok {
		return diff, nil
	}

	if len(remote) > 0 && !t.incarnation.OwnerInRemovePhase() {
		var maxRemote uint64
		for _, m := range remote {
			if m.Incarnation > maxRemote {
				maxRemote = m.Incarnation
			}
		}
		t.incarnation.SetIncarnation(maxRemote)
	}

	remoteByID := make(map[string]membership.Membership, len(remote))
	for _, m := range remote {
		remoteByID[m.NodeID] = m

		if m.IsRemovePhase() && t.logicallyExpired(m) {
			if local, exists := bucket.Get(m.NodeID); exists {
				bucket.Remove(m.NodeID)
				delete(t.views, m.NodeID)
				diff.Removed = append(diff.Removed, local)
			}
			continue
		}

		local, exists := bucket.Get(m.NodeID)
		switch {
		case !exists:
			bucket.AddOrUpdate(m)
			t.views[m.NodeID] = bucketID
			diff.Added = append(diff.Added, m)
		case m.IsNewerThan(local):
			bucket.AddOrUpdate(m)
			t.views[m.NodeID] = bucketID
			diff.Updated = append(diff.Updated, membership.MembershipChange{Before: local, After: m})
		}
	}

	for nodeID, local := range bucket.Memberships() {
		if _, present := remoteByID[nodeID]; present {
			continue
		}
		if local.IsRemovePhase() && t.logicallyExpired(local) {
			bucket.Remove(nodeID)
			delete(t.views, nodeID)
			diff.Removed = append(diff.Removed, local)
		}
	}

	return diff, nil
}

// PickRandomMember returns a uniformly random known membership, used by the
// gossiper to choose a peer to exchange checksums with. The second return
// value is false if the table holds no members.
func (t *BucketTable) PickRandomMember() (membership.Membership, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.views) == 0 {
		return membership.Membership{}, false
	}
	target := rand.Intn(len(t.views))
	i := 0
	for nodeID, bid := range t.views {
		if i == target {
			m, _ := t.buckets[bid].Get(nodeID)
			return m, true
		}
		i++
	}
	return membership.Membership{}, false
}
