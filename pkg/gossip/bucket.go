package gossip

import (
	"hash/crc32"
	"sort"

	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/metrics"
	"github.com/cuemby/paravon/pkg/serializer"
)

// Bucket holds the memberships hashed into one shard of a BucketTable,
// plus a lazily recomputed checksum over its contents.
type Bucket struct {
	id          uint64
	memberships map[string]membership.Membership
	checksum    uint32
	dirty       bool
}

func newBucket(id uint64) *Bucket {
	return &Bucket{
		id:          id,
		memberships: make(map[string]membership.Membership),
		dirty:       true,
	}
}

// AddOrUpdate stores m, marking the bucket's cached checksum stale.
func (b *Bucket) AddOrUpdate(m membership.Membership) {
	b.memberships[m.NodeID] = m
	b.dirty = true
}

// Remove drops nodeID's record, if present.
func (b *Bucket) Remove(nodeID string) bool {
	if _, ok := b.memberships[nodeID]; !ok {
		return false
	}
	delete(b.memberships, nodeID)
	b.dirty = true
	return true
}

// Get returns nodeID's record, if present.
func (b *Bucket) Get(nodeID string) (membership.Membership, bool) {
	m, ok := b.memberships[nodeID]
	return m, ok
}

// Memberships returns a shallow copy of the bucket's current contents.
func (b *Bucket) Memberships() map[string]membership.Membership {
	out := make(map[string]membership.Membership, len(b.memberships))
	for k, v := range b.memberships {
		out[k] = v
	}
	return out
}

// Checksum returns the bucket's CRC32 digest, recomputing it only if the
// bucket has been mutated since the last call.
func (b *Bucket) Checksum(ser serializer.Serializer) (uint32, error) {
	if !b.dirty {
		return b.checksum, nil
	}
	sum, err := b.recomputeChecksum(ser)
	if err != nil {
		return 0, err
	}
	b.checksum = sum
	b.dirty = false
	metrics.BucketChecksumRecomputesTotal.Inc()
	return sum, nil
}

// recomputeChecksum folds each member's canonical encoding into a running
// CRC32, visiting node_ids in sorted order so the result is independent of
// insertion order or map iteration order.
func (b *Bucket) recomputeChecksum(ser serializer.Serializer) (uint32, error) {
	ids := make([]string, 0, len(b.memberships))
	for id := range b.memberships {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var crc uint32
	for _, id := range ids {
		raw, err := ser.Serialize(b.memberships[id].ToMap())
		if err != nil {
			return 0, err
		}
		crc = crc32.Update(crc, crc32.IEEETable, raw)
	}
	return crc, nil
}
