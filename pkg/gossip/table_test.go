package gossip

import (
	"testing"

	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/stretchr/testify/require"
)

// fakeFence is a minimal IncarnationFence for tests, avoiding a dependency
// on the node package's real identity manager.
type fakeFence struct {
	incarnation uint64
	removePhase bool
}

func (f *fakeFence) BumpIncarnation() uint64 {
	f.incarnation++
	return f.incarnation
}

func (f *fakeFence) Incarnation() uint64 { return f.incarnation }

func (f *fakeFence) SetIncarnation(n uint64) {
	if n > f.incarnation {
		f.incarnation = n
	}
}

func (f *fakeFence) OwnerInRemovePhase() bool { return f.removePhase }

func TestBucketTableBucketForIsDeterministic(t *testing.T) {
	tbl := NewBucketTable(128, serializer.MsgPackSerializer{}, &fakeFence{}, 5)
	first := tbl.BucketFor("node-a")
	second := tbl.BucketFor("node-a")
	require.Equal(t, first, second)
	require.Less(t, first, uint64(128))
}

func TestBucketTableAddOrUpdateBumpsIncarnation(t *testing.T) {
	fence := &fakeFence{}
	tbl := NewBucketTable(16, serializer.MsgPackSerializer{}, fence, 5)

	tbl.AddOrUpdate(testMember("node-a", 1, 0, membership.PhaseReady))
	require.Equal(t, uint64(1), fence.Incarnation())

	got, ok := tbl.Get("node-a")
	require.True(t, ok)
	require.Equal(t, "node-a", got.NodeID)
}

func TestBucketTableMergeAddsNewMember(t *testing.T) {
	fence := &fakeFence{}
	tbl := NewBucketTable(16, serializer.MsgPackSerializer{}, fence, 5)
	bid := tbl.BucketFor("node-a")

	diff, err := tbl.MergeBucket(bid, []membership.Membership{testMember("node-a", 1, 1, membership.PhaseReady)})
	require.NoError(t, err)
	require.True(t, diff.Changed())
	require.Len(t, diff.Added, 1)

	got, ok := tbl.Get("node-a")
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Epoch)
}

func TestBucketTableMergeReplacesOnlyWhenNewer(t *testing.T) {
	fence := &fakeFence{}
	tbl := NewBucketTable(16, serializer.MsgPackSerializer{}, fence, 5)
	bid := tbl.BucketFor("node-a")

	tbl.AddOrUpdate(testMember("node-a", 2, 2, membership.PhaseReady))

	staleDiff, err := tbl.MergeBucket(bid, []membership.Membership{testMember("node-a", 1, 1, membership.PhaseReady)})
	require.NoError(t, err)
	require.False(t, staleDiff.Changed(), "a stale remote record must not overwrite a newer local one")

	newerDiff, err := tbl.MergeBucket(bid, []membership.Membership{testMember("node-a", 3, 0, membership.PhaseReady)})
	require.NoError(t, err)
	require.True(t, newerDiff.Changed())
	require.Len(t, newerDiff.Updated, 1)
}

func TestBucketTableMergeDropsExpiredRemovePhaseMember(t *testing.T) {
	fence := &fakeFence{incarnation: 10}
	tbl := NewBucketTable(16, serializer.MsgPackSerializer{}, fence, 5)
	bid := tbl.BucketFor("node-a")

	tbl.buckets[bid].AddOrUpdate(testMember("node-a", 1, 1, membership.PhaseDraining))
	tbl.views["node-a"] = bid

	diff, err := tbl.MergeBucket(bid, []membership.Membership{testMember("node-a", 1, 1, membership.PhaseDraining)})
	require.NoError(t, err)
	require.True(t, diff.Changed())
	require.Len(t, diff.Removed, 1, "a remove-phase record past the incarnation delta is dropped, not re-added")

	_, ok := tbl.Get("node-a")
	require.False(t, ok)
}

func TestBucketTableMergeDropsLocalExpiredRecordAbsentFromRemote(t *testing.T) {
	fence := &fakeFence{incarnation: 10}
	tbl := NewBucketTable(16, serializer.MsgPackSerializer{}, fence, 5)
	bid := tbl.BucketFor("node-a")

	tbl.buckets[bid].AddOrUpdate(testMember("node-a", 1, 1, membership.PhaseIdle))
	tbl.views["node-a"] = bid

	diff, err := tbl.MergeBucket(bid, nil)
	require.NoError(t, err)
	require.Len(t, diff.Removed, 1)

	_, ok := tbl.Get("node-a")
	require.False(t, ok)
}

func TestBucketTableMergeSyncsIncarnationUnlessOwnerDraining(t *testing.T) {
	fence := &fakeFence{incarnation: 1}
	tbl := NewBucketTable(16, serializer.MsgPackSerializer{}, fence, 5)
	bid := tbl.BucketFor("node-a")

	_, err := tbl.MergeBucket(bid, []membership.Membership{testMember("node-a", 1, 9, membership.PhaseReady)})
	require.NoError(t, err)
	require.Equal(t, uint64(9), fence.Incarnation())

	fence2 := &fakeFence{incarnation: 1, removePhase: true}
	tbl2 := NewBucketTable(16, serializer.MsgPackSerializer{}, fence2, 5)
	bid2 := tbl2.BucketFor("node-b")
	_, err = tbl2.MergeBucket(bid2, []membership.Membership{testMember("node-b", 1, 9, membership.PhaseReady)})
	require.NoError(t, err)
	require.Equal(t, uint64(1), fence2.Incarnation(), "a draining owner must not adopt a remote incarnation")
}

func TestBucketTableGetChecksumsIsDeterministic(t *testing.T) {
	tbl := NewBucketTable(8, serializer.MsgPackSerializer{}, &fakeFence{}, 5)
	tbl.AddOrUpdate(testMember("node-a", 1, 1, membership.PhaseReady))

	first, err := tbl.GetChecksums()
	require.NoError(t, err)
	second, err := tbl.GetChecksums()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestBucketTablePickRandomMember(t *testing.T) {
	tbl := NewBucketTable(8, serializer.MsgPackSerializer{}, &fakeFence{}, 5)
	_, ok := tbl.PickRandomMember()
	require.False(t, ok, "empty table has no member to pick")

	tbl.AddOrUpdate(testMember("node-a", 1, 1, membership.PhaseReady))
	m, ok := tbl.PickRandomMember()
	require.True(t, ok)
	require.Equal(t, "node-a", m.NodeID)
}
