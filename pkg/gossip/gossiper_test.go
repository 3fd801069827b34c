package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/stretchr/testify/require"
)

type sentCall struct {
	nodeID string
	msg    message.Message
}

type fakePool struct {
	sendFunc   func(ctx context.Context, nodeID string, msg message.Message) error
	registered map[string]string
	sent       []sentCall
}

func newFakePool() *fakePool {
	return &fakePool{registered: map[string]string{}}
}

func (p *fakePool) Register(nodeID, address string) { p.registered[nodeID] = address }

func (p *fakePool) Send(ctx context.Context, nodeID string, msg message.Message) error {
	p.sent = append(p.sent, sentCall{nodeID: nodeID, msg: msg})
	if p.sendFunc != nil {
		return p.sendFunc(ctx, nodeID, msg)
	}
	return nil
}

type appliedCall struct {
	bucketID uint64
	remote   []membership.Membership
}

type fakeTopology struct {
	checksums map[uint64]uint32
	members   map[uint64]map[string]membership.Membership
	pick      membership.Membership
	pickOK    bool
	applied   []appliedCall
}

func (t *fakeTopology) PickRandomMembership() (membership.Membership, bool) { return t.pick, t.pickOK }

func (t *fakeTopology) GetChecksums() (map[uint64]uint32, error) { return t.checksums, nil }

func (t *fakeTopology) GetBucketMemberships(bucketID uint64) map[string]membership.Membership {
	return t.members[bucketID]
}

func (t *fakeTopology) ApplyBucket(bucketID uint64, remote []membership.Membership) (membership.MembershipDiff, error) {
	t.applied = append(t.applied, appliedCall{bucketID: bucketID, remote: remote})
	return membership.EmptyDiff(bucketID), nil
}

type fakeRateLimiter struct {
	delay      time.Duration
	errorCalls int
	okCalls    int
}

func (r *fakeRateLimiter) Delay() time.Duration { return r.delay }
func (r *fakeRateLimiter) OnError()             { r.errorCalls++ }
func (r *fakeRateLimiter) OnSuccess()           { r.okCalls++ }

func TestGossiperHandleChecksumsClearsBucketOnZeroRemoteChecksum(t *testing.T) {
	pool := newFakePool()
	topo := &fakeTopology{checksums: map[uint64]uint32{0: 55}}
	g := NewGossiper("local", pool, topo, func() membership.Membership {
		return testMember("local", 1, 1, membership.PhaseReady)
	}, &fakeRateLimiter{}, 32)

	msg := message.New(MsgTypeChecksums, map[string]interface{}{
		"source":    testMember("peer-1", 1, 1, membership.PhaseReady).ToMap(),
		"checksums": EncodeChecksums(map[uint64]uint32{0: 0}),
	})
	g.HandleChecksums(context.Background(), msg)

	require.Len(t, topo.applied, 1)
	require.Equal(t, uint64(0), topo.applied[0].bucketID)
	require.Nil(t, topo.applied[0].remote)
}

func TestGossiperHandleChecksumsRequestsDivergingBucket(t *testing.T) {
	pool := newFakePool()
	topo := &fakeTopology{checksums: map[uint64]uint32{3: 11}}
	g := NewGossiper("local", pool, topo, func() membership.Membership {
		return testMember("local", 1, 1, membership.PhaseReady)
	}, &fakeRateLimiter{}, 32)

	msg := message.New(MsgTypeChecksums, map[string]interface{}{
		"source":    testMember("peer-1", 1, 1, membership.PhaseReady).ToMap(),
		"checksums": EncodeChecksums(map[uint64]uint32{3: 99}),
	})
	g.HandleChecksums(context.Background(), msg)
	g.wg.Wait()

	require.Len(t, pool.sent, 1)
	require.Equal(t, "peer-1", pool.sent[0].nodeID)
	require.Equal(t, MsgTypeBucket, pool.sent[0].msg.Type)
	require.Equal(t, false, pool.sent[0].msg.Data["reply"])
}

func TestGossiperHandleBucketMergesAndRepliesOnceForNonReplyPush(t *testing.T) {
	pool := newFakePool()
	local := testMember("node-y", 1, 1, membership.PhaseReady)
	topo := &fakeTopology{
		checksums: map[uint64]uint32{},
		members:   map[uint64]map[string]membership.Membership{7: {"node-y": local}},
	}
	g := NewGossiper("local", pool, topo, func() membership.Membership {
		return testMember("local", 1, 1, membership.PhaseReady)
	}, &fakeRateLimiter{}, 32)

	remote := testMember("node-z", 1, 1, membership.PhaseReady)
	msg := message.New(MsgTypeBucket, map[string]interface{}{
		"bucket_id":      uint64(7),
		"members":        EncodeMembershipMap(map[string]membership.Membership{"node-z": remote}),
		"source_node_id": "peer-1",
		"reply":          false,
	})
	g.HandleBucket(context.Background(), msg)

	require.Len(t, topo.applied, 1)
	require.Equal(t, uint64(7), topo.applied[0].bucketID)
	require.Equal(t, []membership.Membership{remote}, topo.applied[0].remote)

	require.Len(t, pool.sent, 1)
	require.Equal(t, "peer-1", pool.sent[0].nodeID)
	require.Equal(t, true, pool.sent[0].msg.Data["reply"])
	replied, err := DecodeMembershipList(pool.sent[0].msg.Data["members"])
	require.NoError(t, err)
	require.Equal(t, []membership.Membership{local}, replied)
}

func TestGossiperHandleBucketDoesNotReplyToAReply(t *testing.T) {
	pool := newFakePool()
	topo := &fakeTopology{
		checksums: map[uint64]uint32{},
		members:   map[uint64]map[string]membership.Membership{7: {}},
	}
	g := NewGossiper("local", pool, topo, func() membership.Membership {
		return testMember("local", 1, 1, membership.PhaseReady)
	}, &fakeRateLimiter{}, 32)

	remote := testMember("node-z", 1, 1, membership.PhaseReady)
	msg := message.New(MsgTypeBucket, map[string]interface{}{
		"bucket_id":      uint64(7),
		"members":        EncodeMembershipMap(map[string]membership.Membership{"node-z": remote}),
		"source_node_id": "peer-1",
		"reply":          true,
	})
	g.HandleBucket(context.Background(), msg)

	require.Len(t, topo.applied, 1)
	require.Empty(t, pool.sent, "a reply push must not itself be answered")
}

func TestGossiperAttemptGossipUpdatesRateLimiterOnSuccessAndFailure(t *testing.T) {
	pool := newFakePool()
	topo := &fakeTopology{checksums: map[uint64]uint32{0: 1}}
	limiter := &fakeRateLimiter{}
	g := NewGossiper("local", pool, topo, func() membership.Membership {
		return testMember("local", 1, 1, membership.PhaseReady)
	}, limiter, 32)

	peer := testMember("peer-1", 1, 1, membership.PhaseReady)

	pool.sendFunc = func(_ context.Context, nodeID string, msg message.Message) error {
		require.Equal(t, MsgTypeChecksums, msg.Type)
		return nil
	}
	g.wg.Add(1)
	g.attemptGossip(context.Background(), peer)
	require.Equal(t, 1, limiter.okCalls)
	require.Equal(t, peer.PeerAddress, pool.registered["peer-1"])

	pool.sendFunc = func(_ context.Context, nodeID string, msg message.Message) error {
		return context.DeadlineExceeded
	}
	g.wg.Add(1)
	g.attemptGossip(context.Background(), peer)
	require.Equal(t, 1, limiter.errorCalls)
}
