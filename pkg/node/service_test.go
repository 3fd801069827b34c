package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/paravon/pkg/gossip"
	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/cuemby/paravon/pkg/storage"
	"github.com/cuemby/paravon/pkg/throttling"
	"github.com/cuemby/paravon/pkg/topology"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, nodeID string, phase membership.NodePhase) (*NodeService, *NodeMetaManager) {
	t.Helper()
	backend, err := storage.OpenBoltBackend(filepath.Join(t.TempDir(), "system.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	meta := NewNodeMetaManager(Identity{NodeID: nodeID, Size: membership.SizeM, PeerAddress: "127.0.0.1:12000"}, backend, serializer.MsgPackSerializer{})
	_, err = meta.GetMembership()
	require.NoError(t, err)
	require.NoError(t, meta.SetPhase(phase))

	table := gossip.NewBucketTable(8, serializer.MsgPackSerializer{}, meta, 3)
	topo := topology.NewManager(nodeID, table)

	rateLimiter := throttling.NewCubicRateLimiter(throttling.NewCubicRateController(1, 0.1, 10, 0.7, 0.4))
	localMember := func() membership.Membership {
		mem, _ := meta.GetMembership()
		return mem
	}
	gossiper := gossip.NewGossiper(nodeID, noopPool{}, topo, localMember, rateLimiter, 4)

	svc := NewNodeService(meta, gossiper, topo, SeedBootstrapperConfig{Ser: serializer.MsgPackSerializer{}})
	return svc, meta
}

type noopPool struct{}

func (noopPool) Register(nodeID, address string) {}
func (noopPool) Send(ctx context.Context, nodeID string, msg message.Message) error {
	return nil
}

func TestNodeServiceJoinFromIdleTransitionsToJoiningThenReady(t *testing.T) {
	svc, meta := newTestService(t, "node-1", membership.PhaseIdle)

	resp := svc.Join(context.Background())
	require.Equal(t, "ok", resp.Type)

	mem, err := meta.GetMembership()
	require.NoError(t, err)
	require.Equal(t, membership.PhaseJoining, mem.Phase)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.WaitForReady(ctx), "completeJoin must reach ready even when bootstrap fails (no seeds configured)")

	mem, err = meta.GetMembership()
	require.NoError(t, err)
	require.Equal(t, membership.PhaseReady, mem.Phase)
	require.NotEmpty(t, mem.Tokens, "a first-time join must generate vnode tokens")
	require.Equal(t, uint64(1), mem.Epoch, "completing a join bumps the epoch")
}

func TestNodeServiceJoinFromJoiningOrReadyIsANoop(t *testing.T) {
	svc, _ := newTestService(t, "node-1", membership.PhaseJoining)
	resp := svc.Join(context.Background())
	require.Equal(t, "ok", resp.Type)
	require.Equal(t, "Already joining/ready, ignored.", resp.Data["message"])
}

func TestNodeServiceJoinFromDrainingIsRefused(t *testing.T) {
	svc, _ := newTestService(t, "node-1", membership.PhaseDraining)
	resp := svc.Join(context.Background())
	require.Equal(t, "ko", resp.Type)
}

func TestNodeServiceDrainFromReadyTransitionsToIdle(t *testing.T) {
	svc, meta := newTestService(t, "node-1", membership.PhaseReady)

	resp := svc.Drain(context.Background())
	require.Equal(t, "ok", resp.Type)

	mem, err := meta.GetMembership()
	require.NoError(t, err)
	require.Equal(t, membership.PhaseDraining, mem.Phase)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.WaitForIdle(ctx))

	mem, err = meta.GetMembership()
	require.NoError(t, err)
	require.Equal(t, membership.PhaseIdle, mem.Phase)
}

func TestNodeServiceDrainFromDrainingIsRefused(t *testing.T) {
	svc, _ := newTestService(t, "node-1", membership.PhaseDraining)
	resp := svc.Drain(context.Background())
	require.Equal(t, "ko", resp.Type)
	require.Equal(t, "Already draining, ignored.", resp.Data["message"])
}

func TestNodeServiceDrainFromIdleIsRefused(t *testing.T) {
	svc, _ := newTestService(t, "node-1", membership.PhaseIdle)
	resp := svc.Drain(context.Background())
	require.Equal(t, "ko", resp.Type)
}

func TestNodeServiceRemoveIsNotImplemented(t *testing.T) {
	svc, _ := newTestService(t, "node-1", membership.PhaseReady)
	resp := svc.Remove()
	require.Equal(t, "ko", resp.Type)
}

func TestNodeServiceApplyChecksumsHandlerReturnsLocalChecksums(t *testing.T) {
	svc, _ := newTestService(t, "node-1", membership.PhaseReady)
	handler := svc.ApplyChecksumsHandler(context.Background())

	resp := handler(map[string]interface{}{
		"source":    membership.Membership{NodeID: "node-2", Size: membership.SizeM}.ToMap(),
		"checksums": map[string]interface{}{},
	})
	require.Equal(t, gossip.MsgTypeChecksums, resp.Type)
	require.Contains(t, resp.Data, "checksums")
}
