package node

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/cuemby/paravon/pkg/space"
	"github.com/cuemby/paravon/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestMetaManager(t *testing.T, identity Identity) (*NodeMetaManager, storage.Backend) {
	t.Helper()
	backend, err := storage.OpenBoltBackend(filepath.Join(t.TempDir(), "system.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return NewNodeMetaManager(identity, backend, serializer.MsgPackSerializer{}), backend
}

func TestNodeMetaManagerFirstStartPersistsDefaults(t *testing.T) {
	m, _ := newTestMetaManager(t, Identity{NodeID: "node-1", Size: membership.SizeM, PeerAddress: "127.0.0.1:12000"})

	mem, err := m.GetMembership()
	require.NoError(t, err)
	require.Equal(t, "node-1", mem.NodeID)
	require.Equal(t, membership.SizeM, mem.Size)
	require.Equal(t, membership.PhaseIdle, mem.Phase)
	require.Equal(t, uint64(0), mem.Epoch)
	require.Equal(t, uint64(0), mem.Incarnation)
	require.Empty(t, mem.Tokens)
	require.Equal(t, "127.0.0.1:12000", mem.PeerAddress)
}

func TestNodeMetaManagerSubsequentStartReadsPersistedValues(t *testing.T) {
	backend, err := storage.OpenBoltBackend(filepath.Join(t.TempDir(), "system.db"))
	require.NoError(t, err)
	defer backend.Close()

	identity := Identity{NodeID: "node-1", Size: membership.SizeL, PeerAddress: "127.0.0.1:12000"}
	m1 := NewNodeMetaManager(identity, backend, serializer.MsgPackSerializer{})
	_, err = m1.BumpEpoch()
	require.NoError(t, err)
	require.NoError(t, m1.SetPhase(membership.PhaseReady))

	m2 := NewNodeMetaManager(identity, backend, serializer.MsgPackSerializer{})
	mem, err := m2.GetMembership()
	require.NoError(t, err)
	require.Equal(t, uint64(1), mem.Epoch)
	require.Equal(t, membership.PhaseReady, mem.Phase)
}

func TestNodeMetaManagerFatalOnNodeIDMismatch(t *testing.T) {
	backend, err := storage.OpenBoltBackend(filepath.Join(t.TempDir(), "system.db"))
	require.NoError(t, err)
	defer backend.Close()

	m1 := NewNodeMetaManager(Identity{NodeID: "node-1", Size: membership.SizeM}, backend, serializer.MsgPackSerializer{})
	_, err = m1.GetMembership()
	require.NoError(t, err)

	m2 := NewNodeMetaManager(Identity{NodeID: "node-2", Size: membership.SizeM}, backend, serializer.MsgPackSerializer{})
	_, err = m2.GetMembership()
	require.Error(t, err)
}

func TestNodeMetaManagerFatalOnSizeMismatch(t *testing.T) {
	backend, err := storage.OpenBoltBackend(filepath.Join(t.TempDir(), "system.db"))
	require.NoError(t, err)
	defer backend.Close()

	m1 := NewNodeMetaManager(Identity{NodeID: "node-1", Size: membership.SizeM}, backend, serializer.MsgPackSerializer{})
	_, err = m1.GetMembership()
	require.NoError(t, err)

	m2 := NewNodeMetaManager(Identity{NodeID: "node-1", Size: membership.SizeL}, backend, serializer.MsgPackSerializer{})
	_, err = m2.GetMembership()
	require.Error(t, err)
}

func TestNodeMetaManagerBumpIncarnationPersistsAndCaches(t *testing.T) {
	m, _ := newTestMetaManager(t, Identity{NodeID: "node-1", Size: membership.SizeM})

	require.Equal(t, uint64(0), m.Incarnation())
	require.Equal(t, uint64(1), m.BumpIncarnation())
	require.Equal(t, uint64(2), m.BumpIncarnation())
	require.Equal(t, uint64(2), m.Incarnation())
}

func TestNodeMetaManagerSetIncarnationIgnoresOlderValue(t *testing.T) {
	m, _ := newTestMetaManager(t, Identity{NodeID: "node-1", Size: membership.SizeM})

	m.SetIncarnation(10)
	require.Equal(t, uint64(10), m.Incarnation())
	m.SetIncarnation(3)
	require.Equal(t, uint64(10), m.Incarnation(), "SetIncarnation must not move the fence backward")
}

func TestNodeMetaManagerOwnerInRemovePhaseReflectsPhase(t *testing.T) {
	m, _ := newTestMetaManager(t, Identity{NodeID: "node-1", Size: membership.SizeM})

	require.True(t, m.OwnerInRemovePhase(), "default phase idle is a remove phase")
	require.NoError(t, m.SetPhase(membership.PhaseReady))
	require.False(t, m.OwnerInRemovePhase())
	require.NoError(t, m.SetPhase(membership.PhaseDraining))
	require.True(t, m.OwnerInRemovePhase())
}

func TestNodeMetaManagerSetTokensUpdatesCache(t *testing.T) {
	m, _ := newTestMetaManager(t, Identity{NodeID: "node-1", Size: membership.SizeM})

	hs := space.HashSpace{}
	tokens := hs.GenerateTokens("node-1", 4)
	require.NoError(t, m.SetTokens(tokens))

	mem, err := m.GetMembership()
	require.NoError(t, err)
	require.Equal(t, tokens, mem.Tokens)
}
