package node

import (
	"fmt"
	"sync"

	"github.com/cuemby/paravon/pkg/gossip"
	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/cuemby/paravon/pkg/space"
	"github.com/cuemby/paravon/pkg/storage"
	"github.com/rs/zerolog"
)

var systemKeyspace = []byte("system")

var _ gossip.IncarnationFence = (*NodeMetaManager)(nil)

// Identity is the configured identity an already-persisted record is
// checked against: node_id and size are immutable once a node's first
// membership record is written, so a mismatch here means the process is
// starting with the wrong configuration (or another node's data
// directory) and must fail fatally rather than silently adopt it.
// PeerAddress is never persisted; it is re-derived from configuration on
// every start, since a node's reachable address may legitimately change
// (NAT remap, rescheduled pod, etc.) without it being a new node.
type Identity struct {
	NodeID      string
	Size        membership.NodeSize
	PeerAddress string
}

// NodeMetaManager owns the persisted identity and membership record for
// the local node, stored under the "system" keyspace of a dedicated
// storage.Backend. The membership is loaded lazily on first access and
// cached; every mutator persists before updating the cache, so a failed
// write never leaves the cache ahead of storage.
type NodeMetaManager struct {
	mu       sync.Mutex
	identity Identity
	store    storage.Backend
	ser      serializer.Serializer
	logger   zerolog.Logger

	membership  *membership.Membership
	incarnation *uint64
}

// NewNodeMetaManager builds a manager. store should be a backend
// dedicated to system metadata, distinct from any partition data
// backend.
func NewNodeMetaManager(identity Identity, store storage.Backend, ser serializer.Serializer) *NodeMetaManager {
	return &NodeMetaManager{
		identity: identity,
		store:    store,
		ser:      ser,
		logger:   log.WithComponent("node.meta"),
	}
}

// GetMembership returns the current membership, loading and validating it
// from storage on first call.
func (m *NodeMetaManager) GetMembership() (membership.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.membershipLocked()
}

func (m *NodeMetaManager) membershipLocked() (membership.Membership, error) {
	if m.membership != nil {
		return *m.membership, nil
	}
	mem, err := m.initMembershipLocked()
	if err != nil {
		return membership.Membership{}, err
	}
	m.membership = &mem
	return mem, nil
}

// BumpEpoch increments and persists the local membership's epoch, creating
// the initial record if this is the node's first start. It returns the
// new epoch.
func (m *NodeMetaManager) BumpEpoch() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.membership == nil {
		mem, err := m.initMembershipLocked()
		if err != nil {
			return 0, err
		}
		m.membership = &mem
	}
	epoch := m.membership.Epoch + 1
	if err := m.putUint64Locked("epoch", epoch); err != nil {
		return 0, err
	}
	m.membership.Epoch = epoch
	return epoch, nil
}

// BumpIncarnation implements gossip.IncarnationFence: increments and
// persists the ring-wide incarnation fence, returning the new value. A
// persist failure is logged, not returned (the interface has no error
// return since it is invoked from inside BucketTable merges); the
// in-memory counter remains authoritative for the life of the process.
func (m *NodeMetaManager) BumpIncarnation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc := m.incarnationLocked() + 1
	m.setIncarnationLocked(inc)
	return inc
}

// Incarnation implements gossip.IncarnationFence.
func (m *NodeMetaManager) Incarnation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incarnationLocked()
}

// SetIncarnation implements gossip.IncarnationFence: adopts n if it is not
// already behind the cached value.
func (m *NodeMetaManager) SetIncarnation(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= m.incarnationLocked() {
		return
	}
	m.setIncarnationLocked(n)
}

// OwnerInRemovePhase implements gossip.IncarnationFence.
func (m *NodeMetaManager) OwnerInRemovePhase() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, err := m.membershipLocked()
	if err != nil {
		return false
	}
	return mem.IsRemovePhase()
}

func (m *NodeMetaManager) incarnationLocked() uint64 {
	if m.incarnation != nil {
		return *m.incarnation
	}
	inc, err := m.getUint64Locked("incarnation", 0)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to load incarnation, defaulting to 0")
		inc = 0
	}
	m.incarnation = &inc
	return inc
}

func (m *NodeMetaManager) setIncarnationLocked(n uint64) {
	if err := m.putUint64Locked("incarnation", n); err != nil {
		m.logger.Warn().Err(err).Uint64("incarnation", n).Msg("failed to persist incarnation")
	}
	m.incarnation = &n
	if m.membership != nil {
		m.membership.Incarnation = n
	}
}

// SetPhase persists the node's lifecycle phase and updates the cached
// membership (initializing it first if this is the node's first start).
func (m *NodeMetaManager) SetPhase(phase membership.NodePhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.putLocked("phase", string(phase)); err != nil {
		return err
	}
	if m.membership == nil {
		mem, err := m.initMembershipLocked()
		if err != nil {
			return err
		}
		m.membership = &mem
	}
	m.membership.Phase = phase
	return nil
}

// SetTokens persists the node's vnode token set and updates the cached
// membership.
func (m *NodeMetaManager) SetTokens(tokens []space.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw := make([][]byte, len(tokens))
	for i, tk := range tokens {
		raw[i] = tk.Bytes()
	}
	if err := m.putLocked("tokens", raw); err != nil {
		return err
	}
	if m.membership == nil {
		mem, err := m.initMembershipLocked()
		if err != nil {
			return err
		}
		m.membership = &mem
	}
	m.membership.Tokens = tokens
	return nil
}

func (m *NodeMetaManager) initMembershipLocked() (membership.Membership, error) {
	epoch, err := m.getUint64Locked("epoch", 0)
	if err != nil {
		return membership.Membership{}, err
	}
	incarnation := m.incarnationLocked()

	nodeID, err := m.validateNodeIDLocked()
	if err != nil {
		return membership.Membership{}, err
	}
	size, err := m.validateSizeLocked()
	if err != nil {
		return membership.Membership{}, err
	}

	phaseStr, err := m.getStringLocked("phase", string(membership.PhaseIdle))
	if err != nil {
		return membership.Membership{}, err
	}

	tokens, err := m.getTokensLocked()
	if err != nil {
		return membership.Membership{}, err
	}

	return membership.Membership{
		Epoch:       epoch,
		Incarnation: incarnation,
		NodeID:      nodeID,
		Size:        size,
		Phase:       membership.NodePhase(phaseStr),
		Tokens:      tokens,
		PeerAddress: m.identity.PeerAddress,
	}, nil
}

func (m *NodeMetaManager) validateNodeIDLocked() (string, error) {
	raw, found, err := m.store.Get(systemKeyspace, []byte("node_id"))
	if err != nil {
		return "", fmt.Errorf("node: reading node_id: %w", err)
	}
	if !found {
		if err := m.putLocked("node_id", m.identity.NodeID); err != nil {
			return "", err
		}
		return m.identity.NodeID, nil
	}
	var stored string
	if err := m.ser.DeserializeInto(raw, &stored); err != nil {
		return "", fmt.Errorf("node: decoding persisted node_id: %w", err)
	}
	if stored != m.identity.NodeID {
		return "", fmt.Errorf(
			"node: persisted node_id %q does not match configured node_id %q; "+
				"a node cannot change identity once initialized, and this may "+
				"indicate it is starting with another node's configuration",
			stored, m.identity.NodeID,
		)
	}
	return stored, nil
}

func (m *NodeMetaManager) validateSizeLocked() (membership.NodeSize, error) {
	raw, found, err := m.store.Get(systemKeyspace, []byte("size"))
	if err != nil {
		return 0, fmt.Errorf("node: reading size: %w", err)
	}
	if !found {
		if err := m.putLocked("size", m.identity.Size.String()); err != nil {
			return 0, err
		}
		return m.identity.Size, nil
	}
	var stored string
	if err := m.ser.DeserializeInto(raw, &stored); err != nil {
		return 0, fmt.Errorf("node: decoding persisted size: %w", err)
	}
	storedSize, err := membership.ParseNodeSize(stored)
	if err != nil {
		return 0, fmt.Errorf("node: persisted size: %w", err)
	}
	if storedSize != m.identity.Size {
		return 0, fmt.Errorf(
			"node: persisted node.size %q does not match configured node.size %q; "+
				"changing a node's capacity class after initialization is not supported",
			storedSize, m.identity.Size,
		)
	}
	return storedSize, nil
}

func (m *NodeMetaManager) getTokensLocked() ([]space.Token, error) {
	raw, found, err := m.store.Get(systemKeyspace, []byte("tokens"))
	if err != nil {
		return nil, fmt.Errorf("node: reading tokens: %w", err)
	}
	if !found {
		return nil, nil
	}
	var encoded [][]byte
	if err := m.ser.DeserializeInto(raw, &encoded); err != nil {
		return nil, fmt.Errorf("node: decoding persisted tokens: %w", err)
	}
	tokens := make([]space.Token, len(encoded))
	for i, b := range encoded {
		tk, err := space.NewTokenFromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("node: decoding token %d: %w", i, err)
		}
		tokens[i] = tk
	}
	return tokens, nil
}

func (m *NodeMetaManager) getUint64Locked(key string, def uint64) (uint64, error) {
	raw, found, err := m.store.Get(systemKeyspace, []byte(key))
	if err != nil {
		return 0, fmt.Errorf("node: reading %s: %w", key, err)
	}
	if !found {
		return def, nil
	}
	var v uint64
	if err := m.ser.DeserializeInto(raw, &v); err != nil {
		return 0, fmt.Errorf("node: decoding %s: %w", key, err)
	}
	return v, nil
}

func (m *NodeMetaManager) getStringLocked(key, def string) (string, error) {
	raw, found, err := m.store.Get(systemKeyspace, []byte(key))
	if err != nil {
		return "", fmt.Errorf("node: reading %s: %w", key, err)
	}
	if !found {
		return def, nil
	}
	var v string
	if err := m.ser.DeserializeInto(raw, &v); err != nil {
		return "", fmt.Errorf("node: decoding %s: %w", key, err)
	}
	return v, nil
}

func (m *NodeMetaManager) putUint64Locked(key string, v uint64) error {
	return m.putLocked(key, v)
}

func (m *NodeMetaManager) putLocked(key string, v interface{}) error {
	encoded, err := m.ser.Serialize(v)
	if err != nil {
		return fmt.Errorf("node: encoding %s: %w", key, err)
	}
	if err := m.store.Put(systemKeyspace, []byte(key), encoded); err != nil {
		return fmt.Errorf("node: persisting %s: %w", key, err)
	}
	return nil
}
