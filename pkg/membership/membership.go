package membership

import (
	"fmt"

	"github.com/cuemby/paravon/pkg/space"
)

// NodeSize is the capacity class of a node, in units of vnodes.
type NodeSize int

const (
	SizeXS  NodeSize = 1
	SizeS   NodeSize = 2
	SizeM   NodeSize = 4
	SizeL   NodeSize = 8
	SizeXL  NodeSize = 16
	SizeXXL NodeSize = 32
)

// String renders the size using its enum name, matching the Python
// original's `.name` serialization (NodeSize.name == "XS", "S", ...).
func (s NodeSize) String() string {
	switch s {
	case SizeXS:
		return "XS"
	case SizeS:
		return "S"
	case SizeM:
		return "M"
	case SizeL:
		return "L"
	case SizeXL:
		return "XL"
	case SizeXXL:
		return "XXL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ParseNodeSize parses the enum-name form produced by String().
func ParseNodeSize(s string) (NodeSize, error) {
	switch s {
	case "XS":
		return SizeXS, nil
	case "S":
		return SizeS, nil
	case "M":
		return SizeM, nil
	case "L":
		return SizeL, nil
	case "XL":
		return SizeXL, nil
	case "XXL":
		return SizeXXL, nil
	default:
		return 0, fmt.Errorf("membership: unknown node size %q", s)
	}
}

// NodePhase is a node's position in the join/drain state machine.
type NodePhase string

const (
	PhaseIdle     NodePhase = "idle"
	PhaseJoining  NodePhase = "joining"
	PhaseReady    NodePhase = "ready"
	PhaseDraining NodePhase = "draining"
	PhaseFailed   NodePhase = "failed"
)

// Membership is one node's record in the cluster's gossiped state.
type Membership struct {
	// Epoch is a per-node monotonically increasing counter versioning
	// this node's own record.
	Epoch uint64
	// Incarnation is the highest epoch the reporting node has observed
	// for any node; a ring-wide generation used for fencing.
	Incarnation uint64
	NodeID      string
	Size        NodeSize
	Phase       NodePhase
	Tokens      []space.Token
	PeerAddress string
}

// IsRemovePhase reports whether the membership is in a phase eligible for
// logical expiry once sufficiently stale (idle or draining).
func (m Membership) IsRemovePhase() bool {
	return m.Phase == PhaseIdle || m.Phase == PhaseDraining
}

// IsNewerThan implements the "newer than" ordering used by merge: strictly
// greater (epoch, incarnation), matching spec.md §4.4.
func (m Membership) IsNewerThan(o Membership) bool {
	if m.Epoch != o.Epoch {
		return m.Epoch > o.Epoch
	}
	return m.Incarnation > o.Incarnation
}

// ToMap renders the membership as the canonical wire shape this module's
// serializer round-trips through MsgPack.
func (m Membership) ToMap() map[string]interface{} {
	tokens := make([][]byte, len(m.Tokens))
	for i, tk := range m.Tokens {
		tokens[i] = tk.Bytes()
	}
	return map[string]interface{}{
		"epoch":        m.Epoch,
		"incarnation":  m.Incarnation,
		"node_id":      m.NodeID,
		"size":         m.Size.String(),
		"phase":        string(m.Phase),
		"tokens":       tokens,
		"peer_address": m.PeerAddress,
	}
}

// FromMap reconstructs a Membership from the map produced by ToMap (or an
// equivalent decoded MsgPack map). It returns an error on malformed input
// rather than panicking, since it is the boundary for untrusted peer data.
func FromMap(m map[string]interface{}) (Membership, error) {
	nodeID, _ := m["node_id"].(string)
	sizeStr, _ := m["size"].(string)
	size, err := ParseNodeSize(sizeStr)
	if err != nil {
		return Membership{}, err
	}
	phase, _ := m["phase"].(string)

	epoch, err := asUint64(m["epoch"])
	if err != nil {
		return Membership{}, fmt.Errorf("membership: epoch: %w", err)
	}
	incarnation, err := asUint64(m["incarnation"])
	if err != nil {
		return Membership{}, fmt.Errorf("membership: incarnation: %w", err)
	}

	var tokens []space.Token
	switch raw := m["tokens"].(type) {
	case [][]byte:
		tokens = make([]space.Token, len(raw))
		for i, b := range raw {
			tk, err := space.NewTokenFromBytes(b)
			if err != nil {
				return Membership{}, fmt.Errorf("membership: token %d: %w", i, err)
			}
			tokens[i] = tk
		}
	case []interface{}:
		tokens = make([]space.Token, len(raw))
		for i, v := range raw {
			b, ok := v.([]byte)
			if !ok {
				return Membership{}, fmt.Errorf("membership: token %d is not bytes", i)
			}
			tk, err := space.NewTokenFromBytes(b)
			if err != nil {
				return Membership{}, fmt.Errorf("membership: token %d: %w", i, err)
			}
			tokens[i] = tk
		}
	}

	peerAddress, _ := m["peer_address"].(string)

	return Membership{
		Epoch:       epoch,
		Incarnation: incarnation,
		NodeID:      nodeID,
		Size:        size,
		Phase:       NodePhase(phase),
		Tokens:      tokens,
		PeerAddress: peerAddress,
	}, nil
}

func asUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case int32:
		return uint64(n), nil
	case int:
		return uint64(n), nil
	case float64:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

// View is a peer's reported state collected during bootstrap, used to
// detect a coherent quorum before adopting a cluster snapshot.
type View struct {
	NodeID      string
	Incarnation uint64
	Checksums   map[uint64]uint32
	Address     string
}

// MembershipChange pairs the before/after snapshot of an updated record.
type MembershipChange struct {
	Before Membership
	After  Membership
}

// MembershipDiff summarizes the effect of a BucketTable merge.
type MembershipDiff struct {
	Added    []Membership
	Updated  []MembershipChange
	Removed  []Membership
	BucketID uint64
}

// Changed reports whether the diff represents any mutation at all.
func (d MembershipDiff) Changed() bool {
	return len(d.Added) > 0 || len(d.Updated) > 0 || len(d.Removed) > 0
}

// EmptyDiff returns a diff with no changes for the given bucket.
func EmptyDiff(bucketID uint64) MembershipDiff {
	return MembershipDiff{BucketID: bucketID}
}
