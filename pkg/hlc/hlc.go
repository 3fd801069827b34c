package hlc

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HLC is a hybrid logical clock reading: (physical_ms, logical, node_id).
// The zero value is not a valid clock; use Initial to construct one.
type HLC struct {
	Physical int64
	Logical  uint32
	NodeID   string
}

// Initial returns the starting clock for a freshly created store.
func Initial(nodeID string) HLC {
	return HLC{Physical: 0, Logical: 0, NodeID: nodeID}
}

// NowMillis returns the current wall-clock time in milliseconds, the input
// tick_local and tick_on_receive take as "now".
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Less reports whether h sorts strictly before o in the total order
// (physical, logical, node_id).
func (h HLC) Less(o HLC) bool {
	if h.Physical != o.Physical {
		return h.Physical < o.Physical
	}
	if h.Logical != o.Logical {
		return h.Logical < o.Logical
	}
	return h.NodeID < o.NodeID
}

// Equal reports field-wise equality.
func (h HLC) Equal(o HLC) bool {
	return h.Physical == o.Physical && h.Logical == o.Logical && h.NodeID == o.NodeID
}

// TickLocal advances the clock for a local event. nowMs is normally
// NowMillis(); it is a parameter so tests can supply a fixed value.
func (h HLC) TickLocal(nowMs int64) HLC {
	if nowMs > h.Physical {
		return HLC{Physical: nowMs, Logical: 0, NodeID: h.NodeID}
	}
	return HLC{Physical: h.Physical, Logical: h.Logical + 1, NodeID: h.NodeID}
}

// TickOnReceive merges a remote clock reading into the local one on
// message receipt, per the standard HLC merge rule.
func (h HLC) TickOnReceive(remote HLC, nowMs int64) HLC {
	pt := h.Physical
	if remote.Physical > pt {
		pt = remote.Physical
	}
	if nowMs > pt {
		pt = nowMs
	}

	var lt uint32
	switch {
	case pt == h.Physical && pt == remote.Physical:
		lt = max32(h.Logical, remote.Logical) + 1
	case pt == h.Physical && h.Physical > remote.Physical:
		lt = h.Logical + 1
	case pt == remote.Physical && remote.Physical > h.Physical:
		lt = remote.Logical + 1
	default:
		lt = 0
	}
	return HLC{Physical: pt, Logical: lt, NodeID: h.NodeID}
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// Encode serializes h as 8 bytes physical + 4 bytes logical + the raw
// node_id bytes, all big-endian. The node_id's length is implied by the
// slice length the caller records elsewhere (pkg/codec frames it with an
// explicit length prefix); Encode itself emits only the value bytes.
func (h HLC) Encode() []byte {
	out := make([]byte, 12+len(h.NodeID))
	binary.BigEndian.PutUint64(out[0:8], uint64(h.Physical))
	binary.BigEndian.PutUint32(out[8:12], h.Logical)
	copy(out[12:], h.NodeID)
	return out
}

// Decode parses the Encode layout. It requires at least 12 bytes.
func Decode(b []byte) (HLC, error) {
	if len(b) < 12 {
		return HLC{}, fmt.Errorf("hlc: encoded clock too short: %d bytes", len(b))
	}
	physical := int64(binary.BigEndian.Uint64(b[0:8]))
	logical := binary.BigEndian.Uint32(b[8:12])
	nodeID := string(b[12:])
	return HLC{Physical: physical, Logical: logical, NodeID: nodeID}, nil
}
