package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickLocalAdvancesPhysicalOrLogical(t *testing.T) {
	h := Initial("A")
	h = h.TickLocal(100)
	assert.Equal(t, HLC{Physical: 100, Logical: 0, NodeID: "A"}, h)

	h2 := h.TickLocal(100)
	assert.Equal(t, HLC{Physical: 100, Logical: 1, NodeID: "A"}, h2)

	h3 := h2.TickLocal(50)
	assert.Equal(t, HLC{Physical: 100, Logical: 2, NodeID: "A"}, h3, "now_ms not greater than physical bumps logical")
}

func TestTickOnReceiveBranches(t *testing.T) {
	t.Run("all equal physical", func(t *testing.T) {
		local := HLC{Physical: 10, Logical: 2, NodeID: "A"}
		remote := HLC{Physical: 10, Logical: 4, NodeID: "B"}
		got := local.TickOnReceive(remote, 5)
		assert.Equal(t, HLC{Physical: 10, Logical: 5, NodeID: "A"}, got)
	})

	t.Run("local physical dominates", func(t *testing.T) {
		local := HLC{Physical: 20, Logical: 2, NodeID: "A"}
		remote := HLC{Physical: 10, Logical: 9, NodeID: "B"}
		got := local.TickOnReceive(remote, 5)
		assert.Equal(t, HLC{Physical: 20, Logical: 3, NodeID: "A"}, got)
	})

	t.Run("remote physical dominates", func(t *testing.T) {
		local := HLC{Physical: 10, Logical: 9, NodeID: "A"}
		remote := HLC{Physical: 20, Logical: 2, NodeID: "B"}
		got := local.TickOnReceive(remote, 5)
		assert.Equal(t, HLC{Physical: 20, Logical: 3, NodeID: "A"}, got)
	})

	t.Run("now dominates both", func(t *testing.T) {
		local := HLC{Physical: 10, Logical: 9, NodeID: "A"}
		remote := HLC{Physical: 12, Logical: 2, NodeID: "B"}
		got := local.TickOnReceive(remote, 100)
		assert.Equal(t, HLC{Physical: 100, Logical: 0, NodeID: "A"}, got)
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := HLC{Physical: 1234567890, Logical: 7, NodeID: "node-abc"}
	decoded, err := Decode(h.Encode())
	require.NoError(t, err)
	assert.True(t, h.Equal(decoded))
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

// Scenario 4 from the spec: with h1=(10,0,"A") and h2=(10,1,"B"),
// LWW.resolve([h1,h2]) == h2; adding h3=(11,0,"A") makes h3 the winner.
func TestLWWResolverScenario(t *testing.T) {
	h1 := HLC{Physical: 10, Logical: 0, NodeID: "A"}
	h2 := HLC{Physical: 10, Logical: 1, NodeID: "B"}
	h3 := HLC{Physical: 11, Logical: 0, NodeID: "A"}

	resolver := LWWResolver{}

	winner, ok := resolver.Resolve([]HLC{h1, h2})
	require.True(t, ok)
	assert.True(t, winner.Equal(h2))

	winner, ok = resolver.Resolve([]HLC{h1, h2, h3})
	require.True(t, ok)
	assert.True(t, winner.Equal(h3))
}

func TestLWWResolverEmpty(t *testing.T) {
	_, ok := LWWResolver{}.Resolve(nil)
	assert.False(t, ok)
}
