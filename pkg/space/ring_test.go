package space

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tok(n int64) Token {
	return NewTokenFromBigInt(big.NewInt(n))
}

func TestRingFindSuccessorWrapsAround(t *testing.T) {
	r := NewRing([]VNode{
		{NodeID: "A", Token: tok(50)},
		{NodeID: "B", Token: tok(150)},
		{NodeID: "C", Token: tok(250)},
	})

	succ, ok := r.FindSuccessor(tok(100))
	require.True(t, ok)
	assert.Equal(t, "B", succ.NodeID)

	succ, ok = r.FindSuccessor(tok(250))
	require.True(t, ok)
	assert.Equal(t, "A", succ.NodeID, "token >= max token wraps to index 0")

	succ, ok = r.FindSuccessor(tok(999))
	require.True(t, ok)
	assert.Equal(t, "A", succ.NodeID)
}

func TestRingFindSuccessorEmptyRing(t *testing.T) {
	r := EmptyRing()
	_, ok := r.FindSuccessor(tok(1))
	assert.False(t, ok)
}

func TestRingAddVNodesMergesSorted(t *testing.T) {
	r := NewRing([]VNode{{NodeID: "A", Token: tok(10)}, {NodeID: "C", Token: tok(30)}})
	r2 := r.AddVNodes([]VNode{{NodeID: "B", Token: tok(20)}})

	require.Equal(t, 3, r2.Len())
	assert.Equal(t, "A", r2.At(0).NodeID)
	assert.Equal(t, "B", r2.At(1).NodeID)
	assert.Equal(t, "C", r2.At(2).NodeID)

	// original ring is untouched
	assert.Equal(t, 2, r.Len())
}

func TestRingDropNodes(t *testing.T) {
	r := NewRing([]VNode{
		{NodeID: "A", Token: tok(10)},
		{NodeID: "B", Token: tok(20)},
		{NodeID: "B", Token: tok(25)},
		{NodeID: "C", Token: tok(30)},
	})
	r2 := r.DropNodes(map[string]struct{}{"B": {}})
	require.Equal(t, 2, r2.Len())
	assert.Equal(t, "A", r2.At(0).NodeID)
	assert.Equal(t, "C", r2.At(1).NodeID)
}

func TestRingPreferenceListDistinctOwners(t *testing.T) {
	r := NewRing([]VNode{
		{NodeID: "A", Token: tok(10)},
		{NodeID: "A", Token: tok(15)},
		{NodeID: "B", Token: tok(20)},
		{NodeID: "C", Token: tok(30)},
	})
	pl := r.PreferenceList(VNode{NodeID: "A", Token: tok(10)}, 3)
	require.Len(t, pl, 3)
	assert.Equal(t, "A", pl[0].NodeID)
	assert.Equal(t, "B", pl[1].NodeID)
	assert.Equal(t, "C", pl[2].NodeID)
}

func TestRingPreferenceListWrapsAndStopsShortOfRF(t *testing.T) {
	r := NewRing([]VNode{
		{NodeID: "A", Token: tok(10)},
		{NodeID: "B", Token: tok(20)},
	})
	pl := r.PreferenceList(VNode{NodeID: "B", Token: tok(20)}, 5)
	assert.Len(t, pl, 2, "only two distinct owners exist on the ring")
}

func TestInInterval(t *testing.T) {
	assert.True(t, InInterval(tok(5), tok(0), tok(10)))
	assert.False(t, InInterval(tok(0), tok(0), tok(10)))
	assert.True(t, InInterval(tok(10), tok(0), tok(10)))
	// wrap-around: hi < lo
	assert.True(t, InInterval(tok(1), tok(250), tok(5)))
	assert.True(t, InInterval(tok(255), tok(250), tok(5)))
	assert.False(t, InInterval(tok(100), tok(250), tok(5)))
}
