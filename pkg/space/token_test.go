package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBytesRoundTrip(t *testing.T) {
	original := HashSpace{}.Hash([]byte("node-1#3"))
	decoded, err := NewTokenFromBytes(original.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 0, original.Cmp(decoded))
}

func TestGenerateTokensDeterministicAndDistinct(t *testing.T) {
	hs := HashSpace{}
	a := hs.GenerateTokens("node-1", 4)
	b := hs.GenerateTokens("node-1", 4)
	require.Len(t, a, 4)
	for i := range a {
		assert.Equal(t, 0, a[i].Cmp(b[i]), "token generation must be deterministic for a given label and index")
	}

	seen := map[string]struct{}{}
	for _, tk := range a {
		seen[tk.String()] = struct{}{}
	}
	assert.Len(t, seen, 4, "tokens for distinct indices should not collide in practice")
}

func TestHashUint64ModInRange(t *testing.T) {
	hs := HashSpace{}
	for _, id := range []string{"node-1", "node-2", "node-3"} {
		m := hs.HashUint64Mod([]byte(id), 128)
		assert.Less(t, m, uint64(128))
	}
}
