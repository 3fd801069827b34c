package space

import (
	"crypto/md5" //nolint:gosec // MD5 used only as a fixed-width, uniformly-distributed hash, not for secrecy
	"fmt"
	"math/big"
)

// Token is a 128-bit unsigned integer identifying a position on the ring.
// It is kept as a big.Int internally so ring arithmetic (add, wrap-around
// comparisons) is exact; the wire encoding is always 16 bytes big-endian.
type Token struct {
	v *big.Int
}

var tokenModulus = new(big.Int).Lsh(big.NewInt(1), 128)

// ZeroToken is the additive identity of the 128-bit space.
func ZeroToken() Token {
	return Token{v: big.NewInt(0)}
}

// NewTokenFromBytes decodes a 16-byte big-endian token.
func NewTokenFromBytes(b []byte) (Token, error) {
	if len(b) != 16 {
		return Token{}, fmt.Errorf("space: token must be 16 bytes, got %d", len(b))
	}
	v := new(big.Int).SetBytes(b)
	return Token{v: v}, nil
}

// NewTokenFromBigInt wraps an existing big.Int, reducing it modulo 2^128.
func NewTokenFromBigInt(v *big.Int) Token {
	m := new(big.Int).Mod(v, tokenModulus)
	return Token{v: m}
}

// Bytes returns the 16-byte big-endian encoding of the token.
func (t Token) Bytes() []byte {
	out := make([]byte, 16)
	b := t.v.Bytes()
	copy(out[16-len(b):], b)
	return out
}

// BigInt returns the underlying big.Int value. Callers must not mutate it.
func (t Token) BigInt() *big.Int {
	if t.v == nil {
		return big.NewInt(0)
	}
	return t.v
}

// Cmp compares two tokens the same way big.Int.Cmp does.
func (t Token) Cmp(o Token) int {
	return t.BigInt().Cmp(o.BigInt())
}

// Add returns (t+y) mod 2^128.
func (t Token) Add(y Token) Token {
	sum := new(big.Int).Add(t.BigInt(), y.BigInt())
	return NewTokenFromBigInt(sum)
}

// Rshift returns t >> n, used by the partitioner to derive a partition id
// from a hash.
func (t Token) Rshift(n uint) *big.Int {
	return new(big.Int).Rsh(t.BigInt(), n)
}

// String renders the token as lowercase hex, matching pid_bytes style.
func (t Token) String() string {
	return fmt.Sprintf("%032x", t.BigInt())
}

// HashSpace is the 128-bit hash function shared by the ring, partitioner,
// and bucket table. The source uses MD5 of the input; any implementation
// is acceptable as long as every node in the cluster agrees, so this stays
// fixed across releases.
type HashSpace struct{}

// Hash returns the 128-bit MD5 digest of b as a Token.
func (HashSpace) Hash(b []byte) Token {
	sum := md5.Sum(b) //nolint:gosec
	return Token{v: new(big.Int).SetBytes(sum[:])}
}

// HashUint64Mod returns Hash(b) mod m as a uint64, used by BucketTable's
// bucket_for(node_id) = hash(node_id) mod N.
func (h HashSpace) HashUint64Mod(b []byte, m uint64) uint64 {
	tok := h.Hash(b)
	mod := new(big.Int).Mod(tok.BigInt(), new(big.Int).SetUint64(m))
	return mod.Uint64()
}

// Token derives the vnode token for (label, index): hash(label || "#" || i).
func (h HashSpace) Token(label string, index int) Token {
	input := fmt.Sprintf("%s#%d", label, index)
	return h.Hash([]byte(input))
}

// GenerateTokens yields `size` deterministic tokens for node_id, one per
// vnode index 0..size-1. Collisions across distinct node_ids are
// astronomically unlikely over the 128-bit space and are left unhandled,
// matching the source.
func (h HashSpace) GenerateTokens(nodeID string, size int) []Token {
	tokens := make([]Token, size)
	for i := 0; i < size; i++ {
		tokens[i] = h.Token(nodeID, i)
	}
	return tokens
}

// InInterval reports whether h lies in (lo, hi], treating hi < lo as a
// wrap-around interval that crosses the 0 boundary.
func InInterval(h, lo, hi Token) bool {
	if hi.Cmp(lo) >= 0 {
		return h.Cmp(lo) > 0 && h.Cmp(hi) <= 0
	}
	return h.Cmp(lo) > 0 || h.Cmp(hi) <= 0
}
