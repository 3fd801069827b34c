package space

import "sort"

// Ring is an immutable, ascending-by-token sequence of VNodes. Every
// mutator (AddVNodes, DropNodes) returns a new Ring; the receiver is never
// modified, so a TopologyManager can swap the current ring under its write
// lock without racing readers holding the previous snapshot.
type Ring struct {
	vnodes []VNode
}

// NewRing builds a Ring from an arbitrary (possibly unsorted) vnode slice.
func NewRing(vnodes []VNode) Ring {
	sorted := make([]VNode, len(vnodes))
	copy(sorted, vnodes)
	sortVNodes(sorted)
	return Ring{vnodes: sorted}
}

// EmptyRing returns a Ring with no vnodes.
func EmptyRing() Ring {
	return Ring{}
}

func sortVNodes(vs []VNode) {
	sort.Slice(vs, func(i, j int) bool {
		return vs[i].Token.Cmp(vs[j].Token) < 0
	})
}

// Len returns the number of vnodes on the ring.
func (r Ring) Len() int {
	return len(r.vnodes)
}

// At returns the vnode at position i (0 <= i < Len()).
func (r Ring) At(i int) VNode {
	return r.vnodes[i]
}

// All returns a copy of the underlying vnode slice in ascending token order.
func (r Ring) All() []VNode {
	out := make([]VNode, len(r.vnodes))
	copy(out, r.vnodes)
	return out
}

// FindSuccessor returns the first vnode whose token is strictly greater
// than tok, wrapping to index 0 if tok is greater than or equal to the
// maximum token on the ring. The ring must be non-empty.
func (r Ring) FindSuccessor(tok Token) (VNode, bool) {
	if len(r.vnodes) == 0 {
		return VNode{}, false
	}
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].Token.Cmp(tok) > 0
	})
	if idx == len(r.vnodes) {
		idx = 0
	}
	return r.vnodes[idx], true
}

// AddVNodes returns a new Ring with vs merged in, sorted by token. vs is
// sorted locally first, then linearly merged with the existing list (both
// are already sorted, so this is a standard merge-join).
func (r Ring) AddVNodes(vs []VNode) Ring {
	if len(vs) == 0 {
		return r
	}
	incoming := make([]VNode, len(vs))
	copy(incoming, vs)
	sortVNodes(incoming)

	merged := make([]VNode, 0, len(r.vnodes)+len(incoming))
	i, j := 0, 0
	for i < len(r.vnodes) && j < len(incoming) {
		if r.vnodes[i].Token.Cmp(incoming[j].Token) <= 0 {
			merged = append(merged, r.vnodes[i])
			i++
		} else {
			merged = append(merged, incoming[j])
			j++
		}
	}
	merged = append(merged, r.vnodes[i:]...)
	merged = append(merged, incoming[j:]...)
	return Ring{vnodes: merged}
}

// DropNodes returns a new Ring with every vnode whose NodeID is in ids
// removed.
func (r Ring) DropNodes(ids map[string]struct{}) Ring {
	if len(ids) == 0 {
		return r
	}
	kept := make([]VNode, 0, len(r.vnodes))
	for _, v := range r.vnodes {
		if _, drop := ids[v.NodeID]; !drop {
			kept = append(kept, v)
		}
	}
	return Ring{vnodes: kept}
}

// IterFrom returns the ring's vnodes in circular order starting at the
// first vnode whose token is >= start.Token, wrapping around once it
// reaches the end. Returns nil for an empty ring.
func (r Ring) IterFrom(start VNode) []VNode {
	n := len(r.vnodes)
	if n == 0 {
		return nil
	}
	idx := sort.Search(n, func(i int) bool {
		return r.vnodes[i].Token.Cmp(start.Token) >= 0
	})
	if idx == n {
		idx = 0
	}
	out := make([]VNode, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.vnodes[(idx+i)%n])
	}
	return out
}

// PreferenceList walks the ring starting at start, collecting vnodes that
// belong to distinct node_ids until rf distinct owners have been found (or
// the ring is exhausted, whichever comes first). Used for replica
// placement only; replication itself is out of scope.
func (r Ring) PreferenceList(start VNode, rf int) []VNode {
	if rf <= 0 {
		return nil
	}
	seen := make(map[string]struct{}, rf)
	out := make([]VNode, 0, rf)
	for _, v := range r.IterFrom(start) {
		if _, ok := seen[v.NodeID]; ok {
			continue
		}
		seen[v.NodeID] = struct{}{}
		out = append(out, v)
		if len(out) == rf {
			break
		}
	}
	return out
}
