package hlc

// ConflictResolver picks a winner among candidate clock readings for the
// same key. The only implementation the spec defines is Last-Writer-Wins,
// but it is modeled as an interface since VersionedStorage is built
// against it as a port.
type ConflictResolver interface {
	// Resolve returns the winning HLC among candidates, or ok=false if
	// candidates is empty.
	Resolve(candidates []HLC) (HLC, bool)
}

// LWWResolver resolves conflicts by picking the HLC that sorts last in the
// total order. Ties across distinct nodes are impossible because node_id
// participates in the order.
type LWWResolver struct{}

// Resolve implements ConflictResolver.
func (LWWResolver) Resolve(candidates []HLC) (HLC, bool) {
	if len(candidates) == 0 {
		return HLC{}, false
	}
	winner := candidates[0]
	for _, c := range candidates[1:] {
		if winner.Less(c) {
			winner = c
		}
	}
	return winner, true
}
