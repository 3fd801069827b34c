// Package space implements the 128-bit hash space shared by every node in
// the cluster: the hash function, token generation, the consistent-hash
// ring, and the partitioner that maps the space into fixed logical
// partitions.
//
// Layout:
//
//	HashSpace  -- hash(bytes) -> 128-bit token, token(label, i)
//	VNode      -- (node_id, token) pair; a position on the ring
//	Ring       -- immutable, sorted-by-token sequence of VNodes
//	Partitioner -- divides the space into 1<<partition_shift fixed segments
//
// All Ring operations are pure: mutators return a new Ring rather than
// mutating the receiver, so a TopologyManager can swap the ring snapshot
// under its write lock without readers observing a half-updated structure.
package space
