package space

import (
	"fmt"
	"math/big"
)

// LogicalPartition is a fixed half-open interval (start, end] of the
// 128-bit hash space, identified by pid. PIDBytes is the lowercase hex
// encoding of pid with no leading zeros, used as the storage keyspace
// prefix for everything that partition owns.
type LogicalPartition struct {
	PID   uint64
	Start Token
	End   Token
}

// PIDBytes returns the lowercase-hex ASCII encoding of pid, stable across
// releases: it becomes the partition's storage keyspace prefix.
func (p LogicalPartition) PIDBytes() []byte {
	return []byte(fmt.Sprintf("%x", p.PID))
}

// Contains reports whether h falls in (start, end].
func (p LogicalPartition) Contains(h Token) bool {
	return h.Cmp(p.Start) > 0 && h.Cmp(p.End) <= 0
}

// PartitionPlacement is the resolved owner of a key: the logical partition
// it hashes into, and the vnode that owns that partition (the ring
// successor of the partition's end token).
type PartitionPlacement struct {
	Partition LogicalPartition
	VNode     VNode
}

// Keyspace returns the storage keyspace prefix for this placement's
// partition.
func (p PartitionPlacement) Keyspace() []byte {
	return p.Partition.PIDBytes()
}

// Partitioner divides the 128-bit hash space into a fixed number of
// logical partitions, Q = 1 << partitionShift, each of equal step
// 2^128 / Q.
type Partitioner struct {
	shift uint
	space HashSpace
	step  *big.Int
}

// NewPartitioner builds a Partitioner for the given partition_shift.
func NewPartitioner(partitionShift uint) Partitioner {
	total := new(big.Int).Lsh(big.NewInt(1), 128)
	q := new(big.Int).Lsh(big.NewInt(1), partitionShift)
	step := new(big.Int).Div(total, q)
	return Partitioner{shift: partitionShift, space: HashSpace{}, step: step}
}

// TotalPartitions returns 1 << partition_shift.
func (p Partitioner) TotalPartitions() uint64 {
	return uint64(1) << p.shift
}

// PIDForHash returns h >> (128 - shift), the partition id owning hash h.
func (p Partitioner) PIDForHash(h Token) uint64 {
	return h.Rshift(128 - p.shift).Uint64()
}

// SegmentForPID returns the (start, end] interval owned by pid.
func (p Partitioner) SegmentForPID(pid uint64) LogicalPartition {
	start := new(big.Int).Mul(big.NewInt(int64(pid)), p.step)
	end := new(big.Int).Mul(big.NewInt(int64(pid)+1), p.step)
	return LogicalPartition{
		PID:   pid,
		Start: NewTokenFromBigInt(start),
		End:   NewTokenFromBigInt(end),
	}
}

// PartitionForHash resolves the LogicalPartition owning hash h.
func (p Partitioner) PartitionForHash(h Token) LogicalPartition {
	return p.SegmentForPID(p.PIDForHash(h))
}

// FindPartitionByKey hashes key and resolves its owning LogicalPartition.
func (p Partitioner) FindPartitionByKey(key []byte) LogicalPartition {
	h := p.space.Hash(key)
	return p.PartitionForHash(h)
}

// FindPlacementByKey resolves both the logical partition owning key and
// the vnode (ring successor of the partition's end token) that owns it.
func (p Partitioner) FindPlacementByKey(key []byte, r Ring) (PartitionPlacement, bool) {
	partition := p.FindPartitionByKey(key)
	vn, ok := r.FindSuccessor(partition.End)
	if !ok {
		return PartitionPlacement{}, false
	}
	return PartitionPlacement{Partition: partition, VNode: vn}, true
}
