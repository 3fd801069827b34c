// Package hlc implements the hybrid logical clock used to order writes
// across the cluster and the Last-Writer-Wins resolver built on top of it.
//
// An HLC totally orders events as (physical_ms, logical, node_id). A
// VersionedStorage owns exactly one HLC and serializes every tick through
// it (see pkg/storage); this package has no concurrency of its own.
package hlc
