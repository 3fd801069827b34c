// Package storage implements the HLC-versioned, partition-routed storage
// layer: the byte-oriented Backend port, VersionedStorage built on top of
// it, PartitionedStorage routing by partition id, and a bbolt-backed
// Backend implementation standing in for the spec's LMDB reference.
package storage

import "bytes"

// BatchItem is one write within an atomic multi-entry update.
type BatchItem struct {
	DB    []byte
	Key   []byte
	Value []byte
}

// KV is a single user key/value pair, used by Storage.PutMany.
type KV struct {
	Key   []byte
	Value []byte
}

// ScanOptions configures a Backend.Scan or Storage.Iter call.
type ScanOptions struct {
	// Prefix restricts the scan to keys sharing this prefix. Empty means
	// unrestricted.
	Prefix []byte
	// Start, if set, is the first key considered (forward scans) or the
	// highest key considered (reverse scans), inclusive.
	Start []byte
	// Reverse scans in descending key order.
	Reverse bool
	// Limit bounds the number of entries visited; 0 means unlimited.
	Limit int
	// BatchSize is advisory, documenting the implementation's intended
	// round-trip granularity; callers that need true incremental fetch
	// should bound Limit per call and resume with Start instead.
	BatchSize int
}

// Visitor is invoked once per scanned entry. Returning cont=false stops
// the scan early without error; returning a non-nil error aborts it.
type Visitor func(key, value []byte) (cont bool, err error)

// Backend is the byte-oriented keyspaced storage port VersionedStorage is
// built over. db selects one of a small, fixed set of named
// sub-databases (VersionedStorage uses "data", "index", and "meta");
// callers fold any further keyspacing (partition id) into key.
type Backend interface {
	Get(db, key []byte) (value []byte, found bool, err error)
	Put(db, key, value []byte) error
	PutMany(items []BatchItem) error
	Delete(db, key []byte) error
	Scan(db []byte, opts ScanOptions, visit Visitor) error
	Close() error
}

// BackendFactory produces and caches Backend instances keyed by an
// arbitrary string id. VersionedStorageFactory keys it by env_index so
// that every partition sharing an env_index shares one Backend (and one
// HLC).
type BackendFactory interface {
	// MaxKeyspaces is the number of partition keyspaces hosted per
	// Backend before PartitionedStorage rolls over to the next env_index.
	MaxKeyspaces() uint64
	Get(id string) (Backend, error)
	Close() error
}

// Storage is the partition-routing-facing port: what PartitionedStorage
// implements and what the transport's request handlers consume.
type Storage interface {
	Get(keyspace, key []byte) (value []byte, found bool, err error)
	Put(keyspace, key, value []byte) error
	PutMany(keyspace []byte, items []KV) error
	Delete(keyspace, key []byte) error
	// Iter streams (userKey, value) pairs from keyspace, matching the
	// semantics of VersionedStorage.Iter.
	Iter(keyspace []byte, opts ScanOptions, visit func(userKey, value []byte) (cont bool, err error)) error
	Close() error
}

func hasPrefix(key, prefix []byte) bool {
	return bytes.HasPrefix(key, prefix)
}
