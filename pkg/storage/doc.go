/*
Package storage implements the HLC-versioned, partition-routed storage
layer: the byte-oriented Backend port, VersionedStorage built on top of
it, PartitionedStorage routing by partition id, and a bbolt-backed
Backend implementation standing in for the spec's LMDB reference.

# Architecture

	┌─────────────────────── PartitionedStorage ───────────────────────┐
	│  routes by keyspace (hex partition id) → VersionedStorageFactory  │
	│  env_index = pid / max_keyspaces selects the inner Backend        │
	└──────────────────────────────┬────────────────────────────────────┘
	                               │
	┌──────────────────────────────▼────────────────────────────────────┐
	│                       VersionedStorage                            │
	│  get: reverse-scan the "data" keyspace's latest version           │
	│  put: tick the HLC, write data + index entries + persisted HLC    │
	│  atomically via one Backend.PutMany batch                         │
	└──────────────────────────────┬────────────────────────────────────┘
	                               │
	┌──────────────────────────────▼────────────────────────────────────┐
	│                        Backend (bbolt)                            │
	│  "data"/"index"/"meta" top-level buckets, one bbolt.DB per         │
	│  env_index; Scan walks a cursor with prefix seek inside one read   │
	│  transaction (ScanOptions.BatchSize is not consulted)             │
	└────────────────────────────────────────────────────────────────────┘

# Persisted layout

  - System keyspace ("system"): node_id, size, phase, epoch, incarnation,
    tokens — written directly through a dedicated Backend by
    pkg/node.NodeMetaManager, never through VersionedStorage.
  - Per-partition keyspace (lowercase hex pid): data/index/meta entries
    per pkg/codec's key framing, one HLC-tagged version per write.

# See also

  - pkg/codec for the data/index key framing VersionedStorage builds on.
  - pkg/hlc for the clock and conflict resolution VersionedStorage uses.
  - pkg/space for the Partitioner that turns a key into a partition id
    and pkg/kvservice for the client-facing get/put/delete handlers that
    resolve ownership before reaching this package.
*/
package storage
