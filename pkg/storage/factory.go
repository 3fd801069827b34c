package storage

import (
	"fmt"
	"sync"

	"github.com/cuemby/paravon/pkg/hlc"
)

// BoltBackendFactory lazily opens and caches one BoltBackend per id under
// a shared data directory.
type BoltBackendFactory struct {
	dataDir      string
	maxKeyspaces uint64

	mu       sync.Mutex
	backends map[string]*BoltBackend
}

var _ BackendFactory = (*BoltBackendFactory)(nil)

// NewBoltBackendFactory builds a factory rooted at dataDir. maxKeyspaces
// is the number of partition keyspaces PartitionedStorage packs into each
// backend before advancing to the next env_index.
func NewBoltBackendFactory(dataDir string, maxKeyspaces uint64) *BoltBackendFactory {
	return &BoltBackendFactory{
		dataDir:      dataDir,
		maxKeyspaces: maxKeyspaces,
		backends:     make(map[string]*BoltBackend),
	}
}

// MaxKeyspaces implements BackendFactory.
func (f *BoltBackendFactory) MaxKeyspaces() uint64 {
	return f.maxKeyspaces
}

// Get returns the cached backend for id, opening it on first use.
func (f *BoltBackendFactory) Get(id string) (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.backends[id]; ok {
		return b, nil
	}
	b, err := OpenBoltBackend(BoltBackendPath(f.dataDir, id))
	if err != nil {
		return nil, err
	}
	f.backends[id] = b
	return b, nil
}

// Close closes every backend opened so far.
func (f *BoltBackendFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for id, b := range f.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: closing backend %s: %w", id, err)
		}
	}
	f.backends = make(map[string]*BoltBackend)
	return firstErr
}

// VersionedStorageFactory caches one VersionedStorage per env_index id,
// each recovering its own HLC lazily from its backend's meta keyspace on
// first access, matching the source's per-store HLC caching
// (core/storage/versioned.py:VersionedStorageFactory).
type VersionedStorageFactory struct {
	backends BackendFactory
	resolver hlc.ConflictResolver
	nodeID   string

	mu     sync.Mutex
	stores map[string]*VersionedStorage
}

// NewVersionedStorageFactory builds a factory over backends, resolving
// conflicts with resolver and stamping freshly recovered clocks with
// nodeID.
func NewVersionedStorageFactory(backends BackendFactory, resolver hlc.ConflictResolver, nodeID string) *VersionedStorageFactory {
	return &VersionedStorageFactory{
		backends: backends,
		resolver: resolver,
		nodeID:   nodeID,
		stores:   make(map[string]*VersionedStorage),
	}
}

// MaxKeyspaces exposes the inner BackendFactory's setting so
// PartitionedStorage can compute env_index without a second dependency.
func (f *VersionedStorageFactory) MaxKeyspaces() uint64 {
	return f.backends.MaxKeyspaces()
}

// Get returns the cached VersionedStorage for sid, constructing one over a
// freshly-or-previously-opened Backend on first use.
func (f *VersionedStorageFactory) Get(sid string) (*VersionedStorage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vs, ok := f.stores[sid]; ok {
		return vs, nil
	}
	backend, err := f.backends.Get(sid)
	if err != nil {
		return nil, err
	}
	vs, err := NewVersionedStorage(backend, f.resolver, f.nodeID)
	if err != nil {
		return nil, err
	}
	f.stores[sid] = vs
	return vs, nil
}

// Close closes the underlying BackendFactory; VersionedStorage instances
// hold no resources of their own beyond their backend.
func (f *VersionedStorageFactory) Close() error {
	return f.backends.Close()
}
