package storage

import (
	"fmt"
	"strconv"

	"github.com/cuemby/paravon/pkg/metrics"
)

// ErrKeyspaceMismatch reports a batch whose items span more than one
// partition keyspace; batched writes must stay within one VersionedStorage
// to remain atomic. PartitionedStorage.PutMany takes a single keyspace for
// all of its items, so it never returns this error.
var ErrKeyspaceMismatch = fmt.Errorf("storage: put_many requires a single keyspace per call")

// PartitionedStorage routes operations by partition keyspace (hex pid) to
// the inner VersionedStorage family: env_index = pid / max_keyspaces
// selects which VersionedStorage hosts that partition.
type PartitionedStorage struct {
	factory *VersionedStorageFactory
}

var _ Storage = (*PartitionedStorage)(nil)

// NewPartitionedStorage builds a PartitionedStorage over factory.
func NewPartitionedStorage(factory *VersionedStorageFactory) *PartitionedStorage {
	return &PartitionedStorage{factory: factory}
}

// SelectBackend resolves the VersionedStorage hosting keyspace (hex pid).
func (p *PartitionedStorage) SelectBackend(keyspace []byte) (*VersionedStorage, error) {
	pid, err := strconv.ParseUint(string(keyspace), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("storage: keyspace %q is not a hex partition id: %w", keyspace, err)
	}
	maxKeyspaces := p.factory.MaxKeyspaces()
	if maxKeyspaces == 0 {
		maxKeyspaces = 1
	}
	envIndex := pid / maxKeyspaces
	return p.factory.Get(strconv.FormatUint(envIndex, 10))
}

// Get implements Storage.
func (p *PartitionedStorage) Get(keyspace, key []byte) ([]byte, bool, error) {
	metrics.StorageOpsTotal.WithLabelValues("get").Inc()
	vs, err := p.SelectBackend(keyspace)
	if err != nil {
		return nil, false, err
	}
	return vs.Get(keyspace, key)
}

// Put implements Storage.
func (p *PartitionedStorage) Put(keyspace, key, value []byte) error {
	metrics.StorageOpsTotal.WithLabelValues("put").Inc()
	vs, err := p.SelectBackend(keyspace)
	if err != nil {
		return err
	}
	return vs.Put(keyspace, key, value)
}

// PutMany implements Storage. All items are written in one batch against
// the single VersionedStorage owning keyspace.
func (p *PartitionedStorage) PutMany(keyspace []byte, items []KV) error {
	metrics.StorageOpsTotal.WithLabelValues("put_many").Inc()
	vs, err := p.SelectBackend(keyspace)
	if err != nil {
		return err
	}
	return vs.PutMany(keyspace, items)
}

// Delete implements Storage.
func (p *PartitionedStorage) Delete(keyspace, key []byte) error {
	metrics.StorageOpsTotal.WithLabelValues("delete").Inc()
	vs, err := p.SelectBackend(keyspace)
	if err != nil {
		return err
	}
	return vs.Delete(keyspace, key)
}

// Iter implements Storage.
func (p *PartitionedStorage) Iter(keyspace []byte, opts ScanOptions, visit func(userKey, value []byte) (bool, error)) error {
	metrics.StorageOpsTotal.WithLabelValues("iter").Inc()
	vs, err := p.SelectBackend(keyspace)
	if err != nil {
		return err
	}
	return vs.Iter(keyspace, opts, visit)
}

// Close implements Storage, closing the underlying factory (and therefore
// every backend it opened).
func (p *PartitionedStorage) Close() error {
	return p.factory.Close()
}
