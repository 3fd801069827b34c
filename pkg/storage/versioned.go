package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cuemby/paravon/pkg/codec"
	"github.com/cuemby/paravon/pkg/hlc"
)

// Fixed sub-database names VersionedStorage partitions its Backend into.
var (
	DataSpace  = []byte("data")
	IndexSpace = []byte("index")
	MetaSpace  = []byte("meta")
)

var hlcMetaKey = []byte("hlc")

// VersionedStorage layers per-key multi-version storage, LWW conflict
// resolution, and HLC-ordered iteration over a single Backend. It owns
// exactly one HLC; per spec.md §5, mutations on a given VersionedStorage
// are not safe to call concurrently without external serialization, so
// every mutator here takes an internal mutex rather than relying on
// callers to coordinate.
type VersionedStorage struct {
	backend  Backend
	resolver hlc.ConflictResolver

	mu  sync.Mutex
	hlc hlc.HLC
}

// NewVersionedStorage constructs a VersionedStorage over backend, with its
// HLC recovered from MetaSpace if present, else Initial(nodeID).
func NewVersionedStorage(backend Backend, resolver hlc.ConflictResolver, nodeID string) (*VersionedStorage, error) {
	initial, err := recoverHLC(backend, nodeID)
	if err != nil {
		return nil, err
	}
	return &VersionedStorage{backend: backend, resolver: resolver, hlc: initial}, nil
}

func recoverHLC(backend Backend, nodeID string) (hlc.HLC, error) {
	raw, found, err := backend.Get(MetaSpace, hlcMetaKey)
	if err != nil {
		return hlc.HLC{}, err
	}
	if !found {
		return hlc.Initial(nodeID), nil
	}
	decoded, err := hlc.Decode(raw)
	if err != nil {
		return hlc.HLC{}, fmt.Errorf("storage: recovering persisted hlc: %w", err)
	}
	return decoded, nil
}

// Get performs a reverse scan of keyspace's latest version for key. A
// tombstoned key reads as absent.
func (vs *VersionedStorage) Get(keyspace, key []byte) ([]byte, bool, error) {
	prefix := codec.DataPrefix(keyspace, key)
	var latest []byte
	found := false
	err := vs.backend.Scan(DataSpace, ScanOptions{Prefix: prefix, Reverse: true, Limit: 1}, func(_, v []byte) (bool, error) {
		latest = append([]byte(nil), v...)
		found = true
		return false, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found || bytes.Equal(latest, codec.Tombstone) {
		return nil, false, nil
	}
	return latest, true, nil
}

// Put ticks the local HLC, then atomically writes the new data version,
// its index entry, and the persisted HLC.
func (vs *VersionedStorage) Put(keyspace, key, value []byte) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	items := vs.buildPutItems(keyspace, key, value)
	return vs.backend.PutMany(items)
}

// PutMany applies every (key,value) pair in items in one atomic batch,
// each tagged with its own freshly ticked HLC; all items must already
// share a single partition keyspace (PartitionedStorage enforces this
// before delegating here).
func (vs *VersionedStorage) PutMany(keyspace []byte, items []KV) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	batch := make([]BatchItem, 0, len(items)*2+1)
	for _, item := range items {
		batch = append(batch, vs.buildPutItems(keyspace, item.Key, item.Value)...)
	}
	return vs.backend.PutMany(batch)
}

// buildPutItems ticks the HLC and returns the data+index+meta batch for
// one (key,value) write. Caller must hold vs.mu.
func (vs *VersionedStorage) buildPutItems(keyspace, key, value []byte) []BatchItem {
	vs.hlc = vs.hlc.TickLocal(hlc.NowMillis())
	hlcBytes := vs.hlc.Encode()
	dataKey := codec.DataKey(keyspace, key, hlcBytes)
	indexKey := codec.IndexKey(keyspace, hlcBytes, key)
	return []BatchItem{
		{DB: DataSpace, Key: dataKey, Value: value},
		{DB: IndexSpace, Key: indexKey, Value: codec.Sentinel},
		{DB: MetaSpace, Key: hlcMetaKey, Value: hlcBytes},
	}
}

// Delete writes a tombstone version for key.
func (vs *VersionedStorage) Delete(keyspace, key []byte) error {
	return vs.Put(keyspace, key, codec.Tombstone)
}

// Iter scans keyspace's temporal index in HLC order (or reverse),
// resolving each index entry to its data value and invoking visit with
// (userKey, value). Index entries whose data is missing, or whose key
// framing is corrupted, are skipped rather than surfaced as an error.
func (vs *VersionedStorage) Iter(keyspace []byte, opts ScanOptions, visit func(userKey, value []byte) (bool, error)) error {
	scoped := scopeToKeyspace(keyspace, opts)
	return vs.backend.Scan(IndexSpace, scoped, func(k, _ []byte) (bool, error) {
		body := k[len(keyspace):]
		hlcBytes, userKey, err := codec.ParseIndexKey(body)
		if err != nil {
			return true, nil // skip corrupted entry, keep scanning
		}
		dataKey := codec.DataKey(keyspace, userKey, hlcBytes)
		value, found, err := vs.backend.Get(DataSpace, dataKey)
		if err != nil {
			return false, err
		}
		if !found {
			return true, nil // index entry without matching data: skip
		}
		return visit(userKey, value)
	})
}

// IterFromHLC streams (indexKey, userKey, value) triples from keyspace in
// increasing HLC order starting at fromHLC, inclusive. Used by
// anti-entropy to replay changes made after a given point in time.
func (vs *VersionedStorage) IterFromHLC(keyspace []byte, fromHLCBytes []byte, batchSize int, visit func(indexKey, userKey, value []byte) (bool, error)) error {
	opts := ScanOptions{
		Prefix:    keyspace,
		Start:     codec.IndexPrefix(keyspace, fromHLCBytes),
		BatchSize: batchSize,
	}
	return vs.backend.Scan(IndexSpace, opts, func(k, _ []byte) (bool, error) {
		body := k[len(keyspace):]
		hlcBytes, userKey, err := codec.ParseIndexKey(body)
		if err != nil {
			return true, nil
		}
		dataKey := codec.DataKey(keyspace, userKey, hlcBytes)
		value, found, err := vs.backend.Get(DataSpace, dataKey)
		if err != nil {
			return false, err
		}
		if !found {
			return true, nil
		}
		return visit(k, userKey, value)
	})
}

// ApplyRemote reconciles one remote (indexKey, value) pair received during
// anti-entropy: it merges the remote HLC into the local clock, resolves
// the conflict against the locally stored version for the same user key,
// and writes the remote version only if it wins. Idempotent: applying the
// same (indexKey, value) twice leaves the store in the same state.
func (vs *VersionedStorage) ApplyRemote(keyspace, indexKey, value []byte) (hlc.HLC, error) {
	body := indexKey[len(keyspace):]
	rHLCBytes, userKey, err := codec.ParseIndexKey(body)
	if err != nil {
		return hlc.HLC{}, fmt.Errorf("storage: apply_remote: %w", err)
	}
	remote, err := hlc.Decode(rHLCBytes)
	if err != nil {
		return hlc.HLC{}, fmt.Errorf("storage: apply_remote: decode remote hlc: %w", err)
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.hlc = vs.hlc.TickOnReceive(remote, hlc.NowMillis())

	localHLC, localFound, err := vs.latestHLCLocked(keyspace, userKey)
	if err != nil {
		return hlc.HLC{}, err
	}

	candidates := []hlc.HLC{remote}
	if localFound {
		candidates = append(candidates, localHLC)
	}
	winner, ok := vs.resolver.Resolve(candidates)
	if !ok {
		return hlc.HLC{}, fmt.Errorf("storage: apply_remote: resolver returned no winner")
	}

	metaItem := BatchItem{DB: MetaSpace, Key: hlcMetaKey, Value: vs.hlc.Encode()}
	if winner.Equal(remote) {
		dataKey := codec.DataKey(keyspace, userKey, rHLCBytes)
		idxKey := codec.IndexKey(keyspace, rHLCBytes, userKey)
		items := []BatchItem{
			{DB: DataSpace, Key: dataKey, Value: value},
			{DB: IndexSpace, Key: idxKey, Value: codec.Sentinel},
			metaItem,
		}
		if err := vs.backend.PutMany(items); err != nil {
			return hlc.HLC{}, err
		}
		return winner, nil
	}

	// Local wins: keep existing data, but still persist the ticked clock
	// so future local writes stay ordered after the observed remote one.
	if err := vs.backend.PutMany([]BatchItem{metaItem}); err != nil {
		return hlc.HLC{}, err
	}
	return winner, nil
}

// latestHLCLocked returns the HLC of the newest version of userKey.
// Caller must hold vs.mu.
func (vs *VersionedStorage) latestHLCLocked(keyspace, userKey []byte) (hlc.HLC, bool, error) {
	prefix := codec.DataPrefix(keyspace, userKey)
	var latest hlc.HLC
	found := false
	var scanErr error
	err := vs.backend.Scan(DataSpace, ScanOptions{Prefix: prefix, Reverse: true, Limit: 1}, func(k, _ []byte) (bool, error) {
		_, hlcBytes, perr := codec.ParseDataKey(k[len(keyspace):])
		if perr != nil {
			scanErr = perr
			return false, nil
		}
		decoded, derr := hlc.Decode(hlcBytes)
		if derr != nil {
			scanErr = derr
			return false, nil
		}
		latest = decoded
		found = true
		return false, nil
	})
	if err != nil {
		return hlc.HLC{}, false, err
	}
	if scanErr != nil {
		return hlc.HLC{}, false, scanErr
	}
	return latest, found, nil
}

func scopeToKeyspace(keyspace []byte, opts ScanOptions) ScanOptions {
	scoped := opts
	if len(opts.Prefix) > 0 {
		combined := make([]byte, 0, len(keyspace)+len(opts.Prefix))
		combined = append(combined, keyspace...)
		combined = append(combined, opts.Prefix...)
		scoped.Prefix = combined
	} else {
		scoped.Prefix = keyspace
	}
	if len(opts.Start) > 0 {
		// Start is expected to already be a fully-qualified key (e.g.
		// produced via codec.IndexPrefix(keyspace, ...)); pass through.
		scoped.Start = opts.Start
	}
	return scoped
}
