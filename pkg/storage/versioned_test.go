package storage

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/paravon/pkg/codec"
	"github.com/cuemby/paravon/pkg/hlc"
	"github.com/stretchr/testify/require"
)

func newTestVersionedStorage(t *testing.T) *VersionedStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	backend, err := OpenBoltBackend(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	vs, err := NewVersionedStorage(backend, hlc.LWWResolver{}, "node-1")
	require.NoError(t, err)
	return vs
}

func TestVersionedStoragePutGetOverwriteDelete(t *testing.T) {
	vs := newTestVersionedStorage(t)
	ks := []byte("3f")

	require.NoError(t, vs.Put(ks, []byte("k"), []byte("v1")))
	v, found, err := vs.Get(ks, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, vs.Put(ks, []byte("k"), []byte("v2")))
	v, found, err = vs.Get(ks, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v)

	require.NoError(t, vs.Delete(ks, []byte("k")))
	_, found, err = vs.Get(ks, []byte("k"))
	require.NoError(t, err)
	require.False(t, found, "deleted key reads as absent")
}

func TestVersionedStorageGetMissingKey(t *testing.T) {
	vs := newTestVersionedStorage(t)
	_, found, err := vs.Get([]byte("1"), []byte("nope"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestVersionedStorageIterYieldsInHLCOrder(t *testing.T) {
	vs := newTestVersionedStorage(t)
	ks := []byte("2")

	require.NoError(t, vs.Put(ks, []byte("a"), []byte("1")))
	require.NoError(t, vs.Put(ks, []byte("b"), []byte("2")))
	require.NoError(t, vs.Put(ks, []byte("a"), []byte("3")))

	var keys []string
	var values []string
	err := vs.Iter(ks, ScanOptions{}, func(userKey, value []byte) (bool, error) {
		keys = append(keys, string(userKey))
		values = append(values, string(value))
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "a"}, keys)
	require.Equal(t, []string{"1", "2", "3"}, values)
}

func TestVersionedStorageIterFromHLCStreamsSubset(t *testing.T) {
	vs := newTestVersionedStorage(t)
	ks := []byte("4")

	require.NoError(t, vs.Put(ks, []byte("a"), []byte("1")))
	midHLC := vs.hlc
	require.NoError(t, vs.Put(ks, []byte("b"), []byte("2")))
	require.NoError(t, vs.Put(ks, []byte("c"), []byte("3")))

	var userKeys []string
	err := vs.IterFromHLC(ks, midHLC.Encode(), 0, func(_, userKey, _ []byte) (bool, error) {
		userKeys = append(userKeys, string(userKey))
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, userKeys, "start bound is inclusive of the recorded clock reading")
}

func TestVersionedStorageApplyRemoteIdempotent(t *testing.T) {
	vs := newTestVersionedStorage(t)
	ks := []byte("5")

	remoteHLC := hlc.HLC{Physical: hlc.NowMillis() + 100000, Logical: 0, NodeID: "remote-node"}
	indexKey := codec.IndexKey(ks, remoteHLC.Encode(), []byte("rk"))

	winner1, err := vs.ApplyRemote(ks, indexKey, []byte("remote-value"))
	require.NoError(t, err)
	require.True(t, winner1.Equal(remoteHLC))

	v, found, err := vs.Get(ks, []byte("rk"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("remote-value"), v)

	winner2, err := vs.ApplyRemote(ks, indexKey, []byte("remote-value"))
	require.NoError(t, err)
	require.True(t, winner2.Equal(remoteHLC))

	v, found, err = vs.Get(ks, []byte("rk"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("remote-value"), v, "re-applying the same remote entry is idempotent")
}

func TestVersionedStorageApplyRemoteLosesToNewerLocal(t *testing.T) {
	vs := newTestVersionedStorage(t)
	ks := []byte("6")

	require.NoError(t, vs.Put(ks, []byte("k"), []byte("local-value")))

	staleRemote := hlc.HLC{Physical: 1, Logical: 0, NodeID: "z-remote"}
	indexKey := codec.IndexKey(ks, staleRemote.Encode(), []byte("k"))

	_, err := vs.ApplyRemote(ks, indexKey, []byte("stale-remote-value"))
	require.NoError(t, err)

	v, found, err := vs.Get(ks, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("local-value"), v, "local write is newer and must win")
}
