package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *BoltBackend {
	t.Helper()
	b, err := OpenBoltBackend(filepath.Join(t.TempDir(), "backend.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBoltBackendGetPutRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Put([]byte("data"), []byte("k1"), []byte("v1")))

	v, found, err := b.Get([]byte("data"), []byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
}

func TestBoltBackendPutManyAtomic(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.PutMany([]BatchItem{
		{DB: []byte("data"), Key: []byte("a"), Value: []byte("1")},
		{DB: []byte("index"), Key: []byte("a-idx"), Value: []byte{}},
	}))

	_, found, err := b.Get([]byte("data"), []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = b.Get([]byte("index"), []byte("a-idx"))
	require.NoError(t, err)
	require.True(t, found)
}

func TestBoltBackendScanForwardAndReverse(t *testing.T) {
	b := newTestBackend(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Put([]byte("data"), []byte(k), []byte(k)))
	}

	var forward []string
	require.NoError(t, b.Scan([]byte("data"), ScanOptions{}, func(k, _ []byte) (bool, error) {
		forward = append(forward, string(k))
		return true, nil
	}))
	require.Equal(t, []string{"a", "b", "c"}, forward)

	var reverse []string
	require.NoError(t, b.Scan([]byte("data"), ScanOptions{Reverse: true}, func(k, _ []byte) (bool, error) {
		reverse = append(reverse, string(k))
		return true, nil
	}))
	require.Equal(t, []string{"c", "b", "a"}, reverse)
}

func TestBoltBackendScanPrefixAndLimit(t *testing.T) {
	b := newTestBackend(t)
	for _, k := range []string{"p-1", "p-2", "q-1"} {
		require.NoError(t, b.Put([]byte("data"), []byte(k), []byte(k)))
	}

	var got []string
	require.NoError(t, b.Scan([]byte("data"), ScanOptions{Prefix: []byte("p-")}, func(k, _ []byte) (bool, error) {
		got = append(got, string(k))
		return true, nil
	}))
	require.Equal(t, []string{"p-1", "p-2"}, got)

	var limited []string
	require.NoError(t, b.Scan([]byte("data"), ScanOptions{Limit: 1}, func(k, _ []byte) (bool, error) {
		limited = append(limited, string(k))
		return true, nil
	}))
	require.Len(t, limited, 1)
}

func TestBoltBackendScanReverseWithPrefixFindsLast(t *testing.T) {
	b := newTestBackend(t)
	for _, k := range []string{"p-1", "p-2", "p-3", "q-1"} {
		require.NoError(t, b.Put([]byte("data"), []byte(k), []byte(k)))
	}

	var got string
	require.NoError(t, b.Scan([]byte("data"), ScanOptions{Prefix: []byte("p-"), Reverse: true, Limit: 1}, func(k, _ []byte) (bool, error) {
		got = string(k)
		return false, nil
	}))
	require.Equal(t, "p-3", got, "reverse scan with a prefix and limit 1 finds the lexicographically last match")
}
