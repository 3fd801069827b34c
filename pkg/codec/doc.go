// Package codec frames the storage keys VersionedStorage uses for its
// multi-version data keyspace and its temporal secondary index, per
// spec.md §4.5.
package codec
