// Package gossip implements the bucketed, partitioned membership table
// (Bucket, BucketTable) and the Gossiper that periodically exchanges
// checksum digests and divergent buckets with peers.
//
// The membership table is sharded into a fixed number of buckets
// (bucket_for(node_id) = hash(node_id) mod N) so checksum comparison and
// anti-entropy repair can proceed bucket-by-bucket instead of diffing the
// whole cluster state at once.
package gossip
