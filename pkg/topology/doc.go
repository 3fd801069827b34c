// Package topology composes the gossip bucket table and the consistent
// hash ring under one reader/writer lock, so a snapshot read (the current
// ring, a bucket's checksums) never observes a ring update half-applied
// against a bucket table update.
package topology
