// Package throttling implements the pacing primitives shared by the
// gossiper and client reconnect logic: exponential backoff for retries,
// and a CUBIC-style rate controller for adaptive gossip pacing.
package throttling
