package gossip

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/metrics"
	"github.com/cuemby/paravon/pkg/throttling"
	"github.com/rs/zerolog"
)

// Message types the Gossiper sends and handles. Both are one-way: the
// peer connection pool has no request/response correlation, so a reply
// is just another outbound message. gossip/bucket payloads carry a
// "reply" flag to stop a request/reply pair from bouncing forever once
// both sides have converged.
const (
	MsgTypeChecksums = "gossip/checksums"
	MsgTypeBucket    = "gossip/bucket"
)

// Pool is the narrow view of the peer connection pool the Gossiper needs:
// register a peer's address and push a fire-and-forget message to it.
// There is no request/response correlation — a reply is just another
// call to Send, addressed back at the original sender.
type Pool interface {
	Register(nodeID, address string)
	Send(ctx context.Context, nodeID string, msg message.Message) error
}

// Topology is the narrow view of the topology manager the Gossiper needs.
type Topology interface {
	PickRandomMembership() (membership.Membership, bool)
	GetChecksums() (map[uint64]uint32, error)
	GetBucketMemberships(bucketID uint64) map[string]membership.Membership
	ApplyBucket(bucketID uint64, remote []membership.Membership) (membership.MembershipDiff, error)
}

// Gossiper drives the periodic checksum exchange that converges membership
// state across the cluster: pick a random known peer, exchange bucket
// checksums, and pull the full contents of any bucket that diverges.
//
// HandleChecksums and HandleBucket should be registered with the peer
// pool via Subscribe(MsgTypeChecksums, ...) / Subscribe(MsgTypeBucket,
// ...) so incoming gossip traffic from any peer connection reaches them.
type Gossiper struct {
	nodeID        string
	pool          Pool
	topology      Topology
	localMember   func() membership.Membership
	rateLimiter   throttling.RateLimiter
	inflightLimit int32
	inflight      int32
	logger        zerolog.Logger

	wg sync.WaitGroup
}

// NewGossiper builds a Gossiper. localMember is called lazily each attempt
// to pick up the local node's current membership (tokens/phase may change
// while the gossiper runs).
func NewGossiper(nodeID string, pool Pool, topology Topology, localMember func() membership.Membership, rateLimiter throttling.RateLimiter, inflightLimit int) *Gossiper {
	return &Gossiper{
		nodeID:        nodeID,
		pool:          pool,
		topology:      topology,
		localMember:   localMember,
		rateLimiter:   rateLimiter,
		inflightLimit: int32(inflightLimit),
		logger:        log.WithComponent("gossip.gossiper"),
	}
}

// Run starts the gossip loop and blocks until ctx is canceled, at which
// point it waits for any in-flight exchanges to finish before returning.
func (g *Gossiper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			g.wg.Wait()
			return
		case <-time.After(g.rateLimiter.Delay()):
		}

		peer, ok := g.topology.PickRandomMembership()
		if !ok || peer.NodeID == g.nodeID {
			continue
		}
		if g.inflightSaturated() {
			g.rateLimiter.OnError()
			continue
		}

		g.wg.Add(1)
		go g.attemptGossip(ctx, peer)
	}
}

func (g *Gossiper) inflightSaturated() bool {
	return atomic.LoadInt32(&g.inflight) >= g.inflightLimit
}

// rateReporter is implemented by rate limiters that can report their
// current rate, e.g. CubicRateLimiter.
type rateReporter interface {
	Rate() float64
}

// Rate returns the gossip loop's current rate in exchanges/s, or 0 if the
// configured RateLimiter doesn't expose one.
func (g *Gossiper) Rate() float64 {
	if r, ok := g.rateLimiter.(rateReporter); ok {
		return r.Rate()
	}
	return 0
}

func (g *Gossiper) attemptGossip(ctx context.Context, peer membership.Membership) {
	defer g.wg.Done()
	atomic.AddInt32(&g.inflight, 1)
	defer atomic.AddInt32(&g.inflight, -1)

	g.pool.Register(peer.NodeID, peer.PeerAddress)

	checksums, err := g.topology.GetChecksums()
	if err != nil {
		g.rateLimiter.OnError()
		metrics.GossipAttemptsTotal.WithLabelValues("error").Inc()
		return
	}

	payload := map[string]interface{}{
		"source":    g.localMember().ToMap(),
		"checksums": EncodeChecksums(checksums),
	}
	if err := g.pool.Send(ctx, peer.NodeID, message.New(MsgTypeChecksums, payload)); err != nil {
		g.rateLimiter.OnError()
		metrics.GossipAttemptsTotal.WithLabelValues("error").Inc()
		return
	}
	g.rateLimiter.OnSuccess()
	metrics.GossipAttemptsTotal.WithLabelValues("success").Inc()
}

// HandleChecksums processes an incoming gossip/checksums push: compare
// the sender's digests against the local table, and for every diverging
// bucket either clear it locally (remote reports empty) or asynchronously
// request its full contents from the sender. There is no reply to the
// checksum exchange itself — each side's own gossip loop drives the next
// comparison on its own cadence.
func (g *Gossiper) HandleChecksums(ctx context.Context, msg message.Message) {
	remoteChecksums, err := DecodeChecksums(msg.Data["checksums"])
	if err != nil {
		g.logger.Warn().Err(err).Msg("malformed checksums")
		return
	}

	var sourceNodeID string
	if sourceRaw, ok := msg.Data["source"].(map[string]interface{}); ok {
		if src, err := membership.FromMap(sourceRaw); err == nil {
			sourceNodeID = src.NodeID
			g.pool.Register(src.NodeID, src.PeerAddress)
		}
	}

	local, err := g.topology.GetChecksums()
	if err != nil {
		g.logger.Warn().Err(err).Msg("local checksums unavailable")
		return
	}

	for bucketID, remoteCRC := range remoteChecksums {
		if local[bucketID] == remoteCRC {
			continue
		}
		if remoteCRC == 0 {
			_, _ = g.topology.ApplyBucket(bucketID, nil)
			continue
		}
		if sourceNodeID == "" {
			continue
		}
		g.wg.Add(1)
		go g.requestBucket(ctx, sourceNodeID, bucketID)
	}
}

// requestBucket asks a peer for its view of a bucket by pushing our own
// local snapshot as a non-reply gossip/bucket message; the peer merges it
// and, per HandleBucket, pushes its own (now-merged) snapshot back once.
func (g *Gossiper) requestBucket(ctx context.Context, nodeID string, bucketID uint64) {
	defer g.wg.Done()
	local := g.topology.GetBucketMemberships(bucketID)
	payload := map[string]interface{}{
		"bucket_id":      bucketID,
		"members":        EncodeMembershipMap(local),
		"source_node_id": g.nodeID,
		"reply":          false,
	}
	if err := g.pool.Send(ctx, nodeID, message.New(MsgTypeBucket, payload)); err != nil {
		g.logger.Warn().Err(err).Str("node_id", nodeID).Msg("failed to request bucket")
	}
}

// HandleBucket processes an incoming gossip/bucket push: merge the
// sender's snapshot into the local table. A non-reply push is answered
// once with the local (now-merged) snapshot so the sender can reconcile
// symmetrically; a reply push is terminal and is not answered again,
// which keeps a converged pair of peers from bouncing bucket pushes back
// and forth forever.
func (g *Gossiper) HandleBucket(ctx context.Context, msg message.Message) {
	bucketID, err := asUint64(msg.Data["bucket_id"])
	if err != nil {
		g.logger.Warn().Err(err).Msg("malformed bucket_id")
		return
	}
	remote, err := DecodeMembershipList(msg.Data["members"])
	if err != nil {
		g.logger.Warn().Err(err).Msg("malformed members")
		return
	}

	if _, err := g.topology.ApplyBucket(bucketID, remote); err != nil {
		g.logger.Warn().Err(err).Uint64("bucket_id", bucketID).Msg("apply_bucket failed")
		return
	}

	isReply, _ := msg.Data["reply"].(bool)
	if isReply {
		return
	}
	sourceNodeID, _ := msg.Data["source_node_id"].(string)
	if sourceNodeID == "" {
		return
	}

	local := g.topology.GetBucketMemberships(bucketID)
	payload := map[string]interface{}{
		"bucket_id":      bucketID,
		"members":        EncodeMembershipMap(local),
		"source_node_id": g.nodeID,
		"reply":          true,
	}
	if err := g.pool.Send(ctx, sourceNodeID, message.New(MsgTypeBucket, payload)); err != nil {
		g.logger.Warn().Err(err).Str("node_id", sourceNodeID).Msg("failed to reply with bucket")
	}
}

// ApplyChecksums is the synchronous counterpart to HandleChecksums, meant
// to be wired as the peer server's transport.Handler for MsgTypeChecksums:
// a peer that just dialed in gets its reply written back over that same
// accepted connection by the caller, rather than via the pool. It runs the
// same comparison and divergent-bucket request side effects as
// HandleChecksums, then returns the local checksums so the dialing side
// can reconcile symmetrically.
func (g *Gossiper) ApplyChecksums(ctx context.Context, msg message.Message) message.Message {
	g.HandleChecksums(ctx, msg)

	local, err := g.topology.GetChecksums()
	if err != nil {
		return message.KO(err.Error(), nil)
	}
	return message.New(MsgTypeChecksums, map[string]interface{}{
		"source":    g.localMember().ToMap(),
		"checksums": EncodeChecksums(local),
	})
}

// ApplyBucket is the synchronous counterpart to HandleBucket, meant to be
// wired as the peer server's transport.Handler for MsgTypeBucket. Unlike
// HandleBucket it never calls Pool.Send itself: the merged local snapshot
// is returned directly, marked reply=true, so the caller writes it back
// over the same accepted connection the request arrived on. The dialing
// side's own HandleBucket (registered against its pool) receives that
// reply and, seeing reply=true, does not answer it again.
func (g *Gossiper) ApplyBucket(ctx context.Context, msg message.Message) message.Message {
	bucketID, err := asUint64(msg.Data["bucket_id"])
	if err != nil {
		return message.KO("malformed bucket_id", nil)
	}
	remote, err := DecodeMembershipList(msg.Data["members"])
	if err != nil {
		return message.KO("malformed members", nil)
	}

	if _, err := g.topology.ApplyBucket(bucketID, remote); err != nil {
		return message.KO(err.Error(), map[string]interface{}{"bucket_id": bucketID})
	}

	local := g.topology.GetBucketMemberships(bucketID)
	return message.New(MsgTypeBucket, map[string]interface{}{
		"bucket_id":      bucketID,
		"members":        EncodeMembershipMap(local),
		"source_node_id": g.nodeID,
		"reply":          true,
	})
}

// EncodeChecksums renders a bucket checksum map into its wire shape
// (string-keyed, since MsgPack map keys round-trip as strings). Exported
// so callers building gossip/checksums payloads outside this package
// (e.g. the bootstrap quorum exchange) use the same wire format.
func EncodeChecksums(checksums map[uint64]uint32) map[string]interface{} {
	out := make(map[string]interface{}, len(checksums))
	for id, crc := range checksums {
		out[strconv.FormatUint(id, 10)] = crc
	}
	return out
}

// DecodeChecksums parses the wire shape produced by EncodeChecksums.
func DecodeChecksums(v interface{}) (map[uint64]uint32, error) {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("checksums field is not a map")
	}
	out := make(map[uint64]uint32, len(raw))
	for k, crcRaw := range raw {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bucket id %q: %w", k, err)
		}
		crc, err := asUint64(crcRaw)
		if err != nil {
			return nil, fmt.Errorf("checksum for bucket %q: %w", k, err)
		}
		out[id] = uint32(crc)
	}
	return out, nil
}

// EncodeMembershipMap renders a bucket's memberships as the wire-shape
// list consumed by DecodeMembershipList.
func EncodeMembershipMap(members map[string]membership.Membership) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(members))
	for _, m := range members {
		out = append(out, m.ToMap())
	}
	return out
}

// DecodeMembershipList parses the wire shape produced by
// EncodeMembershipMap.
func DecodeMembershipList(v interface{}) ([]membership.Membership, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		if typed, ok := v.([]map[string]interface{}); ok {
			out := make([]membership.Membership, 0, len(typed))
			for i, m := range typed {
				parsed, err := membership.FromMap(m)
				if err != nil {
					return nil, fmt.Errorf("member %d: %w", i, err)
				}
				out = append(out, parsed)
			}
			return out, nil
		}
		return nil, fmt.Errorf("members field is not a list")
	}
	out := make([]membership.Membership, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("member %d is not a map", i)
		}
		parsed, err := membership.FromMap(m)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func asUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case int32:
		return uint64(n), nil
	case int:
		return uint64(n), nil
	case float64:
		return uint64(n), nil
	case string:
		return strconv.ParseUint(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
