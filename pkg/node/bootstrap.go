package node

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cuemby/paravon/pkg/gossip"
	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/peerclient"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/cuemby/paravon/pkg/throttling"
	"github.com/rs/zerolog"
)

// SeedBootstrapperConfig configures a SeedBootstrapper.
type SeedBootstrapperConfig struct {
	// Seeds is the full configured seed address list (may include this
	// node's own advertised address; the quorum size is computed from
	// its length either way, matching the peer count the rest of the
	// cluster uses for the same computation).
	Seeds     []string
	TLSConfig *tls.Config
	Ser       serializer.Serializer

	// MaxIncarnationDelta bounds how far a view's incarnation may sit
	// from the dominant one and still count toward quorum. Zero adopts
	// the default of 3.
	MaxIncarnationDelta uint64
	// ViewTimeout bounds how long a single view-collection attempt
	// waits for seeds to answer before retrying. Zero adopts 5s.
	ViewTimeout time.Duration
	// MaxBucketRetries bounds per-bucket fetch attempts during the
	// membership phase. Zero adopts 5.
	MaxBucketRetries int
}

func (c SeedBootstrapperConfig) withDefaults() SeedBootstrapperConfig {
	if c.MaxIncarnationDelta == 0 {
		c.MaxIncarnationDelta = 3
	}
	if c.ViewTimeout <= 0 {
		c.ViewTimeout = 5 * time.Second
	}
	if c.MaxBucketRetries <= 0 {
		c.MaxBucketRetries = 5
	}
	return c
}

// SeedBootstrapper runs the quorum-convergence protocol a node follows
// the first time it joins a cluster (or rejoins after losing all local
// state): exchange gossip/checksums with every configured seed until a
// coherent quorum of views agrees on a dominant incarnation, then fetch
// the full contents of every bucket that view reports, directly from the
// seed that reported it — all over connections dedicated to bootstrap,
// separate from the steady-state gossip pool.
type SeedBootstrapper struct {
	cfg          SeedBootstrapperConfig
	clients      map[string]*peerclient.ClientConnection
	subscription *peerclient.Subscription
	logger       zerolog.Logger
}

// NewSeedBootstrapper builds a SeedBootstrapper with one dedicated,
// lazily-connecting ClientConnection per seed address. It fails only if
// no seeds are configured.
func NewSeedBootstrapper(cfg SeedBootstrapperConfig) (*SeedBootstrapper, error) {
	if len(cfg.Seeds) == 0 {
		return nil, fmt.Errorf("node: bootstrap requires at least one seed")
	}
	cfg = cfg.withDefaults()

	subscription := peerclient.NewSubscription()
	clients := make(map[string]*peerclient.ClientConnection, len(cfg.Seeds))
	for _, addr := range cfg.Seeds {
		backoff := throttling.NewExponentialBackoff(0.25, 2, 5, 0.25)
		clients[addr] = peerclient.NewClientConnection(addr, addr, cfg.TLSConfig, subscription, cfg.Ser, backoff, 0)
	}

	return &SeedBootstrapper{
		cfg:          cfg,
		clients:      clients,
		subscription: subscription,
		logger:       log.WithComponent("node.bootstrap"),
	}, nil
}

// Close terminates every dedicated seed connection and the bootstrapper's
// subscription. Safe to call once Run has returned (or at any earlier
// point to abandon an in-flight bootstrap attempt).
func (b *SeedBootstrapper) Close() {
	for _, client := range b.clients {
		client.Close()
	}
	b.subscription.Close()
}

// Run drives the full protocol: collect views until a coherent quorum
// emerges, then pull every diverging bucket from the seed whose view
// matched the dominant incarnation. It blocks, retrying indefinitely with
// exponential backoff, until ctx is canceled or the protocol succeeds.
func (b *SeedBootstrapper) Run(ctx context.Context, local membership.Membership) ([]membership.Membership, error) {
	views, dominant, err := b.bootstrapView(ctx, local)
	if err != nil {
		return nil, err
	}
	return b.bootstrapMemberships(ctx, views, dominant)
}

// quorum is the minimum number of views that must agree on a dominant
// incarnation for bootstrap to proceed.
func (b *SeedBootstrapper) quorum() int {
	return len(b.cfg.Seeds)/2 + 1
}

func (b *SeedBootstrapper) bootstrapView(ctx context.Context, local membership.Membership) (map[string]membership.View, uint64, error) {
	backoff := throttling.NewExponentialBackoff(0.5, 2, 10, 0.5)
	quorum := b.quorum()

	for {
		views, err := b.collectViews(ctx, local)
		if err != nil {
			return nil, 0, err
		}
		if dominant, ok := CoherentView(views, quorum, b.cfg.MaxIncarnationDelta); ok {
			b.logger.Info().Uint64("incarnation", dominant).Int("views", len(views)).Msg("bootstrap view reached quorum")
			return views, dominant, nil
		}
		b.logger.Warn().Int("views", len(views)).Int("quorum", quorum).Msg("bootstrap view has not reached quorum, retrying")

		select {
		case <-time.After(backoff.Next()):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// collectViews broadcasts a gossip/checksums push to every seed and
// gathers whatever replies arrive within ViewTimeout, keyed by the
// reporting node_id (a seed that replies more than once only keeps its
// latest report).
func (b *SeedBootstrapper) collectViews(ctx context.Context, local membership.Membership) (map[string]membership.View, error) {
	viewCtx, cancel := context.WithTimeout(ctx, b.cfg.ViewTimeout)
	defer cancel()

	ch, unsubscribe := b.subscription.Subscribe()
	defer unsubscribe()

	payload := map[string]interface{}{
		"source":    local.ToMap(),
		"checksums": gossip.EncodeChecksums(nil),
	}
	request := message.New(gossip.MsgTypeChecksums, payload)
	for addr, client := range b.clients {
		go func(addr string, client *peerclient.ClientConnection) {
			if err := client.Send(viewCtx, request); err != nil {
				b.logger.Warn().Err(err).Str("address", addr).Msg("bootstrap checksums request failed")
			}
		}(addr, client)
	}

	views := make(map[string]membership.View)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return views, nil
			}
			if env.Msg.Type != gossip.MsgTypeChecksums {
				continue
			}
			view, err := viewFromMessage(env.Msg, env.NodeID)
			if err != nil {
				b.logger.Warn().Err(err).Msg("malformed bootstrap view")
				continue
			}
			views[view.NodeID] = view
		case <-viewCtx.Done():
			return views, nil
		}
	}
}

func viewFromMessage(msg message.Message, fallbackAddress string) (membership.View, error) {
	sourceRaw, ok := msg.Data["source"].(map[string]interface{})
	if !ok {
		return membership.View{}, fmt.Errorf("missing source")
	}
	source, err := membership.FromMap(sourceRaw)
	if err != nil {
		return membership.View{}, fmt.Errorf("source: %w", err)
	}
	checksums, err := gossip.DecodeChecksums(msg.Data["checksums"])
	if err != nil {
		return membership.View{}, fmt.Errorf("checksums: %w", err)
	}
	address := source.PeerAddress
	if address == "" {
		address = fallbackAddress
	}
	return membership.View{
		NodeID:      source.NodeID,
		Incarnation: source.Incarnation,
		Checksums:   checksums,
		Address:     address,
	}, nil
}

// CoherentView picks the incarnation value that the largest number of
// views fall within maxDelta of, and reports whether that count reaches
// quorum. Ties are broken toward the higher incarnation, since a higher
// incarnation can only result from further fencing activity and is never
// less current than a lower one.
func CoherentView(views map[string]membership.View, quorum int, maxDelta uint64) (dominant uint64, ok bool) {
	if len(views) == 0 {
		return 0, false
	}

	bestCount := -1
	for candidate := range incarnationsOf(views) {
		matched := 0
		for _, v := range views {
			if withinDelta(v.Incarnation, candidate, maxDelta) {
				matched++
			}
		}
		if matched > bestCount || (matched == bestCount && candidate > dominant) {
			bestCount = matched
			dominant = candidate
		}
	}
	return dominant, bestCount >= quorum
}

func incarnationsOf(views map[string]membership.View) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(views))
	for _, v := range views {
		out[v.Incarnation] = struct{}{}
	}
	return out
}

func withinDelta(a, b, delta uint64) bool {
	var diff uint64
	if a > b {
		diff = a - b
	} else {
		diff = b - a
	}
	return diff <= delta
}

// bootstrapMemberships fetches every bucket the chosen (dominant) view
// reports as non-empty, directly from that view's reporting node,
// flattening the result into one membership list.
func (b *SeedBootstrapper) bootstrapMemberships(ctx context.Context, views map[string]membership.View, dominant uint64) ([]membership.Membership, error) {
	chosen, ok := chooseView(views, dominant)
	if !ok {
		return nil, fmt.Errorf("node: no view matches the dominant incarnation %d", dominant)
	}

	client, ok := b.clients[chosen.Address]
	if !ok {
		return nil, fmt.Errorf("node: no bootstrap connection to chosen seed %s", chosen.Address)
	}

	seen := make(map[string]membership.Membership)
	for bucketID, crc := range chosen.Checksums {
		if crc == 0 {
			continue
		}
		members, err := b.fetchBucket(ctx, client, bucketID)
		if err != nil {
			return nil, fmt.Errorf("node: bootstrap bucket %d: %w", bucketID, err)
		}
		for _, m := range members {
			seen[m.NodeID] = m
		}
	}

	all := make([]membership.Membership, 0, len(seen))
	for _, m := range seen {
		all = append(all, m)
	}
	return all, nil
}

// chooseView picks a deterministic representative among the views that
// match the dominant incarnation exactly.
func chooseView(views map[string]membership.View, dominant uint64) (membership.View, bool) {
	var best membership.View
	found := false
	for _, v := range views {
		if v.Incarnation != dominant {
			continue
		}
		if !found || v.NodeID < best.NodeID {
			best = v
			found = true
		}
	}
	return best, found
}

// fetchBucket requests one bucket's contents from client, retrying up to
// MaxBucketRetries times. Each attempt pushes an empty, non-reply
// gossip/bucket request and waits (bounded by ViewTimeout) for the
// matching reply.
func (b *SeedBootstrapper) fetchBucket(ctx context.Context, client *peerclient.ClientConnection, bucketID uint64) ([]membership.Membership, error) {
	backoff := throttling.NewExponentialBackoff(0.25, 2, 5, 0.25)
	var lastErr error

	for attempt := 0; attempt < b.cfg.MaxBucketRetries; attempt++ {
		members, err := b.fetchBucketOnce(ctx, client, bucketID)
		if err == nil {
			return members, nil
		}
		lastErr = err
		b.logger.Warn().Err(err).Uint64("bucket_id", bucketID).Int("attempt", attempt+1).Msg("bootstrap bucket fetch failed")

		select {
		case <-time.After(backoff.Next()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("exhausted %d retries: %w", b.cfg.MaxBucketRetries, lastErr)
}

func (b *SeedBootstrapper) fetchBucketOnce(ctx context.Context, client *peerclient.ClientConnection, bucketID uint64) ([]membership.Membership, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.ViewTimeout)
	defer cancel()

	ch, unsubscribe := b.subscription.Subscribe()
	defer unsubscribe()

	payload := map[string]interface{}{
		"bucket_id":      bucketID,
		"members":        gossip.EncodeMembershipMap(nil),
		"source_node_id": "",
		"reply":          false,
	}
	if err := client.Send(reqCtx, message.New(gossip.MsgTypeBucket, payload)); err != nil {
		return nil, err
	}

	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("subscription closed")
			}
			if env.Msg.Type != gossip.MsgTypeBucket {
				continue
			}
			gotID, err := bucketIDOf(env.Msg)
			if err != nil || gotID != bucketID {
				continue
			}
			isReply, _ := env.Msg.Data["reply"].(bool)
			if !isReply {
				continue
			}
			return gossip.DecodeMembershipList(env.Msg.Data["members"])
		case <-reqCtx.Done():
			return nil, fmt.Errorf("timed out waiting for bucket %d", bucketID)
		}
	}
}

func bucketIDOf(msg message.Message) (uint64, error) {
	switch v := msg.Data["bucket_id"].(type) {
	case uint64:
		return v, nil
	case int64:
		return uint64(v), nil
	case int:
		return uint64(v), nil
	case float64:
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("bucket_id is not numeric")
	}
}
