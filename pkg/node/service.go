package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/paravon/pkg/gossip"
	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/space"
	"github.com/cuemby/paravon/pkg/topology"
	"github.com/cuemby/paravon/pkg/transport"
	"github.com/rs/zerolog"
)

// drainSettleDelay is how long drain waits before persisting idle, giving
// in-flight requests routed to this node a chance to finish landing.
const drainSettleDelay = 100 * time.Millisecond

// NodeService drives the join/drain state machine and exposes the
// synchronous handlers the peer server's Router calls for incoming
// gossip/checksums and gossip/bucket pushes.
type NodeService struct {
	meta      *NodeMetaManager
	gossiper  *gossip.Gossiper
	topology  *topology.Manager
	bootstrap SeedBootstrapperConfig

	mu    sync.Mutex
	ready *event
	idle  *event
	join  *event

	logger zerolog.Logger
}

// NewNodeService builds a NodeService. bootstrapCfg is the template used
// to build a fresh SeedBootstrapper (dedicated connections, its own
// subscription) every time a join or ring recovery needs one.
func NewNodeService(meta *NodeMetaManager, gossiper *gossip.Gossiper, topo *topology.Manager, bootstrapCfg SeedBootstrapperConfig) *NodeService {
	return &NodeService{
		meta:      meta,
		gossiper:  gossiper,
		topology:  topo,
		bootstrap: bootstrapCfg,
		ready:     newEvent(),
		idle:      newEvent(),
		join:      newEvent(),
		logger:    log.WithComponent("node.service"),
	}
}

// Join transitions an idle node to joining and starts bootstrap in the
// background. Joining or ready is a no-op success; any other phase
// refuses.
func (s *NodeService) Join(ctx context.Context) message.Message {
	s.logger.Info().Msg("trying to join")
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.meta.GetMembership()
	if err != nil {
		return message.KO(err.Error(), nil)
	}

	switch mem.Phase {
	case membership.PhaseIdle:
		if err := s.meta.SetPhase(membership.PhaseJoining); err != nil {
			return message.KO(err.Error(), nil)
		}
		s.idle.Clear()
		s.join.Set()
		go s.completeJoin(ctx, mem)
		s.logger.Info().Msg("received JOIN command")
		return message.OK(map[string]interface{}{"message": "Received JOIN command."})
	case membership.PhaseJoining, membership.PhaseReady:
		return message.OK(map[string]interface{}{"message": "Already joining/ready, ignored."})
	default:
		return message.KO(fmt.Sprintf("cannot join from %s", mem.Phase), nil)
	}
}

// Drain transitions a ready node to draining and schedules completion in
// the background. An already-draining node refuses (not a no-op success,
// unlike Join against joining/ready); any other phase refuses too.
func (s *NodeService) Drain(ctx context.Context) message.Message {
	s.logger.Info().Msg("trying to drain")
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.meta.GetMembership()
	if err != nil {
		return message.KO(err.Error(), nil)
	}

	switch mem.Phase {
	case membership.PhaseReady:
		if err := s.meta.SetPhase(membership.PhaseDraining); err != nil {
			return message.KO(err.Error(), nil)
		}
		s.ready.Clear()
		go s.completeDrain(ctx, mem)
		s.logger.Info().Msg("drain scheduled")
		return message.OK(map[string]interface{}{"message": "Drain scheduled."})
	case membership.PhaseDraining:
		return message.KO("Already draining, ignored.", nil)
	default:
		return message.KO(fmt.Sprintf("cannot drain from %s", mem.Phase), nil)
	}
}

// Remove is not yet implemented: removing a node from the ring (as
// opposed to draining it to idle) needs a cluster-wide decision this
// single node cannot make unilaterally.
func (s *NodeService) Remove() message.Message {
	return message.KO("Not implemented yet", nil)
}

// ApplyChecksumsHandler returns a transport.Handler suitable for
// registration against the peer server's Router for MsgTypeChecksums.
func (s *NodeService) ApplyChecksumsHandler(ctx context.Context) transport.Handler {
	return func(data map[string]interface{}) message.Message {
		return s.gossiper.ApplyChecksums(ctx, message.New(gossip.MsgTypeChecksums, data))
	}
}

// ApplyBucketHandler returns a transport.Handler suitable for
// registration against the peer server's Router for MsgTypeBucket.
func (s *NodeService) ApplyBucketHandler(ctx context.Context) transport.Handler {
	return func(data map[string]interface{}) message.Message {
		return s.gossiper.ApplyBucket(ctx, message.New(gossip.MsgTypeBucket, data))
	}
}

// WaitForIdle blocks until the node reaches the idle phase (or ctx ends).
func (s *NodeService) WaitForIdle(ctx context.Context) error { return s.idle.Wait(ctx) }

// WaitForReady blocks until the node reaches the ready phase (or ctx ends).
func (s *NodeService) WaitForReady(ctx context.Context) error { return s.ready.Wait(ctx) }

// WaitForJoin blocks until a Join call has been accepted (or ctx ends),
// used by the normal-mode startup sequence to wait for an operator- or
// API-driven join command before starting the API server.
func (s *NodeService) WaitForJoin(ctx context.Context) error { return s.join.Wait(ctx) }

// RecoverRing re-bootstraps the in-memory topology against the
// configured seeds without touching the persisted phase, used when a
// process restarts with a membership already past idle: the bucket table
// and ring are purely in-memory and gossip convergence needs a fresh
// quorum snapshot to resume from.
func (s *NodeService) RecoverRing(ctx context.Context, mem membership.Membership) error {
	memberships, err := s.runBootstrap(ctx, mem)
	if err != nil {
		return fmt.Errorf("node: recovering ring: %w", err)
	}
	s.topology.Restore(memberships)
	s.topology.AddMembership(mem)
	return nil
}

func (s *NodeService) runBootstrap(ctx context.Context, mem membership.Membership) ([]membership.Membership, error) {
	bootstrapper, err := NewSeedBootstrapper(s.bootstrap)
	if err != nil {
		return nil, err
	}
	defer bootstrapper.Close()
	return bootstrapper.Run(ctx, mem)
}

func (s *NodeService) completeJoin(ctx context.Context, mem membership.Membership) {
	memberships, err := s.runBootstrap(ctx, mem)
	if err != nil {
		s.logger.Error().Err(err).Msg("error during joining")
	} else {
		s.topology.Restore(memberships)
	}
	if err := s.finalizeLocalMembership(&mem); err != nil {
		s.logger.Error().Err(err).Msg("error finalizing local membership during join")
	} else {
		s.topology.AddMembership(mem)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.meta.GetMembership()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read membership while completing join")
		return
	}
	if current.Phase == membership.PhaseJoining {
		if err := s.meta.SetPhase(membership.PhaseReady); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist ready phase")
			return
		}
		s.ready.Set()
	}
}

// finalizeLocalMembership generates this node's vnode tokens if it has
// none yet (a brand-new node joining for the first time) and bumps its
// epoch, mutating mem in place to match what was persisted.
func (s *NodeService) finalizeLocalMembership(mem *membership.Membership) error {
	if len(mem.Tokens) == 0 {
		tokens := space.HashSpace{}.GenerateTokens(mem.NodeID, int(mem.Size))
		if err := s.meta.SetTokens(tokens); err != nil {
			return fmt.Errorf("generating tokens: %w", err)
		}
		mem.Tokens = tokens
	}
	epoch, err := s.meta.BumpEpoch()
	if err != nil {
		return fmt.Errorf("bumping epoch: %w", err)
	}
	mem.Epoch = epoch
	return nil
}

func (s *NodeService) completeDrain(ctx context.Context, mem membership.Membership) {
	select {
	case <-time.After(drainSettleDelay):
	case <-ctx.Done():
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.meta.GetMembership()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read membership while completing drain")
		return
	}
	if current.Phase == membership.PhaseDraining {
		if err := s.meta.SetPhase(membership.PhaseIdle); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist idle phase")
			return
		}
		s.idle.Set()
	}
}
