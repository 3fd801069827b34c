package node

import (
	"context"

	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/transport"
	"github.com/rs/zerolog"
)

// LifecycleService sequences process startup and shutdown: whether this
// node is one of the cluster's configured seeds decides bootstrap mode
// (bring both servers straight up, mark itself ready) versus normal mode
// (peer server first, then either wait for an explicit join or recover
// the ring from a prior state, and only then the API server).
type LifecycleService struct {
	nodeService *NodeService
	apiServer   *transport.MessageServer
	peerServer  *transport.MessageServer
	meta        *NodeMetaManager
	seeds       []string

	apiRunning  bool
	peerRunning bool

	logger zerolog.Logger
}

// NewLifecycleService builds a LifecycleService. seeds is the configured
// peer seed list; a node whose own node_id appears in it (or an empty
// seed list, for a single-node deployment) starts in bootstrap mode.
func NewLifecycleService(nodeService *NodeService, apiServer, peerServer *transport.MessageServer, meta *NodeMetaManager, seeds []string) *LifecycleService {
	return &LifecycleService{
		nodeService: nodeService,
		apiServer:   apiServer,
		peerServer:  peerServer,
		meta:        meta,
		seeds:       seeds,
		logger:      log.WithComponent("node.lifecycle"),
	}
}

// Start sequences startup per the node's configured seed membership. It
// returns once the node is fully operational, or once ctx is canceled
// while a normal-mode node is still idle and waiting for a join command.
func (l *LifecycleService) Start(ctx context.Context) error {
	mem, err := l.meta.GetMembership()
	if err != nil {
		return err
	}

	if l.isSeed(mem.NodeID) {
		return l.bootstrap(mem)
	}
	return l.startNormal(ctx, mem)
}

func (l *LifecycleService) isSeed(nodeID string) bool {
	if len(l.seeds) == 0 {
		return true
	}
	for _, s := range l.seeds {
		if s == nodeID {
			return true
		}
	}
	return false
}

func (l *LifecycleService) bootstrap(mem membership.Membership) error {
	l.logger.Info().Str("node_id", mem.NodeID).Msg("starting node in bootstrap mode")

	if err := l.peerServer.Start(); err != nil {
		return err
	}
	l.peerRunning = true
	l.logger.Info().Stringer("addr", l.peerServer.Addr()).Msg("peer server started")

	if err := l.apiServer.Start(); err != nil {
		return err
	}
	l.apiRunning = true
	l.logger.Info().Stringer("addr", l.apiServer.Addr()).Msg("API server started")

	if mem.Phase != membership.PhaseReady {
		if err := l.meta.SetPhase(membership.PhaseReady); err != nil {
			return err
		}
		l.logger.Debug().Str("previous", string(mem.Phase)).Msg("persisted membership phase as ready")
	} else {
		l.logger.Debug().Msg("membership phase is already ready, skipping persist")
	}

	l.logger.Info().Msg("node in bootstrap mode is now fully operational (peer + API)")
	return nil
}

func (l *LifecycleService) startNormal(ctx context.Context, mem membership.Membership) error {
	l.logger.Info().Str("node_id", mem.NodeID).Msg("starting node in normal mode")

	if err := l.peerServer.Start(); err != nil {
		return err
	}
	l.peerRunning = true
	l.logger.Info().Stringer("addr", l.peerServer.Addr()).Msg("peer server started")

	if mem.Phase == membership.PhaseIdle {
		l.logger.Info().Msg("waiting for JOIN command")
		if err := l.nodeService.WaitForJoin(ctx); err != nil {
			l.logger.Info().Msg("stop signal received before join, cancelling startup")
			return nil
		}
	} else {
		l.logger.Debug().Str("phase", string(mem.Phase)).Msg("recovering ring")
		if err := l.nodeService.RecoverRing(ctx, mem); err != nil {
			return err
		}
		l.logger.Info().Msg("ring recovered")
	}

	if err := l.apiServer.Start(); err != nil {
		return err
	}
	l.apiRunning = true
	l.logger.Info().Stringer("addr", l.apiServer.Addr()).Msg("API server started")
	l.logger.Info().Msg("node in normal mode is now fully operational (peer + API)")
	return nil
}

// Stop shuts down the API server and then the peer server, each only if
// it was actually started.
func (l *LifecycleService) Stop(ctx context.Context) error {
	if l.apiRunning {
		l.logger.Info().Msg("shutting down API server")
		if err := l.apiServer.Shutdown(ctx); err != nil {
			return err
		}
		l.apiRunning = false
	} else {
		l.logger.Info().Msg("API server is not running, skip shutting down")
	}

	if l.peerRunning {
		l.logger.Info().Msg("shutting down peer server")
		if err := l.peerServer.Shutdown(ctx); err != nil {
			return err
		}
		l.peerRunning = false
	} else {
		l.logger.Info().Msg("peer server is not running, skip shutting down")
	}
	return nil
}
