package metrics

import (
	"time"

	"github.com/cuemby/paravon/pkg/space"
)

// ringSource matches topology.Manager.GetRing.
type ringSource interface {
	GetRing() space.Ring
}

// rateReporter matches gossip.Gossiper.Rate without importing its
// concrete type into a cyclic dependency.
type rateReporter interface {
	Rate() float64
}

// connCounter matches peerclient.ClientConnectionPool.ActiveConnections.
type connCounter interface {
	ActiveConnections() int
}

// Collector polls the gauges that aren't naturally event-driven: ring
// size, gossip rate, and active peer connections. Event-driven counters
// (StorageOpsTotal, GossipAttemptsTotal, TransportFramesTotal,
// BucketChecksumRecomputesTotal) are incremented at their call sites
// instead and need no polling.
type Collector struct {
	topo   ringSource
	gossip rateReporter
	pool   connCounter
	stopCh chan struct{}
}

// NewCollector builds a Collector over the node's topology manager,
// gossiper, and peer connection pool.
func NewCollector(topo ringSource, g rateReporter, pool connCounter) *Collector {
	return &Collector{
		topo:   topo,
		gossip: g,
		pool:   pool,
		stopCh: make(chan struct{}),
	}
}

// Start begins polling on a 15s ticker, collecting once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector's ticker loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.topo != nil {
		RingVNodes.Set(float64(c.topo.GetRing().Len()))
	}
	if c.gossip != nil {
		GossipRate.Set(c.gossip.Rate())
	}
	if c.pool != nil {
		PeerConnectionsActive.Set(float64(c.pool.ActiveConnections()))
	}
}
