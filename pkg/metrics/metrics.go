package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GossipAttemptsTotal counts each Gossiper.attemptGossip outcome.
	GossipAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paravon_gossip_attempts_total",
			Help: "Total number of gossip exchange attempts by result",
		},
		[]string{"result"},
	)

	// GossipRate is the Gossiper's current CubicRateLimiter rate, in
	// exchanges/s.
	GossipRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paravon_gossip_rate",
			Help: "Current gossip rate limiter rate in exchanges per second",
		},
	)

	// RingVNodes is the number of vnodes in the local node's view of the
	// consistent-hash ring.
	RingVNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paravon_ring_vnodes",
			Help: "Number of vnodes in the local ring view",
		},
	)

	// BucketChecksumRecomputesTotal counts BucketTable checksum
	// recomputations triggered by a membership change.
	BucketChecksumRecomputesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paravon_bucket_checksum_recomputes_total",
			Help: "Total number of bucket checksum recomputations",
		},
	)

	// StorageOpsTotal counts PartitionedStorage operations by verb.
	StorageOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paravon_storage_ops_total",
			Help: "Total number of storage operations by op",
		},
		[]string{"op"},
	)

	// PeerConnectionsActive is the number of peer connections the local
	// ClientConnectionPool currently holds.
	PeerConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paravon_peer_connections_active",
			Help: "Number of active peer connections in the connection pool",
		},
	)

	// TransportFramesTotal counts wire frames processed by direction.
	TransportFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paravon_transport_frames_total",
			Help: "Total number of transport frames by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		GossipAttemptsTotal,
		GossipRate,
		RingVNodes,
		BucketChecksumRecomputesTotal,
		StorageOpsTotal,
		PeerConnectionsActive,
		TransportFramesTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
