/*
Package metrics provides Prometheus metrics collection and exposition, plus
health/readiness/liveness HTTP handlers, for a paravon node.

# Metrics Catalog

paravon_gossip_attempts_total{result}:
  - Type: Counter
  - Description: Gossip exchange attempts, result="success"|"error"

paravon_gossip_rate:
  - Type: Gauge
  - Description: Current gossip rate limiter rate in exchanges/s

paravon_ring_vnodes:
  - Type: Gauge
  - Description: Number of vnodes in the local node's ring view

paravon_bucket_checksum_recomputes_total:
  - Type: Counter
  - Description: Bucket checksum recomputations triggered by membership changes

paravon_storage_ops_total{op}:
  - Type: Counter
  - Description: Storage operations by verb (get/put/put_many/delete/iter)

paravon_peer_connections_active:
  - Type: Gauge
  - Description: Active connections held by the local peer connection pool

paravon_transport_frames_total{direction}:
  - Type: Counter
  - Description: Wire frames processed, direction="in"|"out"

# Instrumentation style

Counters are incremented at their call site (pkg/storage, pkg/gossip,
pkg/transport) rather than polled, since they count discrete events.
Collector polls the remaining gauges (ring size, gossip rate, active peer
connections) on a ticker, since those reflect a component's current state
rather than an event.

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(someHistogram)

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())
	http.HandleFunc("/live", metrics.LivenessHandler())
*/
package metrics
