// Package node implements the node-local control surface: persisted
// identity (NodeMetaManager), the join/drain state machine (NodeService),
// seed-quorum bootstrap (SeedBootstrapper), and startup/shutdown
// sequencing (LifecycleService). Everything here is local to one node;
// cluster-wide convergence is pkg/gossip's job.
package node
