package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/paravon/pkg/config"
	"github.com/cuemby/paravon/pkg/gossip"
	"github.com/cuemby/paravon/pkg/hlc"
	"github.com/cuemby/paravon/pkg/kvservice"
	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/membership"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/metrics"
	"github.com/cuemby/paravon/pkg/node"
	"github.com/cuemby/paravon/pkg/peerclient"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/cuemby/paravon/pkg/storage"
	"github.com/cuemby/paravon/pkg/throttling"
	"github.com/cuemby/paravon/pkg/topology"
	"github.com/cuemby/paravon/pkg/transport"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node as a cluster member",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "paravon.yaml", "Path to the node's YAML configuration file")
}

// maxInnerKeyspaces bounds how many partition keyspaces share one inner
// bbolt backend before PartitionedStorage advances to the next env_index.
// With the default partition_shift of 7 (128 logical partitions) this
// spreads the partitions over two backend files, env_index 0 and 1.
const maxInnerKeyspaces = 64

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := log.WithComponent("cmd.serve")

	size, err := membership.ParseNodeSize(cfg.Node.Size)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ser := serializer.MsgPackSerializer{}

	systemBackend, err := storage.OpenBoltBackend(filepath.Join(cfg.Storage.DataDir, "system.db"))
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return fmt.Errorf("serve: opening system store: %w", err)
	}
	defer systemBackend.Close()
	metrics.RegisterComponent("storage", true, "")

	identity := node.Identity{
		NodeID:      cfg.Node.ID,
		Size:        size,
		PeerAddress: cfg.Server.Peer.AdvertisedAddress(),
	}
	meta := node.NewNodeMetaManager(identity, systemBackend, ser)
	if _, err := meta.GetMembership(); err != nil {
		return fmt.Errorf("serve: loading local membership: %w", err)
	}

	dataBackends := storage.NewBoltBackendFactory(cfg.Storage.DataDir, maxInnerKeyspaces)
	defer dataBackends.Close()
	versionedFactory := storage.NewVersionedStorageFactory(dataBackends, hlc.LWWResolver{}, cfg.Node.ID)
	partitioned := storage.NewPartitionedStorage(versionedFactory)

	table := gossip.NewBucketTable(uint64(1)<<cfg.PartitionShift, ser, meta, 3)
	topo := topology.NewManager(cfg.Node.ID, table)

	serverTLS, err := cfg.ServerTLSConfig()
	if err != nil {
		return err
	}
	clientTLS, err := cfg.ClientTLSConfig()
	if err != nil {
		return err
	}

	pool := peerclient.NewClientConnectionPool(clientTLS, ser, func() *throttling.ExponentialBackoff {
		return throttling.NewExponentialBackoff(0.25, 2, 10, 0.25)
	}, 0)
	defer pool.Close()

	rateLimiter := throttling.NewCubicRateLimiter(throttling.NewCubicRateController(5, 0.5, 50, 0.7, 0.4))
	localMember := func() membership.Membership {
		mem, _ := meta.GetMembership()
		return mem
	}
	gossiper := gossip.NewGossiper(cfg.Node.ID, pool, topo, localMember, rateLimiter, 8)
	pool.Subscribe(gossip.MsgTypeChecksums, gossiper.HandleChecksums)
	pool.Subscribe(gossip.MsgTypeBucket, gossiper.HandleBucket)

	nodeService := node.NewNodeService(meta, gossiper, topo, node.SeedBootstrapperConfig{
		Seeds:     cfg.Server.Peer.Seeds,
		TLSConfig: clientTLS,
		Ser:       ser,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	peerRouter := transport.NewRouter()
	peerRouter.Handle("join", func(map[string]interface{}) message.Message { return nodeService.Join(ctx) })
	peerRouter.Handle("drain", func(map[string]interface{}) message.Message { return nodeService.Drain(ctx) })
	peerRouter.Handle("remove", func(map[string]interface{}) message.Message { return nodeService.Remove() })
	peerRouter.Handle(gossip.MsgTypeChecksums, nodeService.ApplyChecksumsHandler(ctx))
	peerRouter.Handle(gossip.MsgTypeBucket, nodeService.ApplyBucketHandler(ctx))

	apiRouter := transport.NewRouter()
	kv := kvservice.NewService(cfg.Node.ID, partitioned, topo, cfg.PartitionShift)
	for msgType, handler := range kv.Handlers() {
		apiRouter.Handle(msgType, handler)
	}

	peerServer := transport.NewMessageServer(transport.ServerConfig{
		Host:                    cfg.Server.Peer.Host,
		Port:                    cfg.Server.Peer.Port,
		TLSConfig:               serverTLS,
		MaxMessageSize:          uint32(cfg.Server.MaxMessageSize),
		MaxBufferSize:           uint32(cfg.Server.MaxBufferSize),
		GracefulShutdownTimeout: cfg.Server.TimeoutGracefulShutdown,
	}, ser, transport.RoutedApplication(peerRouter))

	apiServer := transport.NewMessageServer(transport.ServerConfig{
		Host:                    cfg.Server.API.Host,
		Port:                    cfg.Server.API.Port,
		TLSConfig:               serverTLS,
		MaxMessageSize:          uint32(cfg.Server.MaxMessageSize),
		MaxBufferSize:           uint32(cfg.Server.MaxBufferSize),
		GracefulShutdownTimeout: cfg.Server.TimeoutGracefulShutdown,
	}, ser, transport.RoutedApplication(apiRouter))

	for _, seed := range cfg.Server.Peer.Seeds {
		pool.Register(seed, seed)
	}

	lifecycle := node.NewLifecycleService(nodeService, apiServer, peerServer, meta, cfg.Server.Peer.Seeds)
	if err := lifecycle.Start(ctx); err != nil {
		metrics.RegisterComponent("peer_server", false, err.Error())
		metrics.RegisterComponent("api_server", false, err.Error())
		return fmt.Errorf("serve: starting node: %w", err)
	}
	metrics.RegisterComponent("peer_server", true, "")
	metrics.RegisterComponent("api_server", true, "")

	go gossiper.Run(ctx)
	go pool.DispatchForever(ctx)

	collector := metrics.NewCollector(topo, gossiper, pool)
	collector.Start()
	defer collector.Stop()

	metricsServer := newMetricsServer(cfg.Metrics)
	if metricsServer != nil {
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("node_id", cfg.Node.ID).Msg("paravon node is running")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.TimeoutGracefulShutdown+time.Second)
	defer cancelShutdown()
	return lifecycle.Stop(shutdownCtx)
}

// newMetricsServer builds the plaintext /metrics, /health, /ready, /live
// HTTP server. A zero port disables it.
func newMetricsServer(ep config.Endpoint) *http.Server {
	if ep.Port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	return &http.Server{Addr: ep.Address(), Handler: mux}
}
