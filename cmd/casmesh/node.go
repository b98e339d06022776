package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/casmesh/internal/api"
	"github.com/tunnelmesh/casmesh/internal/auth"
	"github.com/tunnelmesh/casmesh/internal/config"
	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/discovery"
	"github.com/tunnelmesh/casmesh/internal/distributed"
	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/internal/location/httpregistry"
	"github.com/tunnelmesh/casmesh/internal/metrics"
	"github.com/tunnelmesh/casmesh/internal/store"
	"github.com/tunnelmesh/casmesh/internal/svc"
)

// nodeShutdownTimeout bounds the orchestrator shutdown after the API stops.
const nodeShutdownTimeout = 30 * time.Second

// node is a fully wired casmesh process.
type node struct {
	cfg       *config.Config
	store     *distributed.Store
	api       *api.Server
	collector *metrics.Collector
	logger    zerolog.Logger
}

// newNode wires a node from validated configuration.
func newNode(cfg *config.Config, m *metrics.CacheMetrics, logger zerolog.Logger) (*node, error) {
	var (
		signer *auth.Signer
		token  func() (string, error)
	)
	if cfg.Auth.SharedSecret != "" {
		var err error
		signer, err = auth.NewSigner(cfg.Auth.SharedSecret, cfg.TokenTTL())
		if err != nil {
			return nil, err
		}
		token = signer.TokenSource(cfg.Machine().String())
	} else {
		logger.Warn().Msg("No shared secret configured, peer API is unauthenticated")
	}

	var (
		factory  location.Factory
		registry http.Handler
	)
	switch cfg.Registry.Mode {
	case config.RegistryMemory, config.RegistryServe:
		table := location.NewMemoryTable(location.TableOptions{
			Expiry:          cfg.RegistryExpiry(),
			DesignatedCount: cfg.Registry.DesignatedCount,
			Logger:          logger,
		})
		factory = location.NewMemoryFactory(table, location.MemoryFactoryOptions{
			ReplicaCredit: cfg.ReplicaCredit(),
			Reconcile:     cfg.Registry.Reconcile,
			Logger:        logger,
		})
		if cfg.Registry.Mode == config.RegistryServe {
			srv := httpregistry.NewServer(table, logger)
			if m != nil {
				srv.OnRequest = m.ObserveRegistryRequest
			}
			registry = srv
		}
	case config.RegistryHTTP:
		factory = httpregistry.NewClient(httpregistry.ClientOptions{
			BaseURL:       cfg.Registry.URL,
			Token:         token,
			ReplicaCredit: cfg.ReplicaCredit(),
			Reconcile:     cfg.Registry.Reconcile,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unknown registry mode %q", cfg.Registry.Mode)
	}

	s, err := distributed.NewStore(distributed.Config{
		LocalMachine:    cfg.Machine(),
		Settings:        cfg.Settings(),
		RegistryFactory: factory,
		NewLocalStore: func(eviction store.EvictionConfig) (store.Store, error) {
			return store.NewFileStore(store.Options{
				Root:     cfg.StoreRoot(),
				Quota:    cfg.Store.Quota.Bytes(),
				MinFree:  cfg.Store.MinFree.Bytes(),
				Eviction: eviction,
				Logger:   logger,
			})
		},
		Copier: copier.Options{
			WorkingDirectory:   cfg.WorkingDirectory(),
			Peers:              cfg.PeerLocations(),
			PushBytesPerSecond: cfg.Replication.PushRate.Bytes(),
			Token:              token,
			Logger:             logger,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create distributed store: %w", err)
	}

	n := &node{
		cfg:   cfg,
		store: s,
		api: api.NewServer(api.Options{
			Store:     s,
			Signer:    signer,
			RateLimit: cfg.API.RateLimit,
			RateBurst: cfg.API.RateBurst,
			Metrics:   m,
			Registry:  registry,
			Logger:    logger,
		}),
		logger: logger.With().Str("component", "node").Logger(),
	}
	if m != nil {
		n.collector = metrics.NewCollector(m, s, logger)
	}
	return n, nil
}

// run serves the peer API on ln, starts the orchestrator and blocks until
// ctx is cancelled. The API drains before the orchestrator shuts down.
func (n *node) run(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.api.Serve(gctx, ln)
	})

	startErr := n.store.Startup(gctx)
	if startErr != nil {
		n.logger.Error().Err(startErr).Msg("Startup failed")
		cancel()
	} else {
		n.logger.Info().
			Str("machine", n.cfg.Machine().String()).
			Str("registry", n.cfg.Registry.Mode).
			Bool("distributed_eviction", n.cfg.Settings().DistributedEviction()).
			Msg("Node started")
		if n.collector != nil {
			g.Go(func() error {
				n.collector.Run(gctx, n.cfg.StatsInterval())
				return nil
			})
		}
	}

	runErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), nodeShutdownTimeout)
	defer shutdownCancel()
	shutdownErr := n.store.Shutdown(shutdownCtx)

	return errors.Join(startErr, runErr, shutdownErr)
}

// runNodeFromConfig loads configuration and runs a node until ctx is
// cancelled. It is also the service entry point.
func runNodeFromConfig(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	discoverPeers(ctx, cfg, log.Logger)

	m := metrics.InitMetrics(cfg.Node.Name, Version)
	n, err := newNode(cfg, m, log.Logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Node.Listen, err)
	}
	return n.run(ctx, ln)
}

// discoverPeers appends SRV-published peers to the configured ones. A failed
// lookup leaves the static peer list in place.
func discoverPeers(ctx context.Context, cfg *config.Config, logger zerolog.Logger) {
	if cfg.Discovery.Domain == "" {
		return
	}
	peers, err := discovery.Peers(ctx, discovery.Options{
		Domain:   cfg.Discovery.Domain,
		Resolver: cfg.Discovery.Resolver,
		Scheme:   cfg.Discovery.Scheme,
		Logger:   logger,
	})
	if err != nil {
		logger.Warn().Err(err).Str("domain", cfg.Discovery.Domain).Msg("Peer discovery failed")
		return
	}
	cfg.Peers = append(cfg.Peers, peers...)
	logger.Info().Int("discovered", len(peers)).Int("peers", len(cfg.PeerLocations())).Msg("Discovered peers")
}

func defaultConfigPath() string {
	return svc.DefaultConfigPath()
}
