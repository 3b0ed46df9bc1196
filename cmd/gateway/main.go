package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/at/internal/authz"
	"github.com/rakunlabs/at/internal/cluster"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/discovery"
	"github.com/rakunlabs/at/internal/discovery/consul"
	"github.com/rakunlabs/at/internal/discovery/gossip"
	"github.com/rakunlabs/at/internal/dispatch"
	"github.com/rakunlabs/at/internal/idp"
	"github.com/rakunlabs/at/internal/metrics"
	"github.com/rakunlabs/at/internal/server"
	"github.com/rakunlabs/at/internal/session"
	"github.com/rakunlabs/at/internal/sharedstore"
)

var (
	name    = "gateway"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := sharedstore.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to connect to shared store: %w", err)
	}
	defer store.Close()

	backend, err := newDiscoveryBackend(ctx, cfg.Discovery, cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to build discovery backend: %w", err)
	}
	resolver := discovery.New(backend)

	dispatcher, err := dispatch.New(resolver, cfg.Dispatch)
	if err != nil {
		return fmt.Errorf("failed to build dispatcher: %w", err)
	}

	idpClient, err := idp.New(cfg.IdP)
	if err != nil {
		return fmt.Errorf("failed to build idp client: %w", err)
	}

	sessions := session.New(store, cfg.Session, cfg.Online.TTL)

	identity, err := authz.NewIdentityService(resolver, cfg.Authz.IdentityService)
	if err != nil {
		return fmt.Errorf("failed to build identity service client: %w", err)
	}

	roleCache := authz.NewCache(store, cfg.Authz, "authz:roles:", identity.FetchRoles, "roles")
	permCache := authz.NewCache(store, cfg.Authz, "authz:perms:", identity.FetchPermissions, "permissions")
	authz.WatchInvalidations(ctx, store, "authz:invalidations", roleCache, permCache)

	evaluator := authz.NewEvaluator(cfg.Dashboard)

	collector := metrics.NewCollector(store, cfg.Metrics.SlowEndpointThresholdMs)
	aggregator := metrics.NewAggregator(store)
	reporter := metrics.NewReporter(store, name, cfg.Metrics.ReporterInterval, nil)
	ccuSampler := metrics.NewCCUSampler(store, cfg.Metrics.CCUScheduleInterval, cfg.Metrics.CCULockLease)

	go reporter.Run(ctx)
	go ccuSampler.Run(ctx)

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("failed to build cluster: %w", err)
	}
	if cl != nil {
		onReload := func() {
			fresh, err := config.Load(ctx, name)
			if err != nil {
				slog.Error("cluster: reload config failed", "error", err)
				return
			}
			evaluator.ReloadDashboardPolicy(fresh.Dashboard)
		}
		go func() {
			if err := cl.Start(ctx, onReload); err != nil {
				slog.Error("cluster stopped", "error", err)
			}
		}()
		defer func() {
			if err := cl.Stop(); err != nil {
				slog.Warn("cluster: stop failed", "error", err)
			}
		}()

		select {
		case <-cl.Ready():
			slog.Info("cluster: ready")
		case <-ctx.Done():
		}
	}

	srv, err := server.New(*cfg, server.Deps{
		Store:      store,
		Sessions:   sessions,
		IdP:        idpClient,
		Evaluator:  evaluator,
		Roles:      roleCache,
		Perms:      permCache,
		Dispatcher: dispatcher,
		Collector:  collector,
		Aggregator: aggregator,
		Cluster:    cl,
		ConfigPath: name,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	slog.Info("gateway starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return srv.Start(ctx)
}

// newDiscoveryBackend builds the configured service-discovery backend.
// "gossip" additionally requires server.alan to be set and is started in
// the background before any resolution can succeed; callers should
// expect transient ErrUnavailable until peers announce.
func newDiscoveryBackend(ctx context.Context, cfg config.Discovery, serverCfg config.Server) (discovery.Backend, error) {
	switch cfg.Backend {
	case "gossip":
		if serverCfg.Alan == nil {
			return nil, fmt.Errorf("discovery.backend is %q but server.alan is not configured", cfg.Backend)
		}

		b, err := gossip.New(*serverCfg.Alan)
		if err != nil {
			return nil, err
		}

		go func() {
			if err := b.Start(ctx); err != nil {
				slog.Error("gossip discovery stopped", "error", err)
			}
		}()

		// Give the gossip layer a moment to discover existing peers before
		// the gateway starts accepting traffic that depends on it.
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}

		return b, nil
	default:
		return consul.New(cfg.Consul)
	}
}
