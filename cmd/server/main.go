package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"wgkeeper/internal/config"
	"wgkeeper/internal/database"
	"wgkeeper/internal/handlers"
	"wgkeeper/internal/logging"
	"wgkeeper/internal/services"
)

func main() {
	// 1. Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.NewLogger(cfg)

	// 2. Init DB
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}
	store := database.NewStore(db)
	defer store.Close()

	runner := services.NewExecRunner(cfg.CommandTimeout)

	// 3. Setup network (interface & NAT)
	netSvc := services.NewNetworkService(cfg, runner, logger)
	if cfg.SetupInterface {
		if err := netSvc.SetupInterface(); err != nil {
			logger.Warn().Err(err).Msg("interface setup failed (may require root/NET_ADMIN)")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SetupFirewall {
		if err := netSvc.SetupFirewall(ctx); err != nil {
			logger.Warn().Err(err).Msg("firewall setup failed")
		}
	}

	// 4. Interface controller
	var (
		iface services.InterfaceController
		keys  services.KeyProvisioner
	)
	switch cfg.Backend {
	case "cli":
		iface = services.NewCLIController(cfg.InterfaceName, runner, logger)
		keys = services.NewCLIKeyProvisioner(runner)
	default:
		wg, err := services.NewWGController(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init wireguard controller")
		}
		defer wg.Close()
		if err := wg.ConfigureServer(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to configure server keys on interface")
		}
		iface = wg
		keys = services.WGKeyProvisioner{}
	}

	pool, err := services.ParsePool(cfg.Pool, cfg.PoolStart)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid address pool")
	}

	metrics := services.NewMetrics(prometheus.DefaultRegisterer)
	defaults := services.Defaults{
		AllowedRoutes: cfg.DefaultAllowedRoutes,
		DNS:           cfg.DefaultDNS,
		Keepalive:     cfg.DefaultKeepalive,
	}
	rec := services.NewReconciler(store, iface, keys, pool, defaults, metrics, logger)
	rec.SetServerAddress(cfg.ServerEndpoint, cfg.Port)
	stats := services.NewStatsLoop(store, iface, rec.Locks(), cfg.StatsInterval, cfg.PruneUnknownPeers, metrics, logger)

	// 5. Bring the interface in line with the directory
	if n, err := store.Count(ctx); err == nil {
		logger.Info().Int64("peers", n).Msg("peer directory loaded")
	}
	if _, err := rec.Converge(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial convergence failed")
	}

	// 6. API server and statistics loop
	e := handlers.NewServer(handlers.NewPeerHandler(rec, stats, logger), prometheus.DefaultGatherer, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("wgkeeper starting")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("wgkeeper stopped")
}
