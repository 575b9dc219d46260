package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/heartbeat"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/router"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	ready := map[string]httpapi.Pinger{}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	ready["store"] = store

	locator := &matcher.Locator{
		Store:        store,
		RadiusMeters: cfg.MatcherRadiusMeters,
		TopN:         cfg.MatcherTopN,
		Logger:       logger,
	}
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		locator.Geo = rg
		ready["redis"] = rg
		logger.Info("driver locator uses redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var events rides.Events = ingest.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub := ingest.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic)
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("kafka publisher close failed", "err", err)
			}
		}()
		events = pub
		logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers,
			"location_topic", cfg.KafkaLocationTopic, "ride_topic", cfg.KafkaRideTopic)
	}

	reg := session.NewRegistry(logger, session.Options{
		WriteTimeout: cfg.WSWriteTimeout,
		FrameRate:    cfg.FrameRateLimit,
		FrameBurst:   cfg.FrameRateBurst,
	})
	broadcaster := dispatch.NewBroadcaster(reg, logger)
	if cfg.PushEndpoint != "" {
		broadcaster.WithPush(dispatch.NewHTTPPusher(cfg.PushEndpoint))
	}

	engine := rides.NewEngine(store, locator, broadcaster, logger, rides.Options{
		Fallback:     rides.FallbackPolicy(cfg.MatcherFallback),
		RadiusMeters: cfg.MatcherRadiusMeters,
	}).WithEvents(events).WithETA(pickupEstimator(cfg))

	rt := router.New(reg, engine, store, logger, router.Options{
		AuthGrace:       cfg.AuthGrace,
		HandlerTimeout:  cfg.HandlerTimeout,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		PingInterval:    cfg.WSPingInterval,
		WriteTimeout:    cfg.WSWriteTimeout,
	})

	sup := &heartbeat.Supervisor{
		Sessions: reg,
		Drivers:  engine,
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
		Logger:   logger,
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(rt, reg, broadcaster, ready, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		reg.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore picks Postgres when PG_DSN is set. Without it the in-memory store
// is used, and it needs SEED_USERS_FILE since no one could authenticate
// against an empty user table.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Gateway, func(), error) {
	if cfg.PGDSN == "" {
		if cfg.SeedUsersFile == "" {
			return nil, nil, errors.New("PG_DSN or SEED_USERS_FILE must be set")
		}
		mem, err := seededMemoryStore(cfg.SeedUsersFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("PG_DSN not set; using in-memory store", "seed_file", cfg.SeedUsersFile)
		return mem, func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := ps.Close(); err != nil {
			logger.Warn("postgres close failed", "err", err)
		}
	}
	if cfg.RunMigrations {
		applied, err := storage.Migrate(ctx, ps.DB())
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, closeFn, nil
}

func seededMemoryStore(path string) (*storage.MemoryStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed users: %w", err)
	}
	defer f.Close()
	mem := storage.NewMemoryStore()
	if _, err := storage.LoadUsers(mem, f); err != nil {
		return nil, fmt.Errorf("seed users from %s: %w", path, err)
	}
	return mem, nil
}

func pickupEstimator(cfg config.ServerConfig) eta.Estimator {
	straight := eta.StraightLine{SpeedMps: cfg.ETASpeedMps}
	if cfg.OSRMEndpoint == "" {
		return straight
	}
	return &eta.Cached{
		Next:     eta.NewOSRMClient(cfg.OSRMEndpoint),
		Fallback: straight,
		Cache:    eta.NewCache(cfg.ETACacheTTL),
	}
}
