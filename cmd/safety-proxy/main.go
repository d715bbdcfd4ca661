package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/safety-proxy/pkg/cache"
	"github.com/Sternrassler/safety-proxy/pkg/client"
	"github.com/Sternrassler/safety-proxy/pkg/connectivity"
	"github.com/Sternrassler/safety-proxy/pkg/events"
	"github.com/Sternrassler/safety-proxy/pkg/lifecycle"
	"github.com/Sternrassler/safety-proxy/pkg/logging"
	"github.com/Sternrassler/safety-proxy/pkg/notify"
	"github.com/Sternrassler/safety-proxy/pkg/queue"
	"github.com/Sternrassler/safety-proxy/pkg/router"
	"github.com/Sternrassler/safety-proxy/pkg/syncer"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "safety-proxy: %v\n", err)
		os.Exit(2)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.Level(cfg.LogLevel)
	logCfg.Pretty = cfg.LogPretty
	logCfg.Version = cfg.version().String()
	logger := logging.Setup(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")

	a, err := newApp(cfg, rdb, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Shut down")
}

// app holds the wired components of one proxy process.
type app struct {
	cfg    config
	logger zerolog.Logger

	bus       *events.Bus
	tracker   *connectivity.Tracker
	queue     *queue.Queue
	router    *router.Router
	engine    *syncer.Engine
	lifecycle *lifecycle.Manager
	responder *notify.Responder
}

func newApp(cfg config, rdb *redis.Client, logger zerolog.Logger) (*app, error) {
	bus := events.NewBus()

	tracker := connectivity.NewTracker(rdb, bus, logging.NewLogger("connectivity"))
	tracker.SetThreshold(cfg.OfflineThreshold)

	fetcher := client.New(client.DefaultConfig(), tracker)
	cacheManager := cache.NewManager(rdb)

	var backend queue.Backend
	switch cfg.QueueBackend {
	case queueBackendBadger:
		bb, err := queue.OpenBadger(cfg.BadgerDir, logging.NewLogger("badger"))
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("open queue: %w", err)
		}
		backend = bb
	default:
		backend = queue.NewRedisBackend(rdb)
	}
	q := queue.New(backend, logging.NewLogger("queue"))

	routerCfg := router.DefaultConfig()
	routerCfg.Origin = cfg.origin
	rt := router.New(routerCfg, fetcher, cacheManager, q, logging.NewLogger("router"))

	sink := notify.LogSink{Logger: logging.NewLogger("notify")}

	syncCfg := syncer.DefaultConfig()
	syncCfg.MaxAttempts = cfg.SyncMaxAttempts
	syncCfg.Debounce = cfg.SyncDebounce
	// Replays do not feed the tracker: a failing replay is an item failure,
	// and an observed offline transition would cancel the pass retrying it.
	replayer := client.New(client.DefaultConfig(), nil)
	engine := syncer.New(q, replayer, tracker, bus, sink, syncCfg, logging.NewLogger("syncer"))

	lcCfg := lifecycle.DefaultConfig(cfg.origin)
	lcCfg.PeriodicInterval = cfg.PeriodicInterval
	lm := lifecycle.New(lcCfg, cacheManager, fetcher, rt, tracker, bus, sink, logging.NewLogger("lifecycle"))

	return &app{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		tracker:   tracker,
		queue:     q,
		router:    rt,
		engine:    engine,
		lifecycle: lm,
		responder: notify.NewResponder(cfg.origin, lm, logging.NewLogger("responder")),
	}, nil
}

// run installs the configured version and serves until ctx is done. The
// proxy passes requests through while the install is still running.
func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(a.engine.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(a.lifecycle.Run(gctx))
	})
	g.Go(func() error {
		if err := a.lifecycle.Upgrade(gctx, a.cfg.version()); err != nil {
			// Keep serving in pass-through mode; a later upgrade may succeed.
			a.logger.Error().Err(err).Msg("Initial install failed")
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info().
			Str("addr", srv.Addr).
			Str("origin", a.cfg.origin.String()).
			Str("queue_backend", a.cfg.QueueBackend).
			Msg("Starting safety proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *app) close() {
	a.router.Wait()
	if err := a.queue.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close queue")
	}
	a.bus.Close()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
