package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

const sweepInterval = time.Minute

type stores struct {
	bookings storage.BookingStore
	drivers  storage.DriverStore
	ping     func(ctx context.Context) error
	close    func() error
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer st.close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
	}

	static := pricing.StaticRate(pricing.Rate{
		DriverPerKm:        cfg.RateDriverPerKm,
		PlatformFeePercent: cfg.RatePlatformFeePercent,
		Currency:           cfg.RateCurrency,
	})
	var rates pricing.RateSource = static
	if rdb != nil {
		rates = pricing.Chain{pricing.NewRedisRateSource(rdb), static}
	}
	engine := pricing.NewEngine(rates, logger)

	hub := dispatch.NewHub(64)
	publishers := dispatch.Fanout{hub}
	if cfg.PushEndpoint != "" {
		publishers = append(publishers, dispatch.NewPushSink(cfg.PushEndpoint, cfg.PushKey, logger))
	}
	var sink *ingest.KafkaSink
	if len(cfg.KafkaBrokers) > 0 {
		sink = ingest.NewKafkaSink(ingest.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaEventsTopic), 1024, logger)
		publishers = append(publishers, sink)
	}

	reg := registry.New(st.drivers, registry.Options{
		PersistInterval:       cfg.LocationPersistInterval,
		PersistDistanceMeters: cfg.LocationPersistDistanceMeters,
		Freshness:             cfg.DriverFreshness,
		Logger:                logger,
	})
	if n, err := reg.Warm(ctx); err != nil {
		logger.Warn("driver warmup failed", "error", err)
	} else {
		logger.Info("drivers loaded", "count", n)
	}

	mgr := booking.NewManager(st.bookings, reg, engine, publishers, booking.Options{
		PendingTTL: cfg.RequestPendingTTL,
		RequestTTL: cfg.RequestTTL,
		Logger:     logger,
	})
	if cfg.StripeAPIKey != "" {
		mgr.WithPayments(payments.NewStripeGateway(cfg.StripeAPIKey))
	}

	var locations tracking.CustomerLocationStore
	memLocations := tracking.NewMemoryLocationStore(cfg.CustomerFreshness, nil)
	locations = memLocations
	if rdb != nil {
		locations = tracking.NewRedisLocationStore(rdb, cfg.CustomerFreshness)
	}
	track := tracking.NewService(reg, mgr, locations, hub, publishers, tracking.Options{
		CustomerFreshness: cfg.CustomerFreshness,
		Logger:            logger,
	})

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	match := &matcher.Service{
		Drivers:      reg,
		Requests:     mgr,
		Publisher:    publishers,
		ETA:          estimator,
		RadiusMeters: cfg.DispatchRadiusMeters,
		TopN:         cfg.DispatchMaxCandidates,
		Logger:       logger,
	}

	var background sync.WaitGroup
	if len(cfg.KafkaBrokers) > 0 {
		reader := ingest.NewLocationReader(ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaGroup), track, logger)
		background.Add(1)
		go func() {
			defer background.Done()
			if err := reader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("location reader stopped", "error", err)
			}
		}()
	}

	go sweep(ctx, mgr, memLocations, estimator.Cache, logger)

	ready := func(ctx context.Context) error {
		if err := st.ping(ctx); err != nil {
			return err
		}
		if rdb != nil {
			return rdb.Ping(ctx).Err()
		}
		return nil
	}
	api := httpapi.NewServer(httpapi.Deps{
		Matcher:  match,
		Bookings: mgr,
		Drivers:  reg,
		Tracking: track,
		Pricing:  engine,
		Hub:      hub,
		Logger:   logger,
		Ready:    ready,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// The reader publishes through the sink, so it has to finish first.
	background.Wait()
	if sink != nil {
		if err := sink.Close(); err != nil {
			logger.Error("kafka sink close", "error", err)
		}
	}
}

func openStores(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (stores, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, bookings and drivers are kept in memory only")
		mem := storage.NewMemoryStore()
		return stores{
			bookings: mem,
			drivers:  mem.Drivers(),
			ping:     func(context.Context) error { return nil },
			close:    func() error { return nil },
		}, nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return stores{}, err
	}
	if cfg.RunMigrations {
		script, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
		if err != nil {
			_ = pg.Close()
			return stores{}, err
		}
		if err := pg.Migrate(ctx, string(script)); err != nil {
			_ = pg.Close()
			return stores{}, err
		}
		logger.Info("migration applied", "file", "001_init.sql")
	}
	return stores{bookings: pg, drivers: pg.Drivers(), ping: pg.Ping, close: pg.Close}, nil
}

// sweep expires stale ride requests, customer samples and route durations
// held in memory.
func sweep(ctx context.Context, mgr *booking.Manager, locations *tracking.MemoryLocationStore, etas *eta.Cache, logger *slog.Logger) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := mgr.SweepRequests(now); n > 0 {
				logger.Info("ride requests expired", "count", n)
			}
			locations.Sweep()
			etas.Sweep()
		}
	}
}
