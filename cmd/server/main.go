package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"TicketMail/internal/api"
	"TicketMail/internal/asset"
	"TicketMail/internal/attachment"
	"TicketMail/internal/config"
	"TicketMail/internal/db"
	"TicketMail/internal/email"
	"TicketMail/internal/firestore"
	"TicketMail/internal/memstore"
	"TicketMail/internal/metrics"
	"TicketMail/internal/models"
	"TicketMail/internal/ticket"
	"TicketMail/internal/worker"
)

// queueStore is what every store backend provides.
type queueStore interface {
	worker.JobStore
	worker.SettingsStore
	attachment.DesignSource
	api.JobQueue
	api.SettingsWriter
	Watch(ctx context.Context, out chan<- models.JobSignal) error
}

func main() {

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Store
	// ------------------------------------------------
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store setup failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Ticket Attachments
	// ------------------------------------------------
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal("invalid timezone", zap.Error(err))
	}

	cache, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		logger.Fatal("template cache setup failed", zap.String("cache", cfg.TemplateCache), zap.Error(err))
	}
	defer closeCache()

	fetcher := asset.NewFetcher(
		&http.Client{Timeout: cfg.TemplateFetchTimeout},
		cache,
		cfg.TemplateCacheTTL,
		logger.Named("asset"),
	)
	renderer := ticket.NewRenderer(loc, logger.Named("ticket"))
	builder := attachment.NewBuilder(store, fetcher, renderer, logger.Named("attachment"))

	// ------------------------------------------------
	// Processor + Sweeper
	// ------------------------------------------------
	sender := email.NewSender(logger.Named("smtp"))

	processor := worker.NewProcessor(store, store, sender, builder, logger.Named("processor"))
	processor.MaxAttempts = cfg.MaxAttempts
	processor.StaleAfter = cfg.StaleLockAfter

	sweeper := worker.NewSweeper(store, processor, logger.Named("sweep"))
	sweeper.Batch = cfg.SweepBatch
	sweeper.Limit = cfg.SweepLimit
	sweeper.StaleAfter = cfg.StaleLockAfter

	// ------------------------------------------------
	// Signal Channel (watcher -> workers)
	// ------------------------------------------------
	signals := make(chan models.JobSignal, 100)

	var watchWG sync.WaitGroup
	watchWG.Add(1)
	go func() {
		defer watchWG.Done()
		if err := store.Watch(ctx, signals); err != nil {
			// The sweep still drives the queue without the creation signal.
			logger.Error("job watcher stopped", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	worker.StartPool(
		ctx,
		&wg,
		cfg.WorkerCount,
		signals,
		processor,
		limiter,
		logger.Named("pool"),
	)

	// ------------------------------------------------
	// Sweep Schedule
	// ------------------------------------------------
	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))),
	))
	if _, err := sweeper.Schedule(ctx, scheduler, cfg.SweepSchedule); err != nil {
		logger.Fatal("invalid sweep schedule", zap.Error(err))
	}
	scheduler.Start()
	logger.Info("sweep scheduled", zap.String("schedule", cfg.SweepSchedule))

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store:    store,
		Settings: store,
		Sweeper:  sweeper,
		Log:      logger.Named("api"),
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Routes(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Let a running sweep finish its current job
	<-scheduler.Stop().Done()

	// Stop producing signals, then drain workers
	watchWG.Wait()
	close(signals)
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queueStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		store, err := db.New(ctx, cfg.DatabaseURL, logger.Named("postgres"))
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.DriverFirestore:
		store, err := firestore.New(ctx, cfg.FirestoreProject, logger.Named("firestore"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("firestore close failed", zap.Error(err))
			}
		}, nil

	default:
		logger.Warn("using in-memory store, jobs are lost on restart")
		return memstore.New(), func() {}, nil
	}
}

func openCache(ctx context.Context, cfg *config.Config) (asset.Cache, func(), error) {
	switch cfg.TemplateCache {
	case config.CacheRedis:
		rc, err := asset.NewRedisCache(cfg.RedisURL, "ticketmail:template")
		if err != nil {
			return nil, nil, err
		}
		if err := rc.Ping(ctx); err != nil {
			rc.Close()
			return nil, nil, err
		}
		return rc, func() { rc.Close() }, nil

	case config.CacheNone:
		return nil, func() {}, nil

	default:
		return asset.NewMemoryCache(64), func() {}, nil
	}
}
