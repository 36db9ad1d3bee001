// Package server wires the vault together: storage backend, audit recorder,
// isolation guard, services, background jobs, the metrics endpoint and the
// gRPC edge. It owns graceful shutdown.
//
// The edge always serves the gRPC health service. Tenant-facing services are
// registered by the embedding application through the callbacks given to
// NewApp; without them the edge answers health checks only.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/anomaly"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/blobstore"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/cache"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/config"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/isolation"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/maintenance"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/metrics"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/repomanager"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/services"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	gs "github.com/TheRealHZL/MentalHealth-sub001/internal/server/grpc"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config  *config.Config
	logger  logging.Logger
	metrics *metrics.Metrics
	manager repomanager.Manager
	redis   *redis.Client
	cache   cache.Cache

	// register adds application services to the gRPC edge.
	register []func(grpc.ServiceRegistrar)

	Recorder  *audit.Recorder
	Guard     *isolation.Guard
	Records   *services.RecordService
	Envelopes *services.EnvelopeStore
	Contexts  *services.ContextService
	Sequencer *services.Sequencer
	Detector  *anomaly.Detector
	Runner    *maintenance.Runner
}

// OpenManager returns the storage backend selected by c, migrated and ready.
func OpenManager(ctx context.Context, c *config.Config) (repomanager.Manager, error) {
	if c.InMemory() {
		return repomanager.NewMemoryManager(), nil
	}
	m, err := repomanager.Connect(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := m.RunMigrations(ctx); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}
	return m, nil
}

func NewApp(ctx context.Context, c *config.Config, logger logging.Logger, register ...func(grpc.ServiceRegistrar)) (*App, error) {
	if logger == nil {
		logger = logging.NewJSONLogger(os.Stdout, c.LogLevel)
	}
	m := metrics.New()

	manager, err := OpenManager(ctx, c)
	if err != nil {
		return nil, err
	}

	app := &App{config: c, logger: logger, metrics: m, manager: manager, register: register}

	recorder, err := audit.NewRecorder(manager, logger, audit.Options{
		AuditReads: c.AuditReads,
		Retention:  c.AuditRetention,
		HashKey:    c.AuditHashKey,
		Metrics:    m,
	})
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("audit init error: %w", err)
	}
	app.Recorder = recorder

	var blobs blobstore.Store
	if c.EnvelopeOffload {
		s3, err := blobstore.NewS3Store(ctx, c)
		if err != nil {
			app.close(ctx)
			return nil, fmt.Errorf("blob store init error: %w", err)
		}
		blobs = s3
	}

	app.Guard = isolation.NewGuard(manager, recorder, logger, m)
	app.Records = services.NewRecordService(app.Guard)
	app.Envelopes = services.NewEnvelopeStore(app.Guard, blobs, c.EnvelopeInlineLimit, logger)
	app.cache = app.newCache(ctx)
	app.Contexts = services.NewContextService(app.Guard, app.cache, logger, services.ContextOptions{
		TTL:           c.CacheTTL,
		RetentionDays: c.ContextRetentionDays,
		Metrics:       m,
	})
	app.Sequencer = services.NewSequencer(app.Guard, logger, m)
	app.Detector = anomaly.NewDetector(app.Guard, logger, anomaly.Options{
		RapidFireThreshold:  c.RapidFireThreshold,
		BulkAccessThreshold: c.BulkAccessThreshold,
		ScanInterval:        c.ScanInterval,
		Metrics:             m,
	})
	app.Runner = maintenance.NewRunner(app.Guard, recorder, logger, c.MaintenanceInterval)

	return app, nil
}

func (app *App) newCache(ctx context.Context) cache.Cache {
	if app.config.CacheBackend != config.RedisBackend {
		return cache.NewMemoryCache()
	}
	app.redis = redis.NewClient(&redis.Options{
		Addr:     app.config.RedisAddr,
		Password: app.config.RedisPassword,
		DB:       app.config.RedisDB,
	})
	c := cache.NewCache(ctx, app.redis)
	if _, ok := c.(*cache.RedisCache); !ok {
		app.logger.Warn(ctx, "redis unreachable, using in-process context cache", "addr", app.config.RedisAddr)
	}
	return c
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.config.SecretKey, app.register...)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, "grpc server failed", "error", err)
		cancelFunc()
	}
}

func (app *App) startMetricsServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if app.config.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "Starting metrics server", "address", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, "metrics server failed", "error", err)
		cancelFunc()
	}
}

// Run starts every component and blocks until ctx is cancelled, a signal
// arrives or a server fails. Resources are released before it returns.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	for _, run := range []func(){
		func() { app.startGRPCServer(ctx, cancelFunc) },
		func() { app.startMetricsServer(ctx, cancelFunc) },
		func() { app.Detector.Run(ctx) },
		func() { app.Runner.Run(ctx) },
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run()
		}()
	}

	wg.Wait()

	app.close(context.WithoutCancel(ctx))
	app.logger.Info(ctx, "App stopped")
}

func (app *App) close(ctx context.Context) {
	if app.Recorder != nil {
		app.Recorder.Close()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn(ctx, "redis close failed", "error", err)
		}
	}
	if err := app.manager.Close(); err != nil {
		app.logger.Warn(ctx, "db close failed", "error", err)
	}
}
