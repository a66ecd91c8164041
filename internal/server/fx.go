// Package server builds the service's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/api"
	"github.com/JakeFAU/starred-export/internal/artifact"
	"github.com/JakeFAU/starred-export/internal/clock/system"
	"github.com/JakeFAU/starred-export/internal/config"
	"github.com/JakeFAU/starred-export/internal/dedup"
	"github.com/JakeFAU/starred-export/internal/export"
	"github.com/JakeFAU/starred-export/internal/fetch"
	"github.com/JakeFAU/starred-export/internal/hash/sha256"
	"github.com/JakeFAU/starred-export/internal/id/uuid"
	"github.com/JakeFAU/starred-export/internal/logging"
	"github.com/JakeFAU/starred-export/internal/metrics"
	"github.com/JakeFAU/starred-export/internal/progress"
	progresssinks "github.com/JakeFAU/starred-export/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/starred-export/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/starred-export/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/starred-export/internal/queue/memory"
	"github.com/JakeFAU/starred-export/internal/ratelimit"
	"github.com/JakeFAU/starred-export/internal/remote/treehole"
	"github.com/JakeFAU/starred-export/internal/scheduler"
	gcsstorage "github.com/JakeFAU/starred-export/internal/storage/gcs"
	localstorage "github.com/JakeFAU/starred-export/internal/storage/local"
	memorystorage "github.com/JakeFAU/starred-export/internal/storage/memory"
	pgstore "github.com/JakeFAU/starred-export/internal/storage/postgres"
	"github.com/JakeFAU/starred-export/internal/telemetry"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Version is stamped into traces; the build may override it with -ldflags.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	scheduler *scheduler.Scheduler

	progressHub *progress.Hub
	runStore    *pgstore.RunStore
	gcsStore    *gcsstorage.BlobStore
	publisher   *gcppublisher.Publisher

	tracerProvider *sdktrace.TracerProvider
	undoGlobals    func()
}

// Run starts the scheduler and the HTTP server and blocks until ctx is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	schedDone := make(chan error, 1)
	go func() {
		schedDone <- a.scheduler.Run(schedCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	stopScheduler()
	if err := <-schedDone; err != nil {
		a.logger.Error("scheduler stopped with error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close releases infrastructure clients and flushes observability.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub: %w", err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs: %w", err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	for _, err := range errs {
		a.logger.Warn("shutdown step failed", zap.Error(err))
	}
	_ = a.logger.Sync()
	if a.undoGlobals != nil {
		a.undoGlobals()
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, undo, err := logging.Install(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, undoGlobals: undo}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_concurrent_jobs", cfg.Scheduler.MaxConcurrentJobs),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    logging.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	mirror, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	cache, err := dedup.New(dedup.Config{BaseDir: filepath.Join(cfg.Storage.DataDir, "images")}, logger)
	if err != nil {
		return nil, fmt.Errorf("attachment cache init failed: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})
	remote := treehole.New(treehole.Config{
		AuthBaseURL:     cfg.Remote.AuthBaseURL,
		BaseURL:         cfg.Remote.BaseURL,
		UserAgent:       cfg.Remote.UserAgent,
		Timeout:         cfg.Remote.Timeout,
		CommentPageSize: cfg.Fetch.CommentPageSize,
		StarredPageSize: cfg.Fetch.StarredPageSize,
	}, logger)
	engine := fetch.New(limiter, cache, emitter, clock, fetch.Config{Workers: cfg.Fetch.Workers}, logger.Named("fetch"))
	assembler, err := artifact.New(artifact.Config{
		DataDir:      cfg.Storage.DataDir,
		Timezone:     cfg.Render.Timezone,
		MirrorPrefix: cfg.Storage.Prefix,
	}, cache, sha256.New(), mirror, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("assembler init failed: %w", err)
	}

	app.scheduler, err = scheduler.New(scheduler.Config{
		MaxConcurrentJobs:   cfg.Scheduler.MaxConcurrentJobs,
		PollInterval:        cfg.Scheduler.PollInterval,
		AverageJobDuration:  cfg.Scheduler.AverageJobDuration,
		MaxJobDuration:      cfg.Scheduler.MaxJobDuration,
		WatchdogInterval:    cfg.Scheduler.WatchdogInterval,
		VerificationTimeout: cfg.Scheduler.VerificationTimeout,
		NotifyTopic:         cfg.PubSub.TopicName,
	}, scheduler.Deps{
		Registry:  memorystorage.NewJobStore(clock),
		Queue:     queuememory.NewQueue(),
		Sessions:  remote,
		Limiter:   limiter,
		Fetcher:   engine,
		Assembler: assembler,
		Publisher: publisher,
		Emitter:   emitter,
		IDs:       uuid.New(),
		Clock:     clock,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	opts := api.Options{
		Auth:           cfg.Auth,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger.Named("api"),
	}
	if app.runStore != nil {
		opts.Runs = app.runStore
		opts.Ready = app.runStore.Ping
	}
	app.apiServer = api.NewServer(app.scheduler, opts)
	return app, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no database DSN configured, run history disabled")
		return nil
	}
	runStore, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:      app.cfg.Database.DSN,
		MaxConns: app.cfg.Database.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	if err := runStore.EnsureSchema(ctx); err != nil {
		runStore.Close()
		return fmt.Errorf("run store schema failed: %w", err)
	}
	app.runStore = runStore
	app.logger.Info("run store initialized")
	return nil
}

func setupStorage(ctx context.Context, app *App) (export.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := gcsstorage.NewClient(ctx, app.cfg.Storage.Bucket, app.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsStore, err = gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket}, app.logger)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("mirroring archives to GCS", zap.String("bucket", app.cfg.Storage.Bucket))
		return app.gcsStore, nil
	case config.BackendLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("mirroring archives locally", zap.String("path", app.cfg.Storage.Local.BaseDir))
		return blobStore, nil
	case config.BackendMemory:
		app.logger.Info("mirroring archives in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("archive mirroring disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (export.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher, err = gcppublisher.New(client, app.logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.publisher, nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	pc := app.cfg.Progress
	if !pc.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.NopEmitter{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.runStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runStore, app.logger.Named("progress_store")))
	}
	if pc.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}

	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.Batch.MaxEvents,
		MaxBatchWait:   pc.MaxBatchWait(),
		SinkTimeout:    pc.SinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}
