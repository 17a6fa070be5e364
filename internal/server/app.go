// Package server builds the application's dependencies and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11yscan/internal/api"
	"github.com/JakeFAU/a11yscan/internal/browser"
	"github.com/JakeFAU/a11yscan/internal/clock/system"
	"github.com/JakeFAU/a11yscan/internal/config"
	"github.com/JakeFAU/a11yscan/internal/dispatcher"
	"github.com/JakeFAU/a11yscan/internal/logging"
	"github.com/JakeFAU/a11yscan/internal/pipeline"
	memorypublisher "github.com/JakeFAU/a11yscan/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/a11yscan/internal/publisher/pubsub"
	"github.com/JakeFAU/a11yscan/internal/report"
	"github.com/JakeFAU/a11yscan/internal/robots"
	"github.com/JakeFAU/a11yscan/internal/scan"
	gcsstorage "github.com/JakeFAU/a11yscan/internal/storage/gcs"
	localstorage "github.com/JakeFAU/a11yscan/internal/storage/local"
	memorystorage "github.com/JakeFAU/a11yscan/internal/storage/memory"
	pgstore "github.com/JakeFAU/a11yscan/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/a11yscan/internal/storage/sqlite"
	"github.com/JakeFAU/a11yscan/internal/telemetry"
)

// ServiceName identifies the service in traces and logs.
const ServiceName = "a11yscan"

// Version is stamped at build time.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

// Mode selects which long-running components Build wires.
type Mode struct {
	API     bool
	Workers bool
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	renderer   scan.Renderer
	auditor    scan.Auditor
}

// WithLogger supplies a logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithRegisterer routes the OpenTelemetry metric bridge to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithCapabilities replaces the headless browser with the given renderer and auditor.
func WithCapabilities(renderer scan.Renderer, auditor scan.Auditor) Option {
	return func(o *buildOptions) {
		o.renderer = renderer
		o.auditor = auditor
	}
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	mode   Mode
	logger *zap.Logger

	store      scan.Store
	blobs      scan.BlobStore
	browser    *browser.Browser
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server
	submitter  api.Submitter
	telemetry  *telemetry.Providers
	gcsClient  *storage.Client
	psClient   *pubsub.Client
	psPublish  *gcppublisher.Publisher
	ownsLogger bool
	closeOnce  sync.Once
}

// Build creates the application's dependencies for mode. On error every
// resource opened so far is released.
func Build(ctx context.Context, cfg *config.Config, mode Mode, opts ...Option) (app *App, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	app = &App{cfg: cfg, mode: mode, logger: o.logger}
	if app.logger == nil {
		app.logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Service:     ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.ownsLogger = true
		zap.ReplaceGlobals(app.logger)
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()

	app.logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("api", mode.API),
		zap.Bool("workers", mode.Workers),
	)

	app.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName: ServiceName,
		Version:     Version,
		ProjectID:   tracingProject(cfg),
		SampleRatio: cfg.Tracing.SampleRatio,
		Registerer:  o.registerer,
	})
	if err != nil {
		return app, fmt.Errorf("telemetry init failed: %w", err)
	}

	clock := system.New()
	if app.store, err = setupStore(ctx, cfg, clock, app.logger); err != nil {
		return app, err
	}
	app.submitter = storeSubmitter{store: app.store}

	if !mode.API && !mode.Workers {
		return app, nil
	}

	if app.blobs, err = app.setupBlobs(ctx); err != nil {
		return app, err
	}

	if mode.Workers {
		if err = app.setupWorkers(ctx, clock, o); err != nil {
			return app, err
		}
	}

	if mode.API {
		app.apiServer = api.NewServer(app.store, app.submitter, app.blobs, api.Options{
			AuthEnabled:       cfg.Auth.Enabled,
			APIKey:            cfg.Auth.APIKey,
			ReportContentType: report.NewJSONBuilder().ContentType(),
		}, app.logger.Named("api"))
	}
	return app, nil
}

// Store exposes the scan store.
func (a *App) Store() scan.Store {
	return a.store
}

// Handler returns the HTTP handler, or nil when the API is not wired.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Submit queues a scan, waking local workers when present.
func (a *App) Submit(ctx context.Context, url string) (int64, error) {
	id, err := a.submitter.Submit(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("submit scan: %w", err)
	}
	return id, nil
}

// Run starts the wired components and blocks until ctx is canceled or the
// HTTP server fails. Cancellation aborts any in-flight scan, which is marked
// failed with the context error; Run returns once every worker has exited.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if a.dispatch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
			a.dispatch.Run(ctx)
		}()
	}

	var srv *http.Server
	serveErr := make(chan error, 1)
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		a.logger.Error("http server error", zap.Error(runErr))
	}
	a.logger.Info("shutdown initiated")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	wg.Wait()

	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close releases every resource. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		errs = append(errs, a.closeInfrastructure()...)
		errs = append(errs, a.closeObservability(ctx)...)
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() []error {
	var errs []error
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if a.psPublish != nil {
		a.psPublish.Stop()
	}
	if a.psClient != nil {
		if err := a.psClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errs
}

func (a *App) closeObservability(ctx context.Context) []error {
	var errs []error
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.ownsLogger {
		// Sync on stderr-backed loggers reports EINVAL on some platforms.
		_ = a.logger.Sync()
	}
	return errs
}

func (a *App) setupWorkers(ctx context.Context, clock scan.Clock, o buildOptions) error {
	renderer, auditor := o.renderer, o.auditor
	if renderer == nil || auditor == nil {
		if !a.cfg.Browser.Enabled {
			return errors.New("workers need browser.enabled")
		}
		b, err := browser.New(browser.Config{
			UserAgent:         a.cfg.Scan.UserAgent,
			PageTimeout:       a.cfg.ScanTimeout(),
			NavigationTimeout: a.cfg.NavigationTimeout(),
			SettleTimeout:     a.cfg.SettleTimeout(),
			DomainQPS:         a.cfg.Scan.DomainQPS,
			MaxParallel:       a.cfg.Browser.MaxParallel,
			AxePath:           a.cfg.Browser.AxePath,
			ExecPath:          a.cfg.Browser.ExecPath,
		}, a.logger.Named("browser"))
		if err != nil {
			return fmt.Errorf("browser init failed: %w", err)
		}
		a.browser = b
		renderer, auditor = browser.NewRenderer(b), browser.NewAuditor(b)
	}

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	gate := robots.New(robots.Config{
		UserAgent:  a.cfg.Scan.UserAgent,
		AgentToken: a.cfg.Robots.UserAgent,
		Timeout:    a.cfg.RobotsTimeout(),
	}, nil, a.logger.Named("robots"))

	orch, err := pipeline.New(pipeline.Deps{
		Store:     a.store,
		Robots:    gate,
		Renderer:  renderer,
		Auditor:   auditor,
		Blobs:     a.blobs,
		Reports:   report.NewJSONBuilder(),
		Publisher: publisher,
		Clock:     clock,
	}, pipeline.Config{
		EnforceRobots: a.cfg.Robots.Enforce,
		Viewports:     a.cfg.Viewports(),
		Topic:         a.cfg.PubSub.TopicName,
	}, a.logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	a.dispatch = dispatcher.New(a.store, orch, clock, dispatcher.Config{
		Concurrency:  a.cfg.Worker.Concurrency,
		PollInterval: a.cfg.PollInterval(),
		StaleAfter:   a.cfg.StaleAfter(),
		ReapInterval: a.cfg.ReapInterval(),
	}, a.logger)
	a.submitter = a.dispatch
	a.logger.Info("workers configured",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Duration("poll_interval", a.cfg.PollInterval()),
		zap.Duration("stale_after", a.cfg.StaleAfter()),
		zap.Bool("enforce_robots", a.cfg.Robots.Enforce),
	)
	return nil
}

func setupStore(ctx context.Context, cfg *config.Config, clock scan.Clock, logger *zap.Logger) (scan.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:      cfg.Database.DSN,
			MaxConns: cfg.Database.MaxConns,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if cfg.Database.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close() //nolint:errcheck // already failing
				return nil, fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		logger.Info("using postgres scan store")
		return store, nil
	case "sqlite":
		store, err := sqlitestore.Open(ctx, cfg.Database.DSN, clock)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite scan store", zap.String("path", cfg.Database.DSN))
		return store, nil
	default:
		logger.Warn("using in-memory scan store; scans are lost on restart")
		return memorystorage.NewScanStore(clock), nil
	}
}

func (a *App) setupBlobs(ctx context.Context) (scan.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scan.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.psClient = client
	a.psPublish = gcppublisher.New(client.Publisher(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.psPublish, nil
}

func tracingProject(cfg *config.Config) string {
	if !cfg.Tracing.Enabled {
		return ""
	}
	if cfg.Tracing.ProjectID != "" {
		return cfg.Tracing.ProjectID
	}
	return cfg.PubSub.ProjectID
}

// storeSubmitter queues scans for workers running in another process.
type storeSubmitter struct {
	store scan.Store
}

func (s storeSubmitter) Submit(ctx context.Context, url string) (int64, error) {
	id, err := s.store.CreateScan(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("create scan: %w", err)
	}
	return id, nil
}
