// Package app builds the long-lived services and runs the HTTP API alongside
// the worker pool.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeguard/internal/api"
	"github.com/JakeFAU/scrapeguard/internal/clock/system"
	"github.com/JakeFAU/scrapeguard/internal/config"
	"github.com/JakeFAU/scrapeguard/internal/crawler"
	"github.com/JakeFAU/scrapeguard/internal/dispatcher"
	"github.com/JakeFAU/scrapeguard/internal/egress"
	collyfetcher "github.com/JakeFAU/scrapeguard/internal/fetcher/colly"
	"github.com/JakeFAU/scrapeguard/internal/fetcher/httpfetch"
	"github.com/JakeFAU/scrapeguard/internal/hash/sha256"
	"github.com/JakeFAU/scrapeguard/internal/id/uuid"
	"github.com/JakeFAU/scrapeguard/internal/logging"
	"github.com/JakeFAU/scrapeguard/internal/metrics"
	memorypublisher "github.com/JakeFAU/scrapeguard/internal/publisher/memory"
	queueMemory "github.com/JakeFAU/scrapeguard/internal/queue/memory"
	memoryStorage "github.com/JakeFAU/scrapeguard/internal/storage/memory"
	"github.com/JakeFAU/scrapeguard/internal/telemetry"
	"github.com/JakeFAU/scrapeguard/internal/webhook"
	"github.com/JakeFAU/scrapeguard/internal/worker"
)

// eventPublisher is what both webhook backends provide.
type eventPublisher interface {
	crawler.Publisher
	api.StateReporter
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	queue          *queueMemory.Queue
	jobStore       *memoryStorage.JobStore
	publisher      eventPublisher
	egress         *egress.Dispatcher
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. A nil logger builds one from
// cfg.Logging.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrency", cfg.Scrape.Concurrency),
		zap.Strings("engines", cfg.Scrape.Engines),
	)

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Options{
			ServiceName:  cfg.Telemetry.ServiceName,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	guard, err := egress.New(cfg.EgressPolicy(), logger.Named("egress"))
	if err != nil {
		return nil, fmt.Errorf("egress init failed: %w", err)
	}
	a.egress = guard

	engines, err := NewEngines(cfg, guard)
	if err != nil {
		a.egress.Close()
		return nil, err
	}

	a.publisher = setupPublisher(cfg, logger)
	a.jobStore = memoryStorage.NewJobStore()
	a.queue = queueMemory.NewQueue(cfg.Scrape.QueueDepth)

	hasher := sha256.New()
	clock := system.New()
	ids := uuid.New()
	workerCfg := worker.Config{
		Engines:         cfg.Scrape.Engines,
		ScrapeTimeout:   cfg.Scrape.Timeout,
		EngineTimeout:   cfg.Scrape.EngineTimeout,
		PublishRetries:  cfg.Webhook.PublishRetries,
		DeliveryTimeout: cfg.Webhook.DeliveryTimeout,
	}
	workers := make([]*worker.Worker, 0, cfg.Scrape.Concurrency)
	for i := 0; i < cfg.Scrape.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.jobStore,
			a.publisher,
			hasher,
			clock,
			ids,
			engines,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers, logger.Named("dispatcher"))
	a.apiServer = api.NewServer(a.jobStore, a.dispatch, a.publisher, ids, clock, cfg, logger.Named("api"))

	return a, nil
}

// NewEngines builds the engines named by cfg.Scrape.Engines, in order, on top
// of the egress dispatcher d.
func NewEngines(cfg config.Config, d *egress.Dispatcher) ([]crawler.Engine, error) {
	engines := make([]crawler.Engine, 0, len(cfg.Scrape.Engines))
	for _, name := range cfg.Scrape.Engines {
		switch name {
		case httpfetch.EngineName:
			engines = append(engines, httpfetch.New(httpfetch.Config{
				UserAgent:    cfg.Scrape.UserAgent,
				MaxBodyBytes: cfg.Scrape.MaxBodyBytes,
			}, d))
		case collyfetcher.EngineName:
			engines = append(engines, collyfetcher.New(collyfetcher.Config{
				UserAgent:    cfg.Scrape.UserAgent,
				MaxRedirects: cfg.Egress.MaxRedirects,
				MaxBodyBytes: cfg.Scrape.MaxBodyBytes,
			}, d))
		default:
			return nil, fmt.Errorf("unknown engine %q", name)
		}
	}
	return engines, nil
}

func setupPublisher(cfg config.Config, logger *zap.Logger) eventPublisher {
	if !cfg.Webhook.Enabled {
		logger.Warn("webhooks disabled, using in-memory publisher")
		return memorypublisher.New(logger.Named("publisher"))
	}
	if cfg.Webhook.BrokerURL == "" {
		logger.Error("webhooks enabled without a broker url, publishes will fail")
	}
	logger.Info("webhook publisher initialized", zap.String("queue", cfg.Webhook.Queue))
	return webhook.NewPublisher(cfg.PublisherConfig(), logger)
}

// Handler exposes the API router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// JobStore exposes the job store backing the API.
func (a *App) JobStore() crawler.JobStore {
	return a.jobStore
}

// Run serves HTTP and processes jobs until ctx is canceled or SIGINT/SIGTERM
// arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.warmPublisher(ctx)

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	workers.Wait()

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// warmPublisher starts the broker connection in the background so the first
// event does not pay for the dial. Failures are retried on publish.
func (a *App) warmPublisher(ctx context.Context) {
	p, ok := a.publisher.(*webhook.Publisher)
	if !ok {
		return
	}
	go func() {
		connectCtx, cancel := context.WithTimeout(ctx, a.cfg.Webhook.DeliveryTimeout)
		defer cancel()
		if err := p.Connect(connectCtx); err != nil {
			a.logger.Warn("webhook broker unreachable at startup", zap.Error(err))
		}
	}()
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases every service. Workers must already have stopped.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	a.queue.Close()
	a.egress.Close()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
