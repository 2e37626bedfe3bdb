package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jimlawless/whereami"
	"github.com/leyvacars/similarity-api/config"
	httpDelivery "github.com/leyvacars/similarity-api/internal/delivery/http"
	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/leyvacars/similarity-api/internal/infrastructure/catalog"
	"github.com/leyvacars/similarity-api/internal/infrastructure/firestore"
	"github.com/leyvacars/similarity-api/internal/infrastructure/imagefetch"
	"github.com/leyvacars/similarity-api/internal/infrastructure/metrics"
	"github.com/leyvacars/similarity-api/internal/usecase"
)

// editors write a file in several steps
const fixtureDebounce = 500 * time.Millisecond

// App owns every long-lived component of the service
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	metrics    *metrics.Metrics
	fixture    *catalog.Fixture
	store      *firestore.Client
	source     *catalog.FallbackSource
	embeddings *usecase.EmbeddingService
	service    *usecase.SimilarityService
	router     *gin.Engine

	closers []func() error
}

// New wires the service from configuration. Nothing is fetched or embedded yet.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		version: version,
		metrics: metrics.New(),
	}

	fixture, err := newFixture(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", whereami.WhereAmI(), err)
	}
	a.fixture = fixture

	// remote stays nil in fixture mode, so the fallback never dials out
	var (
		remote   domain.CatalogSource
		setupErr error
	)
	if cfg.Source.Mode == domain.SourceModeRemote {
		store, err := firestore.NewClient(ctx, firestore.Options{
			ProjectID:       cfg.Source.ProjectID,
			Collection:      cfg.Source.Collection,
			CredentialsFile: cfg.Source.CredentialsFile,
			Endpoint:        cfg.Source.Endpoint,
			Timeout:         cfg.Source.Timeout,
			PageSize:        cfg.Source.PageSize,
		}, logger)
		if err != nil {
			// bad or missing credentials degrade to the fixture set instead of failing startup
			logger.Warn("catalog store client unavailable, serving fixture products only", "error", err)
			setupErr = err
		} else {
			a.store = store
			remote = store
		}
	}
	a.source = catalog.NewFallbackSource(remote, fixture, logger)
	if setupErr != nil {
		a.source.RemoteSetupFailed(setupErr)
	}

	extractor, err := newExtractor(cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", whereami.WhereAmI(), err)
	}

	embeddingCache, closer, err := newCache(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", whereami.WhereAmI(), err)
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	// built-in fixture images resolve locally, everything else goes over HTTP
	fetcher := imagefetch.NewBundled(imagefetch.NewFetcher(imagefetch.Options{
		Timeout:           cfg.Image.Timeout,
		MaxBytes:          cfg.Image.MaxBytes,
		UserAgent:         cfg.Image.UserAgent,
		RequestsPerSecond: cfg.Image.RequestsPerSecond,
		Burst:             cfg.Image.Burst,
		MaxRedirects:      cfg.Image.MaxRedirects,
	}, logger), catalog.BundledImages())

	a.embeddings = usecase.NewEmbeddingService(fetcher, extractor, embeddingCache, a.metrics, logger)
	a.service = usecase.NewSimilarityService(a.source, a.embeddings, usecase.SimilarityServiceConfig{
		Metric:           cfg.Index.Metric,
		TopKDefault:      cfg.Index.TopKDefault,
		MaxTopK:          cfg.Index.MaxTopK,
		BuildConcurrency: cfg.Index.BuildConcurrency,
		RefreshTimeout:   cfg.Index.RefreshTimeout,
	}, a.metrics, logger)

	handler := httpDelivery.NewHandler(a.service, a.source, httpDelivery.HandlerConfig{
		Version:     version,
		Environment: cfg.Server.Environment,
	}, logger)
	a.router = httpDelivery.SetupRouter(cfg, handler, a.metrics, logger)

	logger.Info("service wired",
		"source_mode", cfg.Source.Mode,
		"remote_catalog", a.store != nil,
		"embedding_provider", cfg.Embedding.Provider,
		"model", extractor.Model(),
		"cache", cfg.Cache.Type,
		"metric", cfg.Index.Metric,
	)
	return a, nil
}

// Handler returns the HTTP handler
func (a *App) Handler() http.Handler { return a.router }

// Service returns the query service
func (a *App) Service() *usecase.SimilarityService { return a.service }

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
// The first index build runs in the background; search endpoints answer 503 until it completes.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.cfg.Server.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	var wg sync.WaitGroup

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server started", "addr", srv.Addr, "version", a.version, "environment", a.cfg.Server.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.service.RequestRefresh(bgCtx, "startup")
	a.startBackground(bgCtx, &wg)

	var appErr error
	select {
	case appErr = <-errCh:
		a.logger.Error("HTTP server fatal error", "error", appErr)
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, stopping gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown error", "error", err)
	} else {
		a.logger.Info("HTTP server stopped")
	}

	stopBackground()
	wg.Wait()

	if appErr != nil {
		return fmt.Errorf("%s: %w", whereami.WhereAmI(), appErr)
	}
	return nil
}

// startBackground launches the scheduler, the fixture watcher and the event listener
func (a *App) startBackground(ctx context.Context, wg *sync.WaitGroup) {
	onChange := func(reason string) { a.service.RequestRefresh(ctx, reason) }

	if a.cfg.Index.RefreshInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("refresh scheduler started", "interval", a.cfg.Index.RefreshInterval)
			a.service.RunScheduler(ctx, a.cfg.Index.RefreshInterval)
		}()
	}

	if a.cfg.Source.WatchFixture && a.fixture.Path() != "" {
		watcher, err := catalog.NewFileWatcher(a.fixture, fixtureDebounce, onChange, a.logger)
		if err != nil {
			a.logger.Warn("fixture watcher disabled", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := watcher.Run(ctx); err != nil {
					a.logger.Error("fixture watcher stopped", "error", err)
				}
			}()
		}
	}

	if a.cfg.Events.Enabled() {
		listener, err := catalog.NewEventListener(catalog.EventListenerConfig{
			Brokers:  a.cfg.Events.Brokers,
			Topic:    a.cfg.Events.Topic,
			GroupID:  a.cfg.Events.GroupID,
			Debounce: a.cfg.Events.Debounce,
		}, onChange, a.logger)
		if err != nil {
			a.logger.Warn("catalog event listener disabled", "error", err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil {
				a.logger.Error("catalog event listener stopped", "error", err)
			}
		}()
	}
}

// Close releases cache connections
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
