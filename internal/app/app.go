// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bissquit/notify-relay/api"
	"github.com/bissquit/notify-relay/internal/config"
	"github.com/bissquit/notify-relay/internal/pkg/ctxlog"
	"github.com/bissquit/notify-relay/internal/pkg/httputil"
	"github.com/bissquit/notify-relay/internal/pkg/metrics"
	"github.com/bissquit/notify-relay/internal/pkg/pool"
	"github.com/bissquit/notify-relay/internal/ratelimit"
	"github.com/bissquit/notify-relay/internal/relay"
	"github.com/bissquit/notify-relay/internal/relay/webpush"
	"github.com/bissquit/notify-relay/internal/version"
)

const metricsInterval = 15 * time.Second

const docsPage = `<!DOCTYPE html>
<html>
<head>
    <title>notify-relay API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	backend       *Backend
	stores        *relay.StorePool
	service       *relay.Service
	limiter       *ratelimit.Limiter
	server        *http.Server
	metricsServer *http.Server
	cancel        context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := NewLogger(cfg.Log)
	slog.SetDefault(logger)

	backend, err := OpenBackend(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	app, err := newApp(cfg, logger, backend, nil)
	if err != nil {
		_ = backend.Close(context.Background())
		return nil, err
	}
	return app, nil
}

// newApp wires the application on top of a connected backend. A nil sender
// selects the web push sender built from cfg.VAPID.
func newApp(cfg *config.Config, logger *slog.Logger, backend *Backend, sender relay.Sender) (*App, error) {
	if sender == nil {
		pushSender, err := webpush.NewSender(webpush.Config{
			PublicKey:  cfg.VAPID.PublicKey,
			PrivateKey: cfg.VAPID.PrivateKey,
			Subscriber: cfg.VAPID.Subscriber,
			TTL:        cfg.Relay.PushTTL,
			Urgency:    cfg.Relay.PushUrgency,
		})
		if err != nil {
			return nil, fmt.Errorf("create push sender: %w", err)
		}
		sender = pushSender
	}

	quota := ratelimit.Quota{Requests: cfg.RateLimit.Requests, Period: cfg.RateLimit.Period}
	if err := quota.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	stores := relay.NewStorePool(backend.Open, pool.Config{
		MaxSize:        cfg.Store.PoolSize,
		AcquireTimeout: cfg.Store.AcquireTimeout,
	})
	links := relay.NewLinks(cfg.Server.BaseURL)

	app := &App{
		config:  cfg,
		logger:  logger,
		backend: backend,
		stores:  stores,
		service: relay.NewService(stores, cfg.Relay.HistorySize),
		limiter: ratelimit.New(quota),
		cancel:  cancel,
	}

	dispatcher := relay.NewDispatcher(stores, sender, links, relay.DispatcherConfig{
		DeliveryTimeout: cfg.Relay.DeliveryTimeout,
		PageSize:        cfg.Relay.FanoutPageSize,
		MaxParallel:     cfg.Relay.MaxParallel,
	})
	handler := relay.NewHandler(app.service, dispatcher, links, cfg.VAPID.PublicKey)

	if cfg.RateLimit.PruneInterval > 0 {
		go app.limiter.Run(ctx, cfg.RateLimit.PruneInterval)
	}
	go app.collectMetrics(ctx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(handler),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"base_url", a.config.Server.BaseURL,
		"store", a.backend.Driver,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.cancel()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, server := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	a.stores.Close()
	if err := a.backend.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a *App) collectMetrics(ctx context.Context) {
	record := func() {
		metrics.RecordStorePoolMetrics(a.stores.Stats())
		if a.backend.db != nil {
			metrics.RecordDBPoolMetrics(a.backend.db)
		}
	}
	record()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter(handler *relay.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		_, _ = w.Write(api.OpenAPISpec)
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(docsPage))
	})

	staticDir := a.config.Server.StaticDir
	r.Get("/", serveFile(filepath.Join(staticDir, "index.html")))
	r.Get("/c/{channelId}", serveFile(filepath.Join(staticDir, "channel.html")))
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))

	handler.RegisterPublicRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(a.limiter))
		handler.RegisterLimitedRoutes(r)
	})

	return r
}

func serveFile(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, path)
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.service.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

// NewLogger builds the root logger.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
