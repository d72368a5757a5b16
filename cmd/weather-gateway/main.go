package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	httpapi "github.com/i474232898/weather-gateway/internal/api/http"
	"github.com/i474232898/weather-gateway/internal/city"
	"github.com/i474232898/weather-gateway/internal/config"
	"github.com/i474232898/weather-gateway/internal/fetch"
	"github.com/i474232898/weather-gateway/internal/logger"
	"github.com/i474232898/weather-gateway/internal/model"
	"github.com/i474232898/weather-gateway/internal/scheduler"
	"github.com/i474232898/weather-gateway/internal/store"
	"github.com/i474232898/weather-gateway/internal/weather"
	"github.com/i474232898/weather-gateway/internal/weather/providers"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.Init(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	// Snapshot store with configured retention.
	st, err := store.New(cfg.StoreType, cfg.BBoltPath, store.Options{
		MaxHistory: cfg.StoreMaxHistory,
		MaxAge:     cfg.StoreMaxAge,
	})
	if err != nil {
		lg.Fatalw("failed to open store", "type", cfg.StoreType, "error", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			lg.Warnw("failed to close store", "error", err)
		}
	}()

	provider := newProvider(cfg, lg)
	lg.Infow("weather backend selected", "backend", provider.Name())

	// Core service putting the provider and store behind the handlers.
	service := weather.NewService(st, provider, lg)

	locations := cfg.Locations
	if len(locations) == 0 {
		locations = []weather.Location{{City: cfg.DefaultCity}}
	}

	predictor := model.New(cfg.ModelPath)

	// One record on a cold city cache is lookup, registration and the weather fetch.
	jobTimeout := providers.CallBudget(cfg.FetchMaxAttempts, cfg.HTTPTimeout)

	// Scheduler that periodically records snapshots and retrains the predictor.
	sched := scheduler.New(locations, service, predictor, scheduler.Config{
		FetchInterval:   cfg.FetchInterval,
		RetrainInterval: cfg.ModelRetrainInterval,
		JobTimeout:      jobTimeout,
	}, lg)

	if err := predictor.Load(); err != nil {
		lg.Infow("no saved model; training in background", "path", cfg.ModelPath, "reason", err)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout*time.Duration(len(locations)))
			defer cancel()
			if err := sched.Retrain(ctx); err != nil {
				lg.Warnw("initial model training failed", "error", err)
			}
		}()
	}

	if err := sched.Start(); err != nil {
		lg.Fatalw("failed to start scheduler", "error", err)
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Minute, // rate-limit waits can hold a request for a while
		ErrorHandler:          httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(fiberlogger.New())
	app.Use(recover.New())
	app.Use(cors.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":        "ok",
			"service":       cfg.AppName,
			"backend":       service.ProviderName(),
			"model_trained": predictor.Trained(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes.
	httpapi.RegisterRoutes(app, service, predictor, cfg.DefaultCity)

	go func() {
		lg.Infow("http server listening", "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			lg.Errorw("fiber server stopped", "error", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		lg.Errorw("error during shutdown", "error", err)
	}
}

// newProvider builds the configured weather backend.
func newProvider(cfg *config.AppConfig, lg *zap.SugaredLogger) weather.Provider {
	if cfg.Backend != config.BackendUpstream {
		return providers.NewMockProvider(cfg.MockSeed)
	}

	var limiter *rate.Limiter
	if cfg.UpstreamRateLimit > 0 {
		burst := int(cfg.UpstreamRateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRateLimit), burst)
	}

	fetcher := fetch.New(fetch.Config{
		Client:           fetch.NewRestyClient(cfg.HTTPTimeout),
		Logger:           lg,
		Limiter:          limiter,
		BreakerThreshold: cfg.BreakerThreshold,
	})

	var resolver city.NameResolver = city.NewResolver(fetcher, city.Config{
		BaseURL: cfg.UpstreamBaseURL,
		Token:   cfg.UpstreamAPIToken,
		Country: cfg.UpstreamCountry,
	}, lg)
	if cfg.CityCacheTTL > 0 {
		cached := city.NewCachedResolver(resolver, cfg.CityCacheTTL)
		cached.SharedTimeout = 2 * fetch.Budget(city.MaxAttempts, cfg.HTTPTimeout)
		resolver = cached
	}

	return providers.NewUpstreamProvider(fetcher, resolver, providers.UpstreamConfig{
		BaseURL:     cfg.UpstreamBaseURL,
		Token:       cfg.UpstreamAPIToken,
		MaxAttempts: cfg.FetchMaxAttempts,
	}, lg)
}
