package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crowdsense/crowdsense-go/internal/config"
	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/handler"
	"github.com/crowdsense/crowdsense-go/internal/infra/batch"
	"github.com/crowdsense/crowdsense-go/internal/infra/cache"
	"github.com/crowdsense/crowdsense-go/internal/infra/client"
	"github.com/crowdsense/crowdsense-go/internal/infra/keypool"
	"github.com/crowdsense/crowdsense-go/internal/infra/observability"
	"github.com/crowdsense/crowdsense-go/internal/infra/ratelimit"
	"github.com/crowdsense/crowdsense-go/internal/infra/resilience"
	"github.com/crowdsense/crowdsense-go/internal/infra/supabase"
	"github.com/crowdsense/crowdsense-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Int("vision_keys", len(cfg.VisionKeys)),
		zap.Int("places_keys", len(cfg.PlacesKeys)),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("breaker_max_failures", cfg.BreakerMaxFailures),
		zap.Duration("breaker_cooldown", cfg.BreakerCooldown),
		zap.Bool("batch_enabled", cfg.BatchEnabled),
		zap.Int("batch_max_size", cfg.BatchMaxSize),
		zap.Duration("batch_timeout", cfg.BatchTimeout),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "crowdsense")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Quota tracking and key rotation ---
	tracker := ratelimit.NewTracker(time.Minute)
	rotator := keypool.NewRotator(tracker, cfg.KeyBlacklistDuration)
	rotator.AddPool("vision", keysFromCredentials("vision", cfg.VisionKeys), cfg.VisionMaxRPM)
	rotator.AddPool("places", keysFromCredentials("places", cfg.PlacesKeys), cfg.PlacesMaxRPM)

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:         cfg.MaxRetries,
		InitialBackoff:     cfg.InitialBackoff,
		MaxConcurrency:     cfg.MaxConcurrency,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerCooldown:    cfg.BreakerCooldown,
	}
	onBreakerChange := func(name, from, to string) {
		metrics.IncrBreakerTransition(name, to)
	}
	visionCB := resilience.NewServiceBreaker("vision", resilienceCfg, logger, onBreakerChange)
	placesCB := resilience.NewServiceBreaker("places", resilienceCfg, logger, onBreakerChange)
	bulkhead := resilience.NewBulkhead(cfg.MaxConcurrency)

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	visionClient := client.NewVisionClient(httpClient, cfg.VisionAPIURL, visionCB, bulkhead, resilienceCfg)
	placesClient := client.NewPlacesClient(httpClient, cfg.PlacesAPIURL, placesCB, resilienceCfg)

	// --- Cache and fallback chain ---
	resultCache := cache.New[*domain.AnalysisResult](cfg.CacheFreshTTL, cfg.CacheMediumTTL, cfg.CacheLongTTL)
	estimator := service.NewEstimator(resultCache, logger)

	// --- Orchestrator ---
	predictor := service.NewPredictor(cfg, visionClient, placesClient, estimator,
		resultCache, rotator, tracker, visionCB, placesCB, metrics, logger)

	if cfg.SupabaseURL != "" {
		archiveCB := resilience.NewServiceBreaker("supabase", resilienceCfg, logger, onBreakerChange)
		archive := supabase.NewClient(httpClient, cfg.SupabaseURL, cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey, archiveCB, resilienceCfg, logger)
		predictor.SetArchiver(archive)
		logger.Info("analysis history archive enabled", zap.String("supabase_url", cfg.SupabaseURL))
	} else {
		logger.Info("analysis history archive disabled: Supabase not configured")
	}

	if cfg.BatchEnabled {
		coordinator := batch.NewCoordinator("vision", cfg.BatchMaxSize, cfg.BatchTimeout,
			predictor.FlushVision, estimator, metrics, logger)
		predictor.SetBatcher(coordinator)
		logger.Info("batch coordinator enabled",
			zap.Int("max_size", cfg.BatchMaxSize),
			zap.Duration("window", cfg.BatchTimeout),
		)
	}

	// --- Router ---
	router := handler.NewRouter(predictor, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// keysFromCredentials derives stable key IDs from a service's credential
// list. Credentials never appear in logs or the status endpoint; only the
// derived IDs do.
func keysFromCredentials(service string, credentials []string) []keypool.Key {
	keys := make([]keypool.Key, 0, len(credentials))
	for i, cred := range credentials {
		keys = append(keys, keypool.Key{
			ID:         fmt.Sprintf("%s-%d", service, i),
			Credential: cred,
		})
	}
	return keys
}
