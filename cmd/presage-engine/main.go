package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/presagestack/presage-engine/internal/alerting"
	"github.com/presagestack/presage-engine/internal/analyzer"
	"github.com/presagestack/presage-engine/internal/api"
	"github.com/presagestack/presage-engine/internal/cache"
	"github.com/presagestack/presage-engine/internal/config"
	"github.com/presagestack/presage-engine/internal/metrics"
	"github.com/presagestack/presage-engine/internal/remediation"
	"github.com/presagestack/presage-engine/internal/repo"
	"github.com/presagestack/presage-engine/internal/scheduler"
	"github.com/presagestack/presage-engine/internal/utils"
	"github.com/presagestack/presage-engine/internal/validation"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting presage-engine",
		slog.String("address", cfg.Server.Address),
		slog.Int("monitored_series", len(cfg.Monitors)),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var cacheCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			PoolSize:     cfg.Cache.PoolSize,
		})
		if err != nil {
			logger.Warn("redis cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			cacheCloser = provider
		}
	}
	if cacheCloser != nil {
		defer cacheCloser.Close()
	}

	store, err := repo.NewSQLStore(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open history store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	telemetry := repo.NewTelemetryClient(
		cfg.Telemetry.BaseURL,
		cfg.Telemetry.HistoryPath,
		cfg.Telemetry.Timeout,
		cacheProvider,
		cfg.Telemetry.CacheTTL,
		utils.ComponentLogger(logger, "telemetry"),
	)
	configStore := repo.NewConfigClient(cfg.ConfigStore.BaseURL, cfg.ConfigStore.Timeout)

	notifiers := make([]alerting.Notifier, 0, len(cfg.Notifiers.Webhooks))
	for _, hook := range cfg.Notifiers.Webhooks {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(hook.Name, hook.URL, cfg.Analysis.DeliveryTimeout))
	}

	manager := alerting.NewManager(
		utils.ComponentLogger(logger, "alerting"),
		alerting.Config{
			ConfidenceThreshold: cfg.Analysis.ConfidenceThreshold,
			DedupWindow:         cfg.Analysis.DedupWindow,
			ResolveSamples:      cfg.Analysis.ResolveSamples,
			DeliveryTimeout:     cfg.Analysis.DeliveryTimeout,
			DeliveryRetries:     cfg.Analysis.DeliveryRetries,
		},
		store,
		notifiers,
	)
	for _, monitor := range cfg.Monitors {
		if monitor.ConfidenceThreshold > 0 {
			manager.SetConfidenceThreshold(monitor.Service, monitor.ConfidenceThreshold)
		}
	}

	inWindow, err := cfg.Remediation.WindowPredicate()
	if err != nil {
		logger.Error("invalid maintenance windows", slog.Any("error", err))
		os.Exit(1)
	}
	orchestrator := remediation.NewOrchestrator(
		utils.ComponentLogger(logger, "remediation"),
		remediation.Config{
			InWindow:          inWindow,
			DailyLimit:        cfg.Remediation.DailyLimit,
			WeeklyLimit:       cfg.Remediation.WeeklyLimit,
			BreakerThreshold:  cfg.Remediation.BreakerThreshold,
			BreakerWindow:     cfg.Remediation.BreakerWindow,
			BreakerCooldown:   cfg.Remediation.BreakerCooldown,
			PreWindow:         cfg.Remediation.PreWindow,
			PostWindow:        cfg.Remediation.PostWindow,
			SampleInterval:    cfg.Remediation.SampleInterval,
			ErrorRateIncrease: cfg.Remediation.ErrorRateIncrease,
			LatencyIncrease:   cfg.Remediation.LatencyIncrease,
			FailureIncrease:   cfg.Remediation.FailureIncrease,
			LockTTL:           cfg.Remediation.LockTTL,
		},
		configStore,
		telemetry,
		store,
		nil,
		cacheProvider,
	)

	tracker := validation.NewTracker(
		utils.ComponentLogger(logger, "validation"),
		validation.Config{
			FPRTarget:    cfg.Validation.TargetFalsePositiveRate,
			RecallTarget: cfg.Validation.TargetRecall,
			LeadTime:     cfg.Validation.LeadTime,
			ReportWindow: cfg.Validation.ReportWindow,
		},
		store,
		manager,
	)

	driver := scheduler.NewDriver(
		utils.ComponentLogger(logger, "scheduler"),
		scheduler.Config{
			Interval:      cfg.Analysis.Interval,
			HistoryWindow: cfg.Analysis.HistoryWindow,
			Concurrency:   cfg.Analysis.MaxConcurrent,
			Analyzer: analyzer.Config{
				Alpha:                cfg.Analysis.Alpha,
				ConsecutiveIncreases: cfg.Analysis.ConsecutiveIncreases,
				ZThreshold:           cfg.Analysis.ZThreshold,
			},
		},
		telemetry,
		manager,
		tracker,
		cfg.Monitors,
	)

	handler := api.NewHandler(
		utils.ComponentLogger(logger, "api"),
		driver, manager, orchestrator, tracker, store, store,
	)
	server := api.NewServer(cfg.Server.Address, handler, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go driver.Run(ctx)

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("api server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	orchestrator.Shutdown()
	manager.WaitForDeliveries()
	logger.Info("presage-engine stopped")
}
