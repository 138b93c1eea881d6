package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lotwatch/internal/adminchat"
	"lotwatch/internal/cache"
	"lotwatch/internal/config"
	"lotwatch/internal/httpserver"
	"lotwatch/internal/logging"
	"lotwatch/internal/market"
	"lotwatch/internal/metrics"
	"lotwatch/internal/monitor"
	"lotwatch/internal/notify"
	"lotwatch/internal/observability"
	"lotwatch/internal/plugin"
	"lotwatch/internal/remote"
	"lotwatch/internal/repo"
	"lotwatch/internal/throttle"
	"lotwatch/internal/wa"
	"lotwatch/migrations"

	"github.com/joho/godotenv"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting lotwatch", "env", cfg.AppEnv, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	store, err := repo.Open(ctx, repo.Options{
		Driver:      cfg.DatabaseDriver,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
		Schema:      cfg.DatabaseSchema,
	}, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("store migrated", "driver", cfg.DatabaseDriver)

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed, offer cache disabled", "error", err)
			closeRedis(redisClient, logger)
			redisClient = nil
		} else {
			defer closeRedis(redisClient, logger)
		}
	}

	limiter := throttle.New(cfg.MarketMaxPerMinute)
	limiter.OnWait(func(d time.Duration) {
		metricRegistry.ThrottleWait.Observe(d.Seconds())
	})
	logger.Info("outbound rate limit", "interval", limiter.Interval())

	marketClient := market.New(market.Config{
		BaseURL:       cfg.MarketBaseURL,
		CDNBaseURL:    cfg.MarketCDNBaseURL,
		Timeout:       cfg.MarketTimeout,
		OfferCacheTTL: cfg.OfferCacheTTL,
	}, limiter, logger, metricRegistry, redisClient)

	settings := config.NewSettingsFile(cfg.SettingsPath, cfg.SessionCookie, version)
	if _, err := settings.Settings(); err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	pluginState, err := plugin.OpenBoltState(cfg.PluginStatePath)
	if err != nil {
		return fmt.Errorf("open plugin state: %w", err)
	}
	defer func() {
		if err := pluginState.Close(); err != nil {
			logger.Warn("failed closing plugin state", "error", err)
		}
	}()

	plugins := plugin.NewRegistry(cfg.PluginsDir, pluginState, logger, metricRegistry)
	if err := plugins.LoadAll(ctx); err != nil {
		logger.Warn("plugin discovery failed", "dir", cfg.PluginsDir, "error", err)
	}

	sinks := notify.Multi{notify.NewLog(logger, metricRegistry)}

	var waClient *wa.Client
	if cfg.WhatsAppEnabled {
		waClient, err = wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			Metrics:   metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()

		recipients, err := wa.ParseJIDs(cfg.NotifyJIDs)
		if err != nil {
			return fmt.Errorf("parse NOTIFY_JIDS: %w", err)
		}
		admins, err := wa.ParseJIDs(cfg.AdminJIDs)
		if err != nil {
			return fmt.Errorf("parse ADMIN_JIDS: %w", err)
		}
		if len(recipients) > 0 {
			sinks = append(sinks, notify.NewWhatsApp(waClient, recipients, logger, metricRegistry))
		}
		waClient.SetMessageProcessor(adminchat.New(adminchat.Options{
			Sender:    waClient,
			Plugins:   plugins,
			Store:     store,
			Settings:  settings,
			Messenger: marketClient,
			Orders:    marketClient,
			Admins:    admins,
			Logger:    logger,
		}))
	}

	var remoteClient monitor.Remote
	if cfg.RemoteGistID != "" || cfg.RemoteTagsRepo != "" {
		remoteClient = remote.New(remote.Config{
			BaseURL:  cfg.RemoteBaseURL,
			GistID:   cfg.RemoteGistID,
			TagsRepo: cfg.RemoteTagsRepo,
			OwnerID:  cfg.RemoteOwnerID,
			Token:    cfg.RemoteToken,
		}, limiter, logger)
	}

	supervisor := monitor.New(monitor.Options{
		Market:   marketClient,
		Remote:   remoteClient,
		Store:    store,
		Settings: settings,
		Sink:     sinks,
		Plugins:  plugins,
		Logger:   logger,
		Metrics:  metricRegistry,
	})

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Options{
		BasePath:   cfg.PublicBasePath,
		AdminToken: cfg.AdminToken,
	})
	httpSrv.SetDependencies(httpserver.Dependencies{
		Store:     store,
		Plugins:   plugins,
		Settings:  settings,
		Messenger: marketClient,
		Orders:    marketClient,
	})

	errCh := make(chan error, 3)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	if waClient != nil {
		go func() {
			if err := waClient.Start(ctx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				errCh <- err
			}
		}()
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		if err := supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("monitor: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("component failed, shutting down", "error", runErr)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	waitMonitor(shutdownCtx, monitorDone, logger)

	return runErr
}

func closeRedis(client *cache.Redis, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("failed closing redis", "error", err)
	}
}

func waitMonitor(ctx context.Context, done <-chan struct{}, logger *slog.Logger) {
	select {
	case <-done:
		logger.Info("monitor stopped")
	case <-ctx.Done():
		logger.Warn("monitor did not stop before shutdown deadline")
	}
}
