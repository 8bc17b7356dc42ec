package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayhub/internal/analytics"
	"github.com/agentworkforce/relayhub/internal/auth"
	"github.com/agentworkforce/relayhub/internal/chat"
	"github.com/agentworkforce/relayhub/internal/collab"
	"github.com/agentworkforce/relayhub/internal/config"
	"github.com/agentworkforce/relayhub/internal/ephemeral"
	"github.com/agentworkforce/relayhub/internal/gateway"
	"github.com/agentworkforce/relayhub/internal/httpapi"
	"github.com/agentworkforce/relayhub/internal/hub"
	"github.com/agentworkforce/relayhub/internal/maintenance"
	"github.com/agentworkforce/relayhub/internal/notify"
	"github.com/agentworkforce/relayhub/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hub server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := resolveConfigPath(configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			return runServe(cmd.Context(), cfg, path, watch)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default $RELAYHUB_CONFIG)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides the configured one")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload alert thresholds when the config file changes")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, configPath string, watch bool) error {
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(logger)

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TraceConfig{
		ServiceName:    "relayhub",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := newApp(cfg, logger, registry)
	if err != nil {
		return err
	}
	app.start()

	if watch && configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, 0, logger, func(next config.Config) {
				app.engine.SetThresholds(next.Analytics.Thresholds())
			})
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relayhub listening", "addr", cfg.Addr, "version", version, "commit", commit)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			app.close(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Websocket connections are hijacked and not tracked by Shutdown; the
	// gateway closes them itself.
	app.gateway.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	app.close(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", "error", err)
	}
	return nil
}

// app holds every long-lived component of one server process.
type app struct {
	logger      *slog.Logger
	store       *ephemeral.Failover
	registry    *hub.Registry
	typing      *hub.Typing
	relay       *notify.Relay
	engine      *analytics.Engine
	gateway     *gateway.Handler
	maintenance *maintenance.Runner
	handler     http.Handler
}

func newApp(cfg config.Config, logger *slog.Logger, reg *prometheus.Registry) (*app, error) {
	metrics := observability.NewMetrics(reg)

	storeDSN, err := cfg.StoreDSN()
	if err != nil {
		return nil, err
	}
	primary, err := ephemeral.BuildStoreFromDSN(storeDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize ephemeral store: %w", err)
	}
	store := ephemeral.NewFailover(primary, ephemeral.FailoverOptions{
		Logger:    logger,
		OnFailure: metrics.RecordStoreFailure,
	})

	queue, err := notify.BuildOutboundQueueFromDSN(cfg.OutboundQueueDSN(), cfg.Notifications.Outbound.QueueSize)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initialize outbound queue: %w", err)
	}
	relay := notify.NewRelay(notify.RelayOptions{
		Queue:       queue,
		Sender:      notify.NewPushSender(cfg.Notifications.Outbound.Endpoint, cfg.Notifications.Outbound.Token),
		Workers:     cfg.Notifications.Outbound.Workers,
		MaxAttempts: cfg.Notifications.Outbound.MaxAttempts,
		RetryDelay:  cfg.Notifications.Outbound.RetryDelay,
		Logger:      logger,
		Metrics:     metrics,
	})

	registry := hub.NewRegistry(hub.RegistryOptions{Logger: logger, Metrics: metrics})
	channels := registry.Channels()
	typing := hub.NewTyping(channels, cfg.Realtime.TypingTTL)

	dispatcher := notify.NewDispatcher(notify.Options{
		Store:      store,
		Deliverer:  registry,
		Outbound:   relay,
		Logger:     logger,
		Metrics:    metrics,
		MaxPending: cfg.Notifications.MaxPending,
		TTL:        cfg.Notifications.TTL,
	})

	var source analytics.Source = analytics.UnconfiguredSource{}
	if cfg.Analytics.SourceURL != "" {
		source = analytics.NewHTTPSource(analytics.HTTPSourceOptions{
			BaseURL: cfg.Analytics.SourceURL,
			Token:   cfg.Analytics.SourceToken,
		})
	} else {
		logger.Warn("no analytics source configured, subscriptions will report fetch errors")
	}
	engine := analytics.NewEngine(analytics.Options{
		Source:          source,
		Pusher:          registry,
		Alerter:         dispatcher,
		Logger:          logger,
		Metrics:         metrics,
		Thresholds:      cfg.Analytics.Thresholds(),
		DefaultInterval: cfg.Analytics.DefaultInterval,
		MinInterval:     cfg.Analytics.MinInterval,
		MaxInterval:     cfg.Analytics.MaxInterval,
		FetchTimeout:    cfg.Analytics.FetchTimeout,
	})

	locks := collab.NewLockManager(collab.Options{
		Store:          store,
		Channels:       channels,
		Logger:         logger,
		Metrics:        metrics,
		LockTTL:        cfg.Locks.TTL,
		ChangeLogTTL:   cfg.Locks.ChangeLogTTL,
		ChangeLogMax:   cfg.Locks.ChangeLogMax,
		ConflictWindow: cfg.Locks.ConflictWindow,
	})
	messages := chat.NewService(chat.Options{
		Store:      store,
		Channels:   channels,
		Logger:     logger,
		HistoryMax: cfg.Messages.Max,
		HistoryTTL: cfg.Messages.TTL,
	})

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("RELAYHUB_JWT_SECRET is not set, every authenticated request will be rejected")
	}
	authenticator := auth.New(auth.Options{
		Secret:     cfg.Auth.JWTSecret,
		Audience:   cfg.Auth.Audience,
		AdminScope: cfg.Auth.AdminScope,
	})

	realtime := gateway.New(gateway.Options{
		Auth:           authenticator,
		Registry:       registry,
		Typing:         typing,
		Locks:          locks,
		Chat:           messages,
		Notifications:  dispatcher,
		Analytics:      engine,
		Logger:         logger,
		Metrics:        metrics,
		PingInterval:   cfg.Realtime.PingInterval,
		SendBuffer:     cfg.Realtime.SendBuffer,
		OriginPatterns: cfg.Realtime.OriginPatterns,
	})

	api := httpapi.NewServer(httpapi.Options{
		Auth:          authenticator,
		Registry:      registry,
		Notifications: dispatcher,
		Relay:         relay,
		Analytics:     engine,
		Locks:         locks,
		Chat:          messages,
		StoreHealth:   store,
		Realtime:      realtime,
		Metrics:       metrics,
		Gatherer:      reg,
		Logger:        logger,
	}, httpapi.ServerConfig{
		InternalHMACSecret: cfg.Internal.HMACSecret,
		InternalMaxSkew:    cfg.Internal.MaxSkew,
		RateLimitMax:       cfg.RateLimit.Max,
		RateLimitWindow:    cfg.RateLimit.Window,
		MaxBodyBytes:       cfg.RateLimit.MaxBodyBytes,
	})

	runner, err := maintenance.New(maintenance.Options{
		Store:           store,
		Inboxes:         dispatcher,
		Users:           registry,
		Logger:          logger,
		HealthSchedule:  cfg.Maintenance.HealthInterval,
		SweepSchedule:   cfg.Maintenance.SweepSchedule,
		CleanupSchedule: cfg.Maintenance.NotificationCleanupSchedule,
	})
	if err != nil {
		_ = relay.Close()
		_ = store.Close()
		return nil, err
	}

	return &app{
		logger:      logger,
		store:       store,
		registry:    registry,
		typing:      typing,
		relay:       relay,
		engine:      engine,
		gateway:     realtime,
		maintenance: runner,
		handler:     api,
	}, nil
}

func (a *app) start() {
	a.maintenance.Start()
}

func (a *app) close(ctx context.Context) {
	a.maintenance.Stop(ctx)
	a.gateway.Close()
	a.engine.Close()
	a.typing.Close()
	if err := a.relay.Close(); err != nil {
		a.logger.Warn("outbound relay close failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("ephemeral store close failed", "error", err)
	}
}
