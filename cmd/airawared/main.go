// Command airawared is the AirAware telemetry daemon. It subscribes to the
// MQTT reading topic, persists and evaluates readings against alert
// thresholds, fans notifications out over the configured channels, and
// exposes the operator REST API with a WebSocket live feed.
//
// Exit codes:
//
//	0 – clean shutdown on SIGTERM/SIGINT
//	2 – invalid configuration
//	3 – datastore unavailable or schema bootstrap failed
//	4 – broker unreachable through the whole startup backoff window
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airaware/airaware/internal/bus"
	"github.com/airaware/airaware/internal/config"
	"github.com/airaware/airaware/internal/metrics"
	"github.com/airaware/airaware/internal/notify"
	"github.com/airaware/airaware/internal/pipeline"
	"github.com/airaware/airaware/internal/server/live"
	"github.com/airaware/airaware/internal/server/rest"
	"github.com/airaware/airaware/internal/storage"
)

const (
	exitConfig  = 2
	exitStorage = 3
	exitBroker  = 4

	shutdownGrace = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("invalid configuration", slog.Any("error", err))
		return exitConfig
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	logger.Info("airawared starting",
		slog.String("bus_url", cfg.BusURL),
		slog.String("topic", cfg.Topic),
		slog.String("http_addr", cfg.HTTPAddr))

	thresholds, err := config.LoadThresholds(cfg.ThresholdsFile)
	if err != nil {
		logger.Error("invalid thresholds file", slog.Any("error", err))
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ── Storage ───────────────────────────────────────────────────────────────
	store, err := storage.New(ctx, dbConnString(cfg))
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		return exitStorage
	}
	defer store.Close()
	logger.Info("storage connected")

	ledger, err := notify.OpenLedger(cfg.LedgerPath)
	if err != nil {
		logger.Error("failed to open delivery ledger",
			slog.String("path", cfg.LedgerPath), slog.Any("error", err))
		return exitStorage
	}
	defer ledger.Close()

	m := metrics.New()

	// ── Notification channels ─────────────────────────────────────────────────
	var channels []notify.Channel
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, notify.NewSlackChannel(cfg.SlackWebhookURL, cfg.DashboardURL))
	}
	if cfg.DiscordWebhookURL != "" {
		channels = append(channels, notify.NewDiscordChannel(cfg.DiscordWebhookURL, cfg.DashboardURL))
	}
	if cfg.Email.Enabled {
		channels = append(channels, notify.NewEmailChannel(cfg.Email, cfg.DashboardURL))
	}
	if cfg.SMS.Enabled {
		channels = append(channels, notify.NewSMSChannel(cfg.SMS, ""))
	}
	if cfg.PushEnabled() {
		channels = append(channels, notify.NewPushChannel(store, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject))
	}
	if len(channels) == 0 {
		logger.Warn("no notification channels configured; alerts will only be logged and persisted")
	}

	notifier := notify.NewNotifier(channels, ledger, m, logger, cfg.NotifyWorkers, cfg.NotifyQueue)
	notifier.Start()

	if cfg.ReplayUnresolved {
		if err := notifier.ReplayUnresolved(ctx, store); err != nil {
			logger.Warn("replay of unresolved alerts failed", slog.Any("error", err))
		}
	}

	// ── Live feed and pipeline ────────────────────────────────────────────────
	broadcaster := live.NewBroadcaster(logger, 0)
	defer broadcaster.Close()

	pipe := pipeline.New(store, thresholds, notifier, broadcaster, m, logger, cfg.PipelineWorkers)

	// ── Bus subscriber ────────────────────────────────────────────────────────
	sub := bus.New(bus.Options{
		BrokerURL: cfg.BusURL,
		Topic:     cfg.Topic,
		QoS:       cfg.QoS,
		ClientID:  cfg.ClientID,
	}, logger)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		sub.Run(runCtx)
	}()

	if code := waitForBus(ctx, sub, logger); code != 0 {
		cancelRun()
		<-subDone
		notifier.Stop(time.Second)
		return code
	}

	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		pipe.Run(runCtx, sub.Messages())
	}()
	go pipe.RunSweeper(runCtx)
	go watchBus(runCtx, sub, m)

	// ── HTTP API ──────────────────────────────────────────────────────────────
	restSrv := rest.NewServer(store, m, logger)
	feed := live.NewHandler(broadcaster, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      rest.NewRouter(restSrv, []byte(cfg.APIJWTSecret), feed, m.Handler(), logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.APIJWTSecret == "" {
		logger.Warn("API_JWT_SECRET not configured; REST API authentication disabled (dev mode)")
	}

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http api listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	// ── Wait for shutdown ─────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		if err != nil {
			logger.Error("http server failed", slog.Any("error", err))
		}
	}

	// Stop intake first: the subscriber closes its message channel, the
	// pipeline drains in-flight deliveries, then the notifier flushes its
	// queue. Un-acked messages are redelivered on the next start.
	logger.Info("shutting down")
	cancelRun()
	<-subDone
	<-pipeDone
	notifier.Stop(shutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.Any("error", err))
	}

	logger.Info("airawared exited cleanly")
	return 0
}

// waitForBus blocks until the first subscription succeeds, the subscriber
// reports the broker unavailable, or ctx is canceled. A persistent broker
// outage at startup is fatal; once subscribed, later outages are handled by
// the reconnect loop instead.
func waitForBus(ctx context.Context, sub *bus.Subscriber, logger *slog.Logger) int {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sub.Ready():
			return 0
		case <-ctx.Done():
			logger.Info("shutdown before bus connection established")
			return 0
		case <-ticker.C:
			if err := sub.Err(); err != nil {
				logger.Error("broker unavailable at startup", slog.Any("error", err))
				return exitBroker
			}
		}
	}
}

// watchBus mirrors the subscriber's state into the metrics gauges.
func watchBus(ctx context.Context, sub *bus.Subscriber, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sub.State() == bus.StateSubscribed {
				m.BusConnected.Store(1)
			} else {
				m.BusConnected.Store(0)
			}
			m.BusReconnects.Store(sub.Reconnects.Load())
		}
	}
}

// dbConnString appends the configured database name to the connection URL
// when the URL does not already name one.
func dbConnString(cfg *config.Config) string {
	u, err := url.Parse(cfg.DBURL)
	if err != nil || cfg.DBName == "" {
		return cfg.DBURL
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/" + cfg.DBName
		return u.String()
	}
	return cfg.DBURL
}
