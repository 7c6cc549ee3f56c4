package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/juan-silveira/coinage-sub004/internal/config"
	"github.com/juan-silveira/coinage-sub004/internal/dedup"
	"github.com/juan-silveira/coinage-sub004/internal/detector"
	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
	"github.com/juan-silveira/coinage-sub004/internal/explorer"
	"github.com/juan-silveira/coinage-sub004/internal/notify"
	"github.com/juan-silveira/coinage-sub004/internal/reconcile"
	"github.com/juan-silveira/coinage-sub004/internal/resolver"
	"github.com/juan-silveira/coinage-sub004/internal/scheduler"
	"github.com/juan-silveira/coinage-sub004/internal/store/postgres"
	redispkg "github.com/juan-silveira/coinage-sub004/internal/store/redis"
	"github.com/juan-silveira/coinage-sub004/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syncd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log.Level)
	logger.Info("starting balance sync daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "coinage-balance-sync", cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	sharedCache, err := redispkg.New(cfg.Redis.URL, cfg.Redis.BalanceTTL, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer sharedCache.Close()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	policy, err := config.LoadTierPolicy(cfg.Policy.File)
	if err != nil {
		return fmt.Errorf("load tier policy: %w", err)
	}

	fetcher := explorer.NewClient(explorer.Config{
		BaseURL: cfg.Explorer.BaseURL,
		APIKey:  cfg.Explorer.APIKey,
		Timeout: cfg.Explorer.Timeout,
		RPS:     cfg.Explorer.RPS,
		Burst:   cfg.Explorer.Burst,
	}, logger)

	// Session validation belongs to the surrounding application; the daemon
	// polls on behalf of identities it was configured with.
	auth := resolver.AuthorizerFunc(func(context.Context, string) error { return nil })

	backupRepo := postgres.NewBackupRepo(db)
	res := resolver.New(fetcher, sharedCache, backupRepo, auth, resolver.Config{
		FetchTimeout:      cfg.Explorer.Timeout,
		FreshnessWindow:   cfg.Sync.FreshnessWindow,
		PlaceholderTokens: cfg.Sync.PlaceholderTokens,
	}, logger)

	var sinks []notify.Emitter
	if url := os.Getenv("NOTIFY_WEBHOOK_URL"); url != "" {
		sinks = append(sinks, notify.NewWebhookEmitter(url))
	}
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		sinks = append(sinks, notify.NewSlackEmitter(url))
	}
	var emitter notify.Emitter = &notify.NoopEmitter{}
	if len(sinks) > 0 {
		emitter = notify.NewMultiEmitter(logger, sinks...)
	}

	manager := scheduler.NewManager(logger)
	for _, pair := range cfg.Sync.Pairs {
		network := model.Network(pair.Network)
		if !network.Valid() {
			return fmt.Errorf("invalid network %q for user %s", pair.Network, pair.UserID)
		}
		det := detector.New(detector.Config{
			ThresholdPct:      cfg.Sync.ChangeThresholdPct,
			AbsoluteFloor:     cfg.Sync.AbsoluteFloor,
			PlaceholderTokens: cfg.Sync.PlaceholderTokens,
		}, logger)
		ded := dedup.New(cfg.Sync.DedupWindow, cfg.Sync.DedupMaxSignatures)
		rec := reconcile.New(sharedCache, cfg.Sync.OutOfSyncSkew, logger)

		s := scheduler.New(
			pair.UserID, pair.Address, network, pair.Tier,
			res, det, ded, emitter, rec, auth, policy, logger,
		)
		if err := manager.Add(s); err != nil {
			return err
		}
	}
	if len(cfg.Sync.Pairs) == 0 {
		logger.Warn("no SYNC_PAIRS configured, nothing to poll")
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gCtx)
	})
	g.Go(func() error {
		return serveHealth(gCtx, cfg.Server.HealthPort, logger)
	})

	err = g.Wait()
	logger.Info("balance sync daemon stopped")
	return err
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func serveHealth(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("health server listening", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
