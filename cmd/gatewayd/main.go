// Command gatewayd is the composition root for the API gateway: it loads
// configuration, connects to Postgres and Redis, applies migrations, wires
// every domain package together, and serves HTTP until signaled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaasio/transparegate/internal/config"
	"github.com/gaasio/transparegate/internal/httpserver"
	"github.com/gaasio/transparegate/internal/platform"
	"github.com/gaasio/transparegate/internal/store"
	"github.com/gaasio/transparegate/internal/telemetry"
	"github.com/gaasio/transparegate/pkg/anchor"
	"github.com/gaasio/transparegate/pkg/botclassifier"
	"github.com/gaasio/transparegate/pkg/controlplane"
	"github.com/gaasio/transparegate/pkg/keydirectory"
	"github.com/gaasio/transparegate/pkg/limiter"
	"github.com/gaasio/transparegate/pkg/proxyengine"
	"github.com/gaasio/transparegate/pkg/transparency"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting gatewayd", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	s := store.NewPostgresStore(db)

	keyDir := keydirectory.New(s).WithCache(limiter.NewCache(rdb, logger))
	lim := limiter.New(limiter.DefaultConfig{
		Requests:      cfg.DefaultRateLimitRequests,
		WindowSeconds: cfg.DefaultRateLimitWindow,
	})
	bot := botclassifier.New(s)

	txlog := transparency.New(s, cfg.MerkleBatchSize, nil, logger)
	if cfg.EnableBlockchainAnchoring {
		anchorClient, err := anchor.Dial(ctx, cfg.AlchemySepoliaURL, cfg.BlockchainPrivateKey, cfg.ContractAddress, logger)
		if err != nil {
			return fmt.Errorf("dialing blockchain anchor: %w", err)
		}
		worker := anchor.NewWorker(anchorClient, logger, txlog.OnAnchored)
		go worker.Run(ctx)
		txlog.WithAnchorWorker(worker)
		logger.Info("blockchain anchoring enabled", "contract", cfg.ContractAddress)
	} else {
		logger.Info("blockchain anchoring disabled")
	}

	engine := proxyengine.New(s, keyDir, lim, bot, txlog, logger)
	controlSvc := controlplane.NewService(s, keyDir)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)
	srv.ProxyRouter.Mount("/", engine.Routes())
	srv.ControlRouter.Mount("/", controlplane.NewHandler(controlSvc, keyDir, logger).Routes())
	srv.ControlRouter.Mount("/transparency", transparency.NewHandler(txlog, s, logger).Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
