package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openbid/auction-backend/internal/api/websocket"
	"github.com/openbid/auction-backend/internal/infrastructure/auth"
	"github.com/openbid/auction-backend/internal/infrastructure/cache"
	"github.com/openbid/auction-backend/internal/infrastructure/config"
	"github.com/openbid/auction-backend/internal/infrastructure/database"
	"github.com/openbid/auction-backend/internal/infrastructure/lock"
	"github.com/openbid/auction-backend/internal/infrastructure/telemetry"
	"github.com/openbid/auction-backend/internal/service/bidding"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewConnectionPool(ctx, &cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(&cfg.Coordinator, logger)
	if err != nil {
		return fmt.Errorf("connecting to coordinator: %w", err)
	}
	defer redisClient.Close()

	store := database.NewStore(pool, logger)
	auctionCache := cache.NewAuctionCache(redisClient, cfg.Auction.CacheTTL, logger)
	revocationCache := cache.NewRevocationCache(redisClient, logger)
	locker := lock.NewService(redisClient, cfg.Auction.LockTTL, logger)

	authService, err := auth.NewService(
		[]byte(cfg.Credential.Secret),
		cfg.Credential.Lifetime(),
		revocationCache,
		store,
		logger,
	)
	if err != nil {
		return fmt.Errorf("initializing credential service: %w", err)
	}

	hub := websocket.NewHub(store, auctionCache, cfg.Store.CallTimeout, logger)

	bidService := bidding.NewService(store, locker, auctionCache, hub, bidding.Config{
		LockTTL:     cfg.Auction.LockTTL,
		CallTimeout: cfg.Store.CallTimeout,
	}, logger)

	reaper := bidding.NewReaper(store, auctionCache, hub, cfg.Auction.ExpiryTick, cfg.Store.CallTimeout, logger)
	go reaper.Run(ctx)

	gateway := websocket.NewHandler(hub, bidService, authService, cfg.Server.AllowedOrigin, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(pool, redisClient))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// healthHandler reports liveness of the store and coordinator connections.
func healthHandler(pool *database.ConnectionPool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "coordinator unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
