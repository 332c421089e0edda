package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/joseph-ayodele/vat-checker/internal/batch"
	"github.com/joseph-ayodele/vat-checker/internal/cache"
	"github.com/joseph-ayodele/vat-checker/internal/common"
	"github.com/joseph-ayodele/vat-checker/internal/export"
	"github.com/joseph-ayodele/vat-checker/internal/fastlane"
	"github.com/joseph-ayodele/vat-checker/internal/metrics"
	"github.com/joseph-ayodele/vat-checker/internal/ratelimit"
	"github.com/joseph-ayodele/vat-checker/internal/registry"
	repo "github.com/joseph-ayodele/vat-checker/internal/repository"
	"github.com/joseph-ayodele/vat-checker/internal/retry"
	"github.com/joseph-ayodele/vat-checker/internal/server"
	"github.com/joseph-ayodele/vat-checker/internal/slowlane"
	"github.com/joseph-ayodele/vat-checker/internal/statusgate"
)

func main() {
	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repo.Open(ctx, repo.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		DialTimeout:     cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close(logger)

	// Ping DB to ensure connectivity
	if err := db.HealthCheck(ctx, 5*time.Second); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	resultCache, err := openCache(ctx, cfg.Cache, db, logger)
	if err != nil {
		logger.Error("failed to open result cache", "backend", cfg.Cache.Backend, "error", err)
		os.Exit(1)
	}

	reg, err := registry.NewHTTPClient(registry.Config{
		BaseURL: cfg.Registry.BaseURL,
		Timeout: cfg.Registry.CallTimeout,
	}, nil, logger)
	if err != nil {
		logger.Error("failed to build registry client", "error", err)
		os.Exit(1)
	}
	gate := statusgate.New(reg, cfg.Registry.StatusTTL, logger, nil)
	jobs := repo.NewJobRepository(db, logger)

	alloc := ratelimit.NewAllocator(cfg.FastLane.GlobalGap, cfg.FastLane.PartitionGap,
		ratelimit.WithPartitionGaps(cfg.FastLane.PartitionGaps))
	fast := fastlane.New(reg, alloc, retry.Policy{
		MaxAttempts: cfg.FastLane.MaxAttempts,
		Congestion:  cfg.FastLane.CongestionSteps,
		Default:     cfg.FastLane.DefaultSteps,
		Jitter:      cfg.FastLane.Jitter,
	},
		fastlane.WithWorkers(cfg.FastLane.Workers),
		fastlane.WithCallTimeout(cfg.Registry.CallTimeout),
		fastlane.WithCache(resultCache),
		fastlane.WithLogger(logger),
		fastlane.WithMetrics(m),
	)

	worker := slowlane.New(jobs, reg, gate, retry.Policy{
		MaxAttempts: cfg.SlowLane.MaxAttempts,
		Congestion:  cfg.SlowLane.CongestionSteps,
		Default:     cfg.SlowLane.DefaultSteps,
		Jitter:      cfg.SlowLane.Jitter,
	},
		slowlane.WithCache(resultCache),
		slowlane.WithPacing(cfg.SlowLane.MinGap, cfg.SlowLane.Cooldown, cfg.SlowLane.GateDelay),
		slowlane.WithCallTimeout(cfg.Registry.CallTimeout),
		slowlane.WithRetention(cfg.SlowLane.Retention, cfg.SlowLane.SweepEvery),
		slowlane.WithLogger(logger),
		slowlane.WithMetrics(m),
	)
	if err := worker.Start(ctx); err != nil {
		logger.Error("failed to start slow lane", "error", err)
		os.Exit(1)
	}

	batches := batch.NewService(jobs, fast, resultCache, worker, cfg.SlowLane.Jurisdiction,
		batch.WithLogger(logger),
		batch.WithMetrics(m),
	)
	exporter := export.NewService(batches, logger)

	limiter := server.NewLimiterStore(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	limiter.StartJanitor(ctx)
	api := server.NewAPI(batches, exporter, db, m, limiter, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC server (health only)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer()
	healthReporter := server.NewHealthReporter(db, 10*time.Second, logger)
	healthReporter.Register(grpcServer)
	go healthReporter.Run(ctx)

	logger.Info("vat-checker listening",
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"slow_jurisdiction", cfg.SlowLane.Jurisdiction,
		"cache_backend", cfg.Cache.Backend,
	)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC serve error", "error", err)
			stop()
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP serve error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	grpcServer.GracefulStop()

	select {
	case <-worker.Done():
	case <-shutdownCtx.Done():
		logger.Warn("slow lane did not stop before shutdown timeout")
	}
}

func openCache(ctx context.Context, cfg common.CacheConfig, db *repo.DB, logger *slog.Logger) (cache.Cache, error) {
	switch cfg.Backend {
	case cache.BackendMemory:
		m := cache.NewMemory(cfg.TTL)
		m.StartJanitor(ctx)
		return m, nil
	case cache.BackendSQL:
		return cache.NewSQL(db.SQL, db.Dialect, cfg.TTL, nil), nil
	case cache.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		r := cache.NewRedis(rdb, cfg.TTL, cache.WithPrefix(cfg.Prefix))
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return r, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
