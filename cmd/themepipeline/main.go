// Command themepipeline starts the long-running theme-fitting service.
//
// It consumes PartitionReady events from Kafka, fits each partition's EM
// theme mixture and HMM regime sequence, persists and caches the result,
// publishes FitComplete/DecodeComplete events, and exposes the
// Theme.FitPartition/Theme.Decode/Theme.Stats RPC methods and a
// Prometheus metrics endpoint for direct callers and dashboards.
//
// Usage:
//
//	go run ./cmd/themepipeline [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arjunv/themeflow/internal/theme/cache"
	"github.com/arjunv/themeflow/internal/theme/diagnostics"
	"github.com/arjunv/themeflow/internal/theme/driver"
	"github.com/arjunv/themeflow/internal/theme/em"
	"github.com/arjunv/themeflow/internal/theme/executor"
	"github.com/arjunv/themeflow/internal/theme/hmm"
	"github.com/arjunv/themeflow/internal/theme/service"
	"github.com/arjunv/themeflow/internal/theme/store"
	"github.com/arjunv/themeflow/internal/theme/vocab"
	"github.com/arjunv/themeflow/pkg/config"
	"github.com/arjunv/themeflow/pkg/health"
	"github.com/arjunv/themeflow/pkg/kafka"
	"github.com/arjunv/themeflow/pkg/logger"
	"github.com/arjunv/themeflow/pkg/metrics"
	"github.com/arjunv/themeflow/pkg/middleware"
	"github.com/arjunv/themeflow/pkg/postgres"
	pkgredis "github.com/arjunv/themeflow/pkg/redis"
	"github.com/arjunv/themeflow/pkg/resilience"
	"github.com/arjunv/themeflow/pkg/rpc"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	vocabPath := flag.String("vocab", "", "path to a newline-delimited vocabulary file (required)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting theme pipeline service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, background, err := loadVocabAndBackground(*vocabPath, cfg.Theme.LambdaBackground)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load vocabulary: %v\n", err)
		os.Exit(3)
	}

	startupRetry := resilience.RetryConfig{MaxAttempts: 5, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}

	var db *postgres.Client
	if err := resilience.Retry(ctx, "postgres-connect", startupRetry, func() error {
		var dialErr error
		db, dialErr = postgres.New(cfg.Postgres)
		return dialErr
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to postgres: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	fitStore := store.New(db)

	var redisClient *pkgredis.Client
	if err := resilience.Retry(ctx, "redis-connect", startupRetry, func() error {
		var dialErr error
		redisClient, dialErr = pkgredis.NewClient(cfg.Redis)
		return dialErr
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	fitCache := cache.New(redisClient, cfg.Redis.CacheTTL)

	diag := diagnostics.NewAggregator()

	var exec executor.Executor = executor.Inline{}
	if cfg.HMM.MaxWorkers > 0 {
		exec = executor.NewPool(cfg.HMM.MaxWorkers)
	}

	driverCfg := driver.Config{
		EM: em.Config{
			K:                cfg.Theme.K,
			LambdaBackground: cfg.Theme.LambdaBackground,
			MaxIterations:    cfg.Theme.EMMaxIterations,
			ConvergenceEps:   cfg.Theme.EMConvergenceEps,
			Epsilon:          cfg.Theme.BackgroundFloor,
			RNGSeed:          cfg.Theme.RNGSeed,
		},
		HMM: hmm.Config{
			BWMaxIterations:          cfg.HMM.BWMaxIterations,
			PiThreshold:              cfg.HMM.PiThreshold,
			AThreshold:               cfg.HMM.AThreshold,
			BWBlockSize:              cfg.HMM.BWBlockSize,
			ViterbiBlockSize:         cfg.HMM.ViterbiBlockSize,
			ForceSequentialBaumWelch: cfg.HMM.ForceSequentialBaumWelch,
			SequentialThreshold:      cfg.HMM.SequentialThreshold,
			MaxWorkers:               cfg.HMM.MaxWorkers,
		},
		Restarts: cfg.Theme.EMRestarts,
	}

	fitProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.FitComplete)
	defer fitProducer.Close()
	decodeProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DecodeComplete)
	defer decodeProducer.Close()

	var promMetrics *metrics.Metrics
	if cfg.Metrics.Enabled {
		promMetrics = metrics.New()
	}

	svc := service.New(v, background, driverCfg, cfg.Theme.ThemeFilterTau, exec, fitCache, fitStore, diag, fitProducer, decodeProducer, promMetrics, cfg.Theme.FitTimeout)

	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.PartitionReady, svc.HandlePartitionReady)
	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("partition-ready consumer stopped with error", "error", err)
		}
	}()
	slog.Info("partition-ready consumer started", "topic", cfg.Kafka.Topics.PartitionReady)

	rpcServer := rpc.NewServer(promMetrics)
	svc.RegisterHandlers(rpcServer)
	rpcAddr := fmt.Sprintf(":%d", cfg.Server.Port+1)
	go func() {
		if err := rpcServer.Serve(rpcAddr); err != nil {
			slog.Error("rpc server stopped with error", "error", err)
		}
	}()
	slog.Info("rpc server started", "addr", rpcAddr)

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := db.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("kafka", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp, Message: "consumer active"}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	if promMetrics != nil {
		chain = middleware.Metrics(promMetrics)(chain)
	}
	chain = middleware.Timeout(cfg.Server.ReadTimeout)(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		rpcServer.Stop()
		if err := consumer.Close(); err != nil {
			slog.Error("consumer close error", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("theme pipeline health endpoint listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("theme pipeline service stopped")
}

// loadVocabAndBackground builds the vocabulary and background word
// distribution from a newline-delimited term file: one term per line,
// weighted uniformly. Term frequency weighting is an upstream ingestion
// concern outside this pipeline's scope.
func loadVocabAndBackground(path string, lambdaBackground float64) (vocab.Vocabulary, em.BackgroundModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, em.BackgroundModel{}, fmt.Errorf("reading vocabulary file %s: %w", path, err)
	}
	b := vocab.NewBuilder()
	b.AddText(string(data))
	idx := b.Build()

	n := idx.Size()
	if n == 0 {
		return nil, em.BackgroundModel{}, fmt.Errorf("vocabulary file %s produced an empty vocabulary", path)
	}
	prob := make([]float64, n)
	uniform := 1.0 / float64(n)
	for i := range prob {
		prob[i] = uniform
	}
	return idx, em.BackgroundModel{Prob: prob}, nil
}
