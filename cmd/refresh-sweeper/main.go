// Command refresh-sweeper revokes expired refresh tokens on a fixed interval
// and serves /metrics and /healthz.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goRefresh "github.com/MrEthical07/goRefresh"
	"github.com/MrEthical07/goRefresh/audit/kafka"
	"github.com/MrEthical07/goRefresh/metrics/export/prometheus"
	"github.com/MrEthical07/goRefresh/store/gormstore"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: could not load .env: %v", err)
	}

	s, err := loadSettings()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := newLogger(s.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, s, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("refresh-sweeper stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(ctx context.Context, s settings, logger *zap.Logger) error {
	cfg := s.engineConfig()
	for _, w := range cfg.Lint().BySeverity(goRefresh.LintWarn) {
		logger.Warn("config lint", zap.String("code", w.Code), zap.String("message", w.Message))
	}
	builder := goRefresh.New().
		WithConfig(cfg).
		WithLogger(logger)

	switch s.Backend {
	case backendRedis:
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{s.RedisAddr}})
		defer func() { _ = rdb.Close() }()
		builder = builder.WithRedis(rdb)
	default:
		db, err := gormstore.Open(ctx, s.Backend, s.DatabaseURL)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer func() { _ = sqlDB.Close() }()
		}
		if s.Migrate {
			if err := gormstore.Migrate(db); err != nil {
				return err
			}
		}
		builder = builder.WithStore(gormstore.New(db)).WithVersions(gormstore.NewVersions(db))
	}

	if len(s.Brokers) > 0 {
		sink, err := kafka.NewSink(kafka.Config{Brokers: s.Brokers, Topic: s.AuditTopic}, logger)
		if err != nil {
			return err
		}
		defer func() { _ = sink.Close() }()
		builder = builder.WithAuditSink(sink)
	}

	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:              s.MetricsAddr,
		Handler:           newMux(engine),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("refresh-sweeper started",
		zap.String("backend", s.Backend),
		zap.Duration("interval", s.Sweep.Interval),
		zap.Int("batch_size", s.Sweep.BatchSize),
	)
	return goRefresh.NewSweeper(engine, s.Sweep, logger).Run(ctx)
}

func newMux(engine *goRefresh.Engine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prometheus.NewPrometheusExporter(engine).Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		h := engine.Health(ctx)
		w.Header().Set("Content-Type", "application/json")
		if !h.StoreAvailable {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"store_available": h.StoreAvailable,
			"store_latency":   h.StoreLatency.String(),
			"audit_dropped":   h.AuditDropped,
		})
	})
	return mux
}
