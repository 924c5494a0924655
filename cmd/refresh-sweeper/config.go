package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goRefresh "github.com/MrEthical07/goRefresh"
	"github.com/MrEthical07/goRefresh/store/gormstore"
)

const (
	backendRedis = "redis"
)

type settings struct {
	Backend     string
	DatabaseURL string
	Migrate     bool
	RedisAddr   string
	RedisPrefix string
	Sweep       goRefresh.SweepConfig
	Brokers     []string
	AuditTopic  string
	MetricsAddr string
	LogLevel    string
}

func loadSettings() (settings, error) {
	s := settings{
		Backend:     strings.ToLower(getEnvOrDefault("GOREFRESH_BACKEND", backendRedis)),
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),
		Migrate:     getBoolEnv("GOREFRESH_MIGRATE", false),
		RedisAddr:   getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPrefix: getEnvOrDefault("GOREFRESH_REDIS_PREFIX", "rt"),
		Sweep: goRefresh.SweepConfig{
			Interval:   getDurationEnv("SWEEP_INTERVAL", time.Minute),
			BatchSize:  getIntEnv("SWEEP_BATCH_SIZE", 500),
			MaxBatches: getIntEnv("SWEEP_MAX_BATCHES", 20),
		},
		Brokers:     splitList(getEnvOrDefault("KAFKA_BROKERS", "")),
		AuditTopic:  getEnvOrDefault("KAFKA_AUDIT_TOPIC", "gorefresh-audit"),
		MetricsAddr: getEnvOrDefault("METRICS_ADDR", ":9090"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
	}

	switch s.Backend {
	case backendRedis:
	case gormstore.DialectPostgres, gormstore.DialectMySQL, gormstore.DialectSQLite:
		if s.DatabaseURL == "" {
			return s, fmt.Errorf("DATABASE_URL is required for backend %q", s.Backend)
		}
	default:
		return s, fmt.Errorf("unsupported GOREFRESH_BACKEND %q", s.Backend)
	}
	return s, nil
}

// engineConfig disables access tokens and the throttle; the sweeper never
// rotates.
func (s settings) engineConfig() goRefresh.Config {
	cfg := goRefresh.DefaultConfig()
	cfg.Access.Enabled = false
	cfg.Access.PrivateKey = nil
	cfg.Access.PublicKey = nil
	cfg.Security.EnableRefreshThrottle = false
	cfg.Token.RedisPrefix = s.RedisPrefix
	cfg.Sweep = s.Sweep
	cfg.Audit.Enabled = len(s.Brokers) > 0
	cfg.Audit.DropIfFull = true
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
