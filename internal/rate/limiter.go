package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds refresh throttle tuning parameters.
type Config struct {
	Prefix          string
	MaxAttempts     int
	CooldownWindow  time.Duration
	FailOpenOnError bool
}

// Limiter counts rotation attempts per session in fixed windows. Accepted
// attempts and misses use separate windows.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a refresh [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "rt"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// CheckRefresh charges one attempt against sessionID and returns
// ErrRateLimited once the window budget is spent.
func (l *Limiter) CheckRefresh(ctx context.Context, sessionID string) error {
	return l.check(ctx, l.key(sessionID))
}

// CheckMiss charges one unmatched presentation against sessionID. Misses
// never count toward the CheckRefresh window.
func (l *Limiter) CheckMiss(ctx context.Context, sessionID string) error {
	return l.check(ctx, l.missKey(sessionID))
}

func (l *Limiter) check(ctx context.Context, key string) error {
	count, err := l.incrementWithTTL(ctx, key, l.config.CooldownWindow)
	if err != nil {
		if l.config.FailOpenOnError {
			return nil
		}
		return err
	}
	if count > int64(l.config.MaxAttempts) {
		return ErrRateLimited
	}
	return nil
}

// Attempts returns the attempts charged in the current window.
func (l *Limiter) Attempts(ctx context.Context, sessionID string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(sessionID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Reset clears the window for sessionID.
func (l *Limiter) Reset(ctx context.Context, sessionID string) error {
	if err := l.redis.Del(ctx, l.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) key(sessionID string) string {
	return l.config.Prefix + ":rl:" + sessionID
}

func (l *Limiter) missKey(sessionID string) string {
	return l.config.Prefix + ":rlmiss:" + sessionID
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed window: TTL only on the first hit.
	if count == 1 {
		if err := l.redis.PExpire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return count, nil
}
