package goRefresh

import (
	"errors"
	"time"

	"github.com/MrEthical07/goRefresh/internal"
	"github.com/MrEthical07/goRefresh/internal/flows"
	"github.com/MrEthical07/goRefresh/internal/rate"
	"github.com/MrEthical07/goRefresh/jwt"
	"github.com/MrEthical07/goRefresh/refresh"
	"github.com/MrEthical07/goRefresh/store"
	"github.com/MrEthical07/goRefresh/store/redisstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an [Engine]. A Builder can be built once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	tokens   store.TokenStore
	versions store.VersionCounter

	logger    *zap.Logger
	auditSink AuditSink
	hasher    refresh.Hasher
	clock     func() time.Time

	built bool
}

// New returns a Builder holding the internal defaults: access tokens off,
// refresh throttle on.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used by the refresh throttle and, when no store
// is given, by the Redis token store and version counter.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the token store.
func (b *Builder) WithStore(s store.TokenStore) *Builder {
	b.tokens = s
	return b
}

// WithVersions sets the session version counter.
func (b *Builder) WithVersions(v store.VersionCounter) *Builder {
	b.versions = v
	return b
}

// WithLogger sets the structured logger. The default discards everything.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink sets where audit events go when Audit.Enabled is true.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithHasher overrides Token.HashAlgorithm with a custom digest.
func (b *Builder) WithHasher(h refresh.Hasher) *Builder {
	b.hasher = h
	return b
}

// WithClock overrides the time source used for issuance, expiry, and sweeps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles latency histograms.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// -------- STORAGE --------
	tokens := b.tokens
	versions := b.versions
	if tokens == nil {
		if b.redis == nil {
			return nil, errors.New("token store or redis client required")
		}
		tokens = redisstore.NewStore(b.redis, cfg.Token.RedisPrefix)
	}
	if versions == nil {
		if b.redis == nil {
			return nil, errors.New("version counter or redis client required")
		}
		versions = redisstore.NewVersions(b.redis, cfg.Token.RedisPrefix)
	}

	hasher := b.hasher
	if hasher == nil {
		hasher, _ = refresh.HasherByName(cfg.Token.HashAlgorithm)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	engine := &Engine{
		config:   cloneConfig(cfg),
		tokens:   tokens,
		versions: versions,
		redis:    b.redis,
		hasher:   hasher,
		logger:   logger.Named("gorefresh"),
		clock:    clock,
	}

	// -------- THROTTLE --------
	if cfg.Security.EnableRefreshThrottle {
		if b.redis == nil {
			return nil, errors.New("EnableRefreshThrottle requires redis client")
		}
		engine.limiter = rate.New(b.redis, rate.Config{
			Prefix:          cfg.Token.RedisPrefix,
			MaxAttempts:     cfg.Security.MaxRefreshAttempts,
			CooldownWindow:  cfg.Security.RefreshCooldownDuration,
			FailOpenOnError: cfg.Security.ThrottleFailOpen,
		})
	}

	// -------- ACCESS TOKENS --------
	if cfg.Access.Enabled {
		jm, err := jwt.NewManager(jwt.Config{
			AccessTTL:     cfg.Access.TTL,
			SigningMethod: jwt.SigningMethod(cfg.Access.SigningMethod),
			PrivateKey:    cloneBytes(cfg.Access.PrivateKey),
			PublicKey:     cloneBytes(cfg.Access.PublicKey),
			Issuer:        cfg.Access.Issuer,
			Audience:      cfg.Access.Audience,
			Leeway:        cfg.Access.Leeway,
			RequireIAT:    cfg.Access.RequireIAT,
			MaxFutureIAT:  cfg.Access.MaxFutureIAT,
			KeyID:         cfg.Access.KeyID,
			VerifyKeys:    cfg.Access.VerifyKeys,
			Now:           clock,
		})
		if err != nil {
			return nil, err
		}
		engine.jwtManager = jm
	}

	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.deps = engine.buildDeps(internal.NewTokenUUID)

	b.built = true
	return engine, nil
}

// buildDeps wires the flow dependencies. newUUID is a parameter so tests can
// force collisions.
func (e *Engine) buildDeps(newUUID func() (string, error)) flows.Deps {
	minter := flows.Minter{
		Hasher:     e.hasher,
		SecretSize: e.config.Token.SecretSize,
		TTL:        e.config.Token.TTL,
		NewUUID:    newUUID,
	}

	var issueAccess func(rec *store.Record, sessionVersion int64) (string, error)
	if e.jwtManager != nil {
		issueAccess = func(rec *store.Record, sessionVersion int64) (string, error) {
			return e.jwtManager.CreateAccess(rec.UserID, rec.SessionID, sessionVersion, rec.UUID)
		}
	}

	rotate := flows.RotateDeps{
		Store:            e.tokens,
		Versions:         e.versions,
		Minter:           minter,
		Now:              e.clock,
		IssueAccessToken: issueAccess,
	}
	if e.limiter != nil {
		rotate.RateLimiter = e.limiter
	}

	return flows.Deps{
		Issue: flows.IssueDeps{
			Store:            e.tokens,
			Versions:         e.versions,
			Minter:           minter,
			Now:              e.clock,
			IssueAccessToken: issueAccess,
		},
		Rotate: rotate,
		Revoke: flows.RevokeDeps{
			Store:    e.tokens,
			Versions: e.versions,
			Minter:   minter,
		},
		Introspect: flows.IntrospectDeps{
			Store:  e.tokens,
			Minter: minter,
			Now:    e.clock,
		},
		Sweep: flows.SweepDeps{
			Store:      e.tokens,
			Now:        e.clock,
			BatchSize:  e.config.Sweep.BatchSize,
			MaxBatches: e.config.Sweep.MaxBatches,
		},
	}
}
