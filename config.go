package goRefresh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/goRefresh/refresh"
)

// Config is the complete engine configuration. Build clones it, so later
// edits to the caller's copy have no effect on a running engine.
type Config struct {
	Token    TokenConfig
	Access   AccessConfig
	Security SecurityConfig
	Sweep    SweepConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
REFRESH TOKEN CONFIG
====================================
*/

// TokenConfig controls refresh-token minting.
type TokenConfig struct {
	TTL           time.Duration
	SecretSize    int    // bytes of entropy per secret, 32..64
	HashAlgorithm string // "sha256" (default) or "blake2b"
	RedisPrefix   string // key prefix for the Redis store, counter, and throttle
}

/*
====================================
ACCESS TOKEN CONFIG
====================================
*/

// AccessConfig controls the optional short-lived access tokens minted on
// Issue and Rotate.
type AccessConfig struct {
	Enabled       bool
	TTL           time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig holds throttling and version enforcement.
type SecurityConfig struct {
	ProductionMode          bool
	EnableRefreshThrottle   bool
	MaxRefreshAttempts      int
	RefreshCooldownDuration time.Duration
	ThrottleFailOpen        bool
	// EnforceSessionVersion makes ValidateAccess reject access tokens minted
	// before the latest version bump.
	EnforceSessionVersion bool
}

/*
====================================
SWEEP CONFIG
====================================
*/

// SweepConfig controls expiry sweeps.
type SweepConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxBatches int // 0 sweeps until a short batch
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters and latency histograms.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			TTL:           7 * 24 * time.Hour,
			SecretSize:    refresh.DefaultSecretSize,
			HashAlgorithm: "sha256",
			RedisPrefix:   "rt",
		},
		Access: AccessConfig{
			Enabled:       false,
			TTL:           5 * time.Minute,
			SigningMethod: "ed25519",
			MaxFutureIAT:  10 * time.Minute,
		},
		Security: SecurityConfig{
			ProductionMode:          false,
			EnableRefreshThrottle:   true,
			MaxRefreshAttempts:      20,
			RefreshCooldownDuration: time.Minute,
			ThrottleFailOpen:        false,
			EnforceSessionVersion:   true,
		},
		Sweep: SweepConfig{
			Interval:   time.Minute,
			BatchSize:  500,
			MaxBatches: 20,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

// DefaultConfig returns the baseline preset with access tokens enabled and
// a freshly generated Ed25519 key pair.
func DefaultConfig() Config {
	cfg := defaultConfig()
	cfg.Access.Enabled = true
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err == nil {
		cfg.Access.PublicKey = pub
		cfg.Access.PrivateKey = priv
	}
	return cfg
}

// HighSecurityConfig tightens lifetimes, requires iat, and turns on audit
// and metrics.
func HighSecurityConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.TTL = 24 * time.Hour
	cfg.Token.SecretSize = 48
	cfg.Access.TTL = 2 * time.Minute
	cfg.Access.RequireIAT = true
	cfg.Access.MaxFutureIAT = time.Minute
	cfg.Security.ProductionMode = true
	cfg.Security.MaxRefreshAttempts = 10
	cfg.Security.EnforceSessionVersion = true
	cfg.Sweep.Interval = 30 * time.Second
	cfg.Audit.Enabled = true
	cfg.Audit.DropIfFull = false
	cfg.Metrics.Enabled = true
	return cfg
}

// HighThroughputConfig favors rotation latency: no throttle round-trip,
// BLAKE2b digests, and larger sweep batches.
func HighThroughputConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.HashAlgorithm = "blake2b"
	cfg.Security.ProductionMode = true
	cfg.Security.EnableRefreshThrottle = false
	cfg.Sweep.BatchSize = 5000
	cfg.Sweep.MaxBatches = 0
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 8192
	cfg.Audit.DropIfFull = true
	cfg.Metrics.Enabled = true
	return cfg
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Access.PrivateKey = cloneBytes(cfg.Access.PrivateKey)
	out.Access.PublicKey = cloneBytes(cfg.Access.PublicKey)
	if cfg.Access.VerifyKeys != nil {
		out.Access.VerifyKeys = make(map[string][]byte, len(cfg.Access.VerifyKeys))
		for kid, key := range cfg.Access.VerifyKeys {
			out.Access.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting in c.
func (c *Config) Validate() error {
	// Token
	if c.Token.TTL <= 0 {
		return errors.New("Token TTL must be > 0")
	}
	if c.Token.SecretSize < refresh.MinSecretSize || c.Token.SecretSize > refresh.MaxSecretSize {
		return errors.New("Token SecretSize must be between 32 and 64 bytes")
	}
	if _, ok := refresh.HasherByName(c.Token.HashAlgorithm); !ok {
		return errors.New("Token HashAlgorithm must be 'sha256' or 'blake2b'")
	}
	if strings.TrimSpace(c.Token.RedisPrefix) == "" {
		return errors.New("Token RedisPrefix must not be empty")
	}

	// Access
	if c.Access.Enabled {
		if c.Access.TTL <= 0 {
			return errors.New("Access TTL must be > 0")
		}
		if c.Access.TTL >= c.Token.TTL {
			return errors.New("Access TTL must be shorter than Token TTL")
		}
		switch c.Access.SigningMethod {
		case "ed25519":
			if len(c.Access.PrivateKey) == 0 {
				return errors.New("ed25519 requires PrivateKey")
			}
			if len(c.Access.PublicKey) == 0 && len(c.Access.VerifyKeys) == 0 {
				return errors.New("ed25519 requires PublicKey")
			}
		case "hs256":
			if len(c.Access.PrivateKey) < 32 {
				return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
			}
		default:
			return errors.New("unsupported Access signing method")
		}
		if c.Access.Leeway < 0 || c.Access.Leeway > 2*time.Minute {
			return errors.New("Access Leeway must be between 0 and 2m")
		}
		if c.Access.MaxFutureIAT < 0 || c.Access.MaxFutureIAT > 24*time.Hour {
			return errors.New("Access MaxFutureIAT must be between 0 and 24h")
		}
		if c.Access.Audience != "" && strings.TrimSpace(c.Access.Audience) == "" {
			return errors.New("Access Audience must not be blank")
		}
	}

	// Security
	if c.Security.EnableRefreshThrottle {
		if c.Security.MaxRefreshAttempts <= 0 {
			return errors.New("Security MaxRefreshAttempts must be > 0 when refresh throttle is enabled")
		}
		if c.Security.RefreshCooldownDuration <= 0 {
			return errors.New("Security RefreshCooldownDuration must be > 0 when refresh throttle is enabled")
		}
	}
	if c.Security.ProductionMode {
		if c.Access.Enabled && c.Access.SigningMethod == "hs256" && len(c.Access.PrivateKey) < 64 {
			return errors.New("ProductionMode requires an hs256 key of at least 64 bytes")
		}
		if c.Security.ThrottleFailOpen {
			return errors.New("ProductionMode forbids ThrottleFailOpen")
		}
	}

	// Sweep
	if c.Sweep.Interval <= 0 {
		return errors.New("Sweep Interval must be > 0")
	}
	if c.Sweep.BatchSize <= 0 {
		return errors.New("Sweep BatchSize must be > 0")
	}
	if c.Sweep.MaxBatches < 0 {
		return errors.New("Sweep MaxBatches must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
