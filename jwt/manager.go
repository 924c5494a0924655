package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the access-token algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA over Ed25519 (default).
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with HMAC-SHA256 using PrivateKey as the shared secret.
	MethodHS256 SigningMethod = "hs256"
)

// ErrMissingKID is returned when a key set is configured and the token
// carries no kid header.
var ErrMissingKID = errors.New("missing kid")

// ErrUnknownKID is returned when the kid header matches no verify key.
var ErrUnknownKID = errors.New("unknown kid")

// Config defines access-token signing and verification.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
	Now           func() time.Time
}

// Manager mints and verifies access tokens bound to a session version.
type Manager struct {
	config Config
}

// AccessClaims is the access-token payload. SessionVersion is compared
// against the session counter on verification; ID carries the uuid of the
// refresh token the access token was minted with.
type AccessClaims struct {
	UID            string `json:"uid"`
	SID            string `json:"sid"`
	SessionVersion int64  `json:"sv"`
	jwt.RegisteredClaims
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	if err := validateKeys(cfg); err != nil {
		return nil, err
	}
	return &Manager{config: cfg}, nil
}

func validateKeys(cfg Config) error {
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return errors.New("ed25519 requires public key or verify key set")
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return errors.New("KeyID is not present in VerifyKeys")
		}
	}
	return nil
}

// CreateAccess signs an access token for the session at sessionVersion.
// refreshUUID becomes the jti so an access token can be traced to the
// refresh token it was issued with.
func (j *Manager) CreateAccess(uid, sid string, sessionVersion int64, refreshUUID string) (string, error) {
	if sid == "" {
		return "", errors.New("access token requires session id")
	}
	now := j.config.Now()
	claims := AccessClaims{
		UID:            uid,
		SID:            sid,
		SessionVersion: sessionVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        refreshUUID,
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(now.Add(j.config.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    j.config.Issuer,
		},
	}
	if j.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.config.Audience}
	}

	token := jwt.NewWithClaims(j.method(), claims)
	if j.config.KeyID != "" {
		token.Header["kid"] = j.config.KeyID
	}

	signKey, err := j.signKey()
	if err != nil {
		return "", err
	}
	return token.SignedString(signKey)
}

// ParseAccess verifies signature, algorithm, registered claims and kid. It
// does not consult the session counter; the engine does that.
func (j *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	parser := jwt.NewParser(j.parserOptions()...)
	token, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, j.keyFunc)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.SID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(j.config.Now().Add(j.config.MaxFutureIAT)) {
		return nil, errors.New("token iat too far in the future")
	}
	return claims, nil
}

func (j *Manager) parserOptions() []jwt.ParserOption {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.method().Alg()}),
		jwt.WithTimeFunc(j.config.Now),
		jwt.WithExpirationRequired(),
	}
	if j.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.config.Leeway))
	}
	if j.config.RequireIAT {
		options = append(options, jwt.WithIssuedAt())
	}
	if j.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(j.config.Issuer))
	}
	if j.config.Audience != "" {
		options = append(options, jwt.WithAudience(j.config.Audience))
	}
	return options
}

func (j *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != j.method().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)

	if len(j.config.VerifyKeys) > 0 {
		if kid == "" {
			return nil, ErrMissingKID
		}
		key, ok := j.config.VerifyKeys[kid]
		if !ok {
			return nil, ErrUnknownKID
		}
		return j.verifyKeyFrom(key)
	}
	if j.config.KeyID != "" {
		if kid == "" {
			return nil, ErrMissingKID
		}
		if kid != j.config.KeyID {
			return nil, ErrUnknownKID
		}
	}
	return j.verifyKey()
}

func (j *Manager) method() jwt.SigningMethod {
	if j.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (j *Manager) signKey() (interface{}, error) {
	if j.config.SigningMethod == MethodHS256 {
		return j.config.PrivateKey, nil
	}
	return parseEdPrivateKey(j.config.PrivateKey)
}

func (j *Manager) verifyKey() (interface{}, error) {
	if j.config.SigningMethod == MethodHS256 {
		return j.config.PrivateKey, nil
	}
	return parseEdPublicKey(j.config.PublicKey)
}

func (j *Manager) verifyKeyFrom(key []byte) (interface{}, error) {
	if j.config.SigningMethod == MethodHS256 {
		return key, nil
	}
	return parseEdPublicKey(key)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
