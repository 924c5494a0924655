// Package redisstore keeps refresh-token records in Redis. Every mutation is
// a single Lua script, so the status compare-and-set, the successor insert and
// family revocation are atomic with respect to concurrent rotations.
//
// Scripts build their keys from the prefix argument and therefore expect all
// keys of one prefix on the same node.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/goRefresh/store"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is the key namespace used when none is configured.
const DefaultPrefix = "rt"

// Store is a Redis-backed [store.TokenStore] and [store.Successor].
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

var (
	_ store.TokenStore = (*Store)(nil)
	_ store.Successor  = (*Store)(nil)
)

// NewStore creates a Store on the given client. An empty prefix selects
// DefaultPrefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) tokenKey(uuid string) string { return s.prefix + ":t:" + uuid }
func (s *Store) hashKey(hash string) string  { return s.prefix + ":h:" + hash }

// Ping reports Redis availability and round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) Insert(ctx context.Context, rec *store.Record) (string, error) {
	if err := store.ValidateNew(rec); err != nil {
		return "", err
	}
	args := append([]interface{}{s.prefix}, recordArgs(rec)...)
	if _, err := s.run(ctx, insertLua, args...); err != nil {
		return "", err
	}
	return rec.UUID, nil
}

func (s *Store) FindByHash(ctx context.Context, hash string) (*store.Record, error) {
	uuid, err := s.redis.Get(ctx, s.hashKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return s.FindByUUID(ctx, uuid)
}

func (s *Store) FindActiveByHash(ctx context.Context, hash string) (*store.Record, error) {
	rec, err := s.FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusActive {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) FindByUUID(ctx context.Context, uuid string) (*store.Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.tokenKey(uuid)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeRecord(uuid, fields)
}

func (s *Store) MarkConsumed(ctx context.Context, uuid, replacedByUUID string, at time.Time) error {
	_, err := s.run(ctx, markConsumedLua, s.prefix, uuid, replacedByUUID, at.UnixMilli())
	return err
}

func (s *Store) ConsumeAndInsert(ctx context.Context, currentUUID string, next *store.Record, at time.Time) error {
	if err := store.ValidateNew(next); err != nil {
		return err
	}
	args := append([]interface{}{s.prefix, currentUUID, at.UnixMilli()}, recordArgs(next)...)
	_, err := s.run(ctx, consumeAndInsertLua, args...)
	return err
}

func (s *Store) RevokeFamily(ctx context.Context, uuid string) (int, error) {
	return s.run(ctx, revokeFamilyLua, s.prefix, uuid, store.MaxFamilySize)
}

func (s *Store) RevokeBySession(ctx context.Context, sessionID string) (int, error) {
	return s.run(ctx, revokeBySessionLua, s.prefix, sessionID)
}

// FindFamilyChain walks on the client side. Links are immutable once set, so
// a concurrent rotation can only extend the returned chain, never reorder it.
func (s *Store) FindFamilyChain(ctx context.Context, uuid string) ([]store.Record, error) {
	rec, err := s.FindByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	for depth := 0; rec.ParentUUID != ""; depth++ {
		if depth >= store.MaxFamilySize {
			return nil, store.ErrFamilyTooLarge
		}
		parent, err := s.FindByUUID(ctx, rec.ParentUUID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		rec = parent
	}

	chain := make([]store.Record, 0, 8)
	for {
		if len(chain) >= store.MaxFamilySize {
			return nil, store.ErrFamilyTooLarge
		}
		chain = append(chain, *rec)
		if rec.ReplacedByUUID == "" {
			return chain, nil
		}
		next, err := s.FindByUUID(ctx, rec.ReplacedByUUID)
		if errors.Is(err, store.ErrNotFound) {
			return chain, nil
		}
		if err != nil {
			return nil, err
		}
		rec = next
	}
}

func (s *Store) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	return s.run(ctx, expireStaleLua, s.prefix, now.UnixMilli(), limit)
}

func (s *Store) run(ctx context.Context, script *redis.Script, args ...interface{}) (int, error) {
	result, err := script.Run(ctx, s.redis, []string{s.prefix + ":seq"}, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, fmt.Errorf("%w: invalid script response", store.ErrUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return 0, fmt.Errorf("%w: invalid script status", store.ErrUnavailable)
	}
	count, _ := parts[1].(int64)

	switch code {
	case codeOK:
		return int(count), nil
	case codeDuplicateHash:
		return 0, store.ErrDuplicateHash
	case codeDuplicateUUID:
		return 0, store.ErrDuplicateUUID
	case codeNotFound:
		return 0, store.ErrNotFound
	case codeAlreadyConsumed:
		return 0, store.ErrAlreadyConsumed
	case codeFamilyTooLarge:
		return 0, store.ErrFamilyTooLarge
	default:
		return 0, fmt.Errorf("%w: unknown script status %d", store.ErrUnavailable, code)
	}
}

func recordArgs(rec *store.Record) []interface{} {
	return []interface{}{
		rec.UUID,
		rec.SessionID,
		rec.UserID,
		rec.TokenHash,
		rec.ParentUUID,
		rec.IssuedAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
	}
}

func decodeRecord(uuid string, f map[string]string) (*store.Record, error) {
	id, err := strconv.ParseUint(f["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt record %s: %v", store.ErrUnavailable, uuid, err)
	}
	issued, err := parseMillis(f["issued_ms"])
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt record %s: %v", store.ErrUnavailable, uuid, err)
	}
	expires, err := parseMillis(f["expires_ms"])
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt record %s: %v", store.ErrUnavailable, uuid, err)
	}
	status := store.Status(f["status"])
	if !status.Valid() {
		return nil, fmt.Errorf("%w: corrupt record %s: status %q", store.ErrUnavailable, uuid, status)
	}

	rec := &store.Record{
		ID:             id,
		UUID:           uuid,
		SessionID:      f["sid"],
		UserID:         f["uid"],
		TokenHash:      f["hash"],
		Status:         status,
		ParentUUID:     f["parent"],
		ReplacedByUUID: f["replaced_by"],
		IssuedAt:       issued,
		ExpiresAt:      expires,
	}
	if raw := f["consumed_ms"]; raw != "" {
		consumed, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt record %s: %v", store.ErrUnavailable, uuid, err)
		}
		rec.ConsumedAt = &consumed
	}
	return rec, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Versions is the Redis-backed [store.VersionCounter]. It shares the key
// namespace of the token store.
type Versions struct {
	redis  redis.UniversalClient
	prefix string
}

var _ store.VersionCounter = (*Versions)(nil)

// NewVersions creates a counter under prefix (DefaultPrefix when empty).
func NewVersions(client redis.UniversalClient, prefix string) *Versions {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Versions{redis: client, prefix: prefix}
}

func (v *Versions) key(sessionID string) string { return v.prefix + ":v:" + sessionID }

func (v *Versions) Bump(ctx context.Context, sessionID string) (int64, error) {
	n, err := bumpVersionLua.Run(ctx, v.redis, []string{v.key(sessionID)}, store.InitialSessionVersion).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return n, nil
}

func (v *Versions) Current(ctx context.Context, sessionID string) (int64, error) {
	n, err := v.redis.Get(ctx, v.key(sessionID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.InitialSessionVersion, nil
		}
		return 0, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return n, nil
}
