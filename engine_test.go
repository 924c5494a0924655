package goRefresh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goRefresh/internal"
	"github.com/MrEthical07/goRefresh/refresh"
	"github.com/MrEthical07/goRefresh/store"
	"github.com/MrEthical07/goRefresh/store/memory"
)

const (
	testSession = "sess00000001"
	testUser    = "user00000001"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testBackend struct {
	store    *memory.Store
	versions *memory.Versions
	clock    *testClock
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Security.EnableRefreshThrottle = false
	cfg.Token.TTL = time.Hour
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *testBackend) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	be := &testBackend{
		store:    memory.NewStore(),
		versions: memory.NewVersions(),
		clock:    newTestClock(),
	}
	e, err := New().
		WithConfig(cfg).
		WithStore(be.store).
		WithVersions(be.versions).
		WithClock(be.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e, be
}

func (be *testBackend) record(t *testing.T, uuid string) *store.Record {
	t.Helper()
	rec, err := be.store.FindByUUID(context.Background(), uuid)
	if err != nil {
		t.Fatalf("find %s: %v", uuid, err)
	}
	return rec
}

func (be *testBackend) version(t *testing.T, sessionID string) int64 {
	t.Helper()
	v, err := be.versions.Current(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	return v
}

func mustIssue(t *testing.T, e *Engine) *IssueResult {
	t.Helper()
	res, err := e.Issue(context.Background(), testSession, testUser)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return res
}

func TestIssueStartsFamily(t *testing.T) {
	e, be := newTestEngine(t, nil)

	res := mustIssue(t, e)
	if res.RefreshToken == "" || res.AccessToken != "" {
		t.Fatalf("unexpected tokens: refresh=%q access=%q", res.RefreshToken, res.AccessToken)
	}
	if res.SessionVersion != 1 {
		t.Fatalf("session version = %d, want 1", res.SessionVersion)
	}
	rec := be.record(t, res.Token.UUID)
	if rec.Status != store.StatusActive || rec.ParentUUID != "" {
		t.Fatalf("unexpected root record: %+v", rec)
	}
	if len(rec.UUID) != 12 || len(rec.TokenHash) != 64 {
		t.Fatalf("unexpected identifier shapes: uuid=%q hash=%q", rec.UUID, rec.TokenHash)
	}
	if !rec.ExpiresAt.Equal(be.clock.Now().Add(time.Hour)) {
		t.Fatalf("expires_at = %v", rec.ExpiresAt)
	}

	secret, err := refresh.Decode(res.RefreshToken)
	if err != nil {
		t.Fatalf("decode issued token: %v", err)
	}
	if len(secret) < 32 {
		t.Fatalf("secret carries %d bytes of entropy", len(secret))
	}
	if rec.TokenHash != (refresh.SHA256Hasher{}).Sum(secret).Hex() {
		t.Fatal("stored hash does not match the issued secret")
	}
}

func TestIssueRejectsEmptyIDs(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	if _, err := e.Issue(context.Background(), "", testUser); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
	if _, err := e.Issue(context.Background(), testSession, ""); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestIssueRejectsOverlongIDs(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	long := strings.Repeat("x", store.MaxIDLength+1)

	if _, err := e.Issue(ctx, long, testUser); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
	if _, err := e.Issue(ctx, testSession, long); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := e.RevokeSession(ctx, long); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("RevokeSession: expected ErrInvalidSessionID, got %v", err)
	}
	if _, err := e.SessionVersion(ctx, long); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("SessionVersion: expected ErrInvalidSessionID, got %v", err)
	}

	sessionID := "3f2a9c1e-7b4d-4e8a-9c2f-1d5e6a7b8c9d"
	issued, err := e.Issue(ctx, sessionID, "b0c1d2e3-f4a5-4b6c-8d7e-9f0a1b2c3d4e")
	if err != nil {
		t.Fatalf("uuid session id rejected: %v", err)
	}
	if _, err := e.Rotate(ctx, issued.RefreshToken, sessionID); err != nil {
		t.Fatalf("rotate with uuid session id: %v", err)
	}
}

func TestScenarioARotateLinksSuccessor(t *testing.T) {
	e, be := newTestEngine(t, nil)
	t1 := mustIssue(t, e)
	be.clock.Advance(time.Minute)

	res, err := e.Rotate(context.Background(), t1.RefreshToken, testSession)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if res.RefreshToken == t1.RefreshToken {
		t.Fatal("rotation returned the presented token")
	}
	if res.Token.ParentUUID != t1.Token.UUID || res.Previous.UUID != t1.Token.UUID {
		t.Fatalf("successor not linked: %+v", res.Token)
	}

	old := be.record(t, t1.Token.UUID)
	if old.Status != store.StatusConsumed || old.ReplacedByUUID != res.Token.UUID {
		t.Fatalf("T1 not consumed into T2: %+v", old)
	}
	if old.ConsumedAt == nil || !old.ConsumedAt.Equal(be.clock.Now()) {
		t.Fatalf("consumed_at = %v", old.ConsumedAt)
	}
	if !old.ExpiresAt.Equal(t1.Token.ExpiresAt) {
		t.Fatal("expires_at changed on consume")
	}
	next := be.record(t, res.Token.UUID)
	if next.Status != store.StatusActive || next.TokenHash == old.TokenHash {
		t.Fatalf("unexpected successor: %+v", next)
	}
	if !next.ExpiresAt.Equal(be.clock.Now().Add(time.Hour)) {
		t.Fatalf("successor expires_at = %v", next.ExpiresAt)
	}

	chain, err := e.FamilyChain(context.Background(), res.Token.UUID)
	if err != nil {
		t.Fatalf("family chain: %v", err)
	}
	if len(chain) != 2 || chain[0].UUID != t1.Token.UUID || chain[1].UUID != res.Token.UUID {
		t.Fatalf("unexpected chain: %+v", chain)
	}
}

func TestScenarioBReplayBurnsFamily(t *testing.T) {
	e, be := newTestEngine(t, nil)
	ctx := context.Background()
	t1 := mustIssue(t, e)
	t2, err := e.Rotate(ctx, t1.RefreshToken, testSession)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	before := be.version(t, testSession)

	_, err = e.Rotate(ctx, t1.RefreshToken, testSession)
	if !errors.Is(err, ErrReplayDetected) || !IsAuthFailure(err) {
		t.Fatalf("expected replay, got %v", err)
	}
	if got := be.record(t, t2.Token.UUID).Status; got != store.StatusRevoked {
		t.Fatalf("T2 status = %s, want revoked", got)
	}
	if got := be.record(t, t1.Token.UUID).Status; got != store.StatusConsumed {
		t.Fatalf("T1 status = %s, want consumed", got)
	}
	if after := be.version(t, testSession); after != before+1 {
		t.Fatalf("version %d -> %d, want +1", before, after)
	}

	if _, err := e.Rotate(ctx, t2.RefreshToken, testSession); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("burned successor should replay, got %v", err)
	}
}

func TestScenarioCExpiredLeavesTokenActive(t *testing.T) {
	e, be := newTestEngine(t, nil)
	t3 := mustIssue(t, e)
	be.clock.Advance(time.Hour)

	_, err := e.Rotate(context.Background(), t3.RefreshToken, testSession)
	if !errors.Is(err, ErrTokenExpired) || !IsAuthFailure(err) {
		t.Fatalf("expected expired, got %v", err)
	}
	rec := be.record(t, t3.Token.UUID)
	if rec.Status != store.StatusActive || rec.ConsumedAt != nil {
		t.Fatalf("expired token changed: %+v", rec)
	}
	if v := be.version(t, testSession); v != 1 {
		t.Fatalf("expiry must not bump the version, got %d", v)
	}
}

func TestScenarioDUnknownTokenNotFound(t *testing.T) {
	e, be := newTestEngine(t, nil)
	known := mustIssue(t, e)

	secret, err := refresh.NewSecret(32)
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	for _, raw := range []string{refresh.Encode(secret), "not*base64", ""} {
		if _, err := e.Rotate(context.Background(), raw, testSession); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("rotate(%q) = %v, want ErrTokenNotFound", raw, err)
		}
	}
	if be.record(t, known.Token.UUID).Status != store.StatusActive {
		t.Fatal("unknown token altered an existing record")
	}
	chain, _ := e.FamilyChain(context.Background(), known.Token.UUID)
	if len(chain) != 1 {
		t.Fatalf("unknown token created records: %+v", chain)
	}
	if v := be.version(t, testSession); v != 1 {
		t.Fatalf("not-found must not bump, got %d", v)
	}
}

func TestRotateWrongSessionIsNotFound(t *testing.T) {
	e, be := newTestEngine(t, nil)
	t1 := mustIssue(t, e)

	if _, err := e.Rotate(context.Background(), t1.RefreshToken, "sess00000002"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	if be.record(t, t1.Token.UUID).Status != store.StatusActive {
		t.Fatal("session mismatch changed token state")
	}
	if _, err := e.Rotate(context.Background(), t1.RefreshToken, testSession); err != nil {
		t.Fatalf("owner rotation should still succeed: %v", err)
	}
}

func TestRotateSequenceKeepsSingleActive(t *testing.T) {
	e, be := newTestEngine(t, nil)
	ctx := context.Background()
	cur := mustIssue(t, e).RefreshToken

	seen := map[string]bool{}
	var last string
	for i := 0; i < 25; i++ {
		res, err := e.Rotate(ctx, cur, testSession)
		if err != nil {
			t.Fatalf("rotation %d: %v", i, err)
		}
		cur = res.RefreshToken
		last = res.Token.UUID
	}

	chain, err := e.FamilyChain(ctx, last)
	if err != nil {
		t.Fatalf("family chain: %v", err)
	}
	if len(chain) != 26 {
		t.Fatalf("chain length %d, want 26", len(chain))
	}
	active := 0
	for _, info := range chain {
		rec := be.record(t, info.UUID)
		if seen[rec.TokenHash] {
			t.Fatalf("hash reused at %s", rec.UUID)
		}
		seen[rec.TokenHash] = true
		if rec.Status == store.StatusActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("%d active members, want 1", active)
	}
}

func TestRevokeTokenBurnsFamilyAndBumps(t *testing.T) {
	e, be := newTestEngine(t, nil)
	ctx := context.Background()
	t1 := mustIssue(t, e)
	t2, _ := e.Rotate(ctx, t1.RefreshToken, testSession)

	n, err := e.RevokeToken(ctx, t1.RefreshToken)
	if err != nil || n != 1 {
		t.Fatalf("RevokeToken = %d, %v", n, err)
	}
	if be.record(t, t2.Token.UUID).Status != store.StatusRevoked {
		t.Fatal("successor not revoked")
	}
	if v := be.version(t, testSession); v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}
	if _, err := e.RevokeToken(ctx, "garbage"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestRevokeSessionOnlyTouchesThatSession(t *testing.T) {
	e, be := newTestEngine(t, nil)
	ctx := context.Background()
	a := mustIssue(t, e)
	b := mustIssue(t, e)
	other, err := e.Issue(ctx, "sess00000002", testUser)
	if err != nil {
		t.Fatalf("issue other: %v", err)
	}

	n, err := e.RevokeSession(ctx, testSession)
	if err != nil || n != 2 {
		t.Fatalf("RevokeSession = %d, %v", n, err)
	}
	for _, uuid := range []string{a.Token.UUID, b.Token.UUID} {
		if be.record(t, uuid).Status != store.StatusRevoked {
			t.Fatalf("%s not revoked", uuid)
		}
	}
	if be.record(t, other.Token.UUID).Status != store.StatusActive {
		t.Fatal("other session revoked")
	}
	if v, _ := e.SessionVersion(ctx, testSession); v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}
	if v, _ := e.SessionVersion(ctx, "sess00000002"); v != 1 {
		t.Fatalf("other version = %d, want 1", v)
	}
	if _, err := e.RevokeSession(ctx, ""); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
}

func TestIntrospectNeverBurns(t *testing.T) {
	e, be := newTestEngine(t, nil)
	ctx := context.Background()
	t1 := mustIssue(t, e)

	info, err := e.Introspect(ctx, t1.RefreshToken)
	if err != nil || info.UUID != t1.Token.UUID {
		t.Fatalf("Introspect = %+v, %v", info, err)
	}

	t2, _ := e.Rotate(ctx, t1.RefreshToken, testSession)
	if _, err := e.Introspect(ctx, t1.RefreshToken); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("consumed token introspect = %v", err)
	}
	if be.record(t, t2.Token.UUID).Status != store.StatusActive {
		t.Fatal("introspecting a consumed token burned the family")
	}

	be.clock.Advance(2 * time.Hour)
	if _, err := e.Introspect(ctx, t2.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired introspect = %v", err)
	}
}

func TestExpireStaleRevokesOnlyExpired(t *testing.T) {
	e, be := newTestEngine(t, func(c *Config) {
		c.Sweep.BatchSize = 2
		c.Sweep.MaxBatches = 0
	})
	ctx := context.Background()
	var old []string
	for i := 0; i < 5; i++ {
		old = append(old, mustIssue(t, e).Token.UUID)
	}
	be.clock.Advance(30 * time.Minute)
	fresh := mustIssue(t, e)
	be.clock.Advance(45 * time.Minute)

	n, err := e.ExpireStale(ctx)
	if err != nil || n != 5 {
		t.Fatalf("ExpireStale = %d, %v", n, err)
	}
	for _, uuid := range old {
		if be.record(t, uuid).Status != store.StatusRevoked {
			t.Fatalf("%s not expired", uuid)
		}
	}
	if be.record(t, fresh.Token.UUID).Status != store.StatusActive {
		t.Fatal("fresh token expired early")
	}
	if n, _ := e.ExpireStale(ctx); n != 0 {
		t.Fatalf("second sweep revoked %d", n)
	}
}

func TestEngineNotReady(t *testing.T) {
	var e *Engine
	if _, err := e.Rotate(context.Background(), "x", testSession); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if _, err := e.ExpireStale(context.Background()); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if h := e.Health(context.Background()); h.StoreAvailable {
		t.Fatal("nil engine reported healthy")
	}
}

func TestHealthMemoryStore(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	h := e.Health(context.Background())
	if !h.StoreAvailable {
		t.Fatal("memory store should report available")
	}
	if h.RedisAvailable {
		t.Fatal("no redis configured")
	}
}

type failingVersions struct{ store.VersionCounter }

func (failingVersions) Current(context.Context, string) (int64, error) {
	return 0, errors.New("counter offline")
}

func TestRotateVersionFailureIsUnavailable(t *testing.T) {
	e, be := newTestEngine(t, nil)
	t1 := mustIssue(t, e)
	e.versions = failingVersions{be.versions}
	e.deps = e.buildDeps(internal.NewTokenUUID)

	_, err := e.Rotate(context.Background(), t1.RefreshToken, testSession)
	if !errors.Is(err, ErrStoreUnavailable) || IsAuthFailure(err) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if be.record(t, t1.Token.UUID).Status != store.StatusActive {
		t.Fatal("failed rotation consumed the token")
	}
}

type collidingStore struct{ *memory.Store }

func (collidingStore) ConsumeAndInsert(context.Context, string, *store.Record, time.Time) error {
	return store.ErrDuplicateHash
}

func TestRotateHashCollisionSurfaces(t *testing.T) {
	e, be := newTestEngine(t, nil)
	t1 := mustIssue(t, e)
	e.tokens = collidingStore{be.store}
	e.deps = e.buildDeps(internal.NewTokenUUID)

	_, err := e.Rotate(context.Background(), t1.RefreshToken, testSession)
	if err == nil || IsAuthFailure(err) {
		t.Fatalf("expected non-auth failure, got %v", err)
	}
	if !errors.Is(err, ErrHashCollision) || !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected hash collision, got %v", err)
	}
	if be.record(t, t1.Token.UUID).Status != store.StatusActive {
		t.Fatal("collision consumed the token")
	}
}
