package flows

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/goRefresh/internal"
	"github.com/MrEthical07/goRefresh/refresh"
	"github.com/MrEthical07/goRefresh/store"
	"github.com/MrEthical07/goRefresh/store/memory"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func testMinter() Minter {
	return Minter{
		Hasher:     refresh.SHA256Hasher{},
		SecretSize: refresh.DefaultSecretSize,
		TTL:        time.Hour,
		NewUUID:    internal.NewTokenUUID,
	}
}

func newRotateDeps(s store.TokenStore, clock *fixedClock) (RotateDeps, *memory.Versions) {
	versions := memory.NewVersions()
	return RotateDeps{
		Store:    s,
		Versions: versions,
		Minter:   testMinter(),
		Now:      clock.Now,
	}, versions
}

func issueFor(t *testing.T, s store.TokenStore, v store.VersionCounter, clock *fixedClock, sessionID string) IssueResult {
	t.Helper()
	res := RunIssue(context.Background(), sessionID, "user00000001", IssueDeps{
		Store:    s,
		Versions: v,
		Minter:   testMinter(),
		Now:      clock.Now,
	})
	if res.Err != nil {
		t.Fatalf("RunIssue failed: %v", res.Err)
	}
	return res
}

func mustStatus(t *testing.T, s store.TokenStore, uuid string, want store.Status) {
	t.Helper()
	rec, err := s.FindByUUID(context.Background(), uuid)
	if err != nil {
		t.Fatalf("FindByUUID(%s) failed: %v", uuid, err)
	}
	if rec.Status != want {
		t.Fatalf("status of %s = %s, want %s", uuid, rec.Status, want)
	}
}

func TestRotateIssuesLinkedSuccessor(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	s := memory.NewStore()
	deps, versions := newRotateDeps(s, clock)
	root := issueFor(t, s, versions, clock, "sess00000001")

	res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if res.Failure != RotateFailureNone {
		t.Fatalf("expected success, got failure %d: %v", res.Failure, res.Err)
	}
	if res.RefreshToken == "" || res.RefreshToken == root.RefreshToken {
		t.Fatal("expected a fresh refresh token")
	}
	if res.Next.ParentUUID != root.Record.UUID {
		t.Fatalf("parent = %q, want %q", res.Next.ParentUUID, root.Record.UUID)
	}
	if !res.Next.ExpiresAt.Equal(clock.now.UTC().Add(time.Hour)) {
		t.Fatalf("expiry = %v, want now+ttl", res.Next.ExpiresAt)
	}
	if res.SessionVersion != store.InitialSessionVersion {
		t.Fatalf("session version = %d, want 1", res.SessionVersion)
	}

	old, err := s.FindByUUID(context.Background(), root.Record.UUID)
	if err != nil {
		t.Fatalf("FindByUUID failed: %v", err)
	}
	if old.Status != store.StatusConsumed || old.ReplacedByUUID != res.Next.UUID || old.ConsumedAt == nil {
		t.Fatalf("unexpected consumed row: %+v", old)
	}
	mustStatus(t, s, res.Next.UUID, store.StatusActive)
}

func TestRotateReplayBurnsFamily(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	s := memory.NewStore()
	deps, versions := newRotateDeps(s, clock)
	root := issueFor(t, s, versions, clock, "sess00000001")

	first := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if first.Failure != RotateFailureNone {
		t.Fatalf("first rotate failed: %v", first.Err)
	}

	replay := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if replay.Failure != RotateFailureReplay {
		t.Fatalf("expected replay, got %d", replay.Failure)
	}
	if replay.Revoked != 1 {
		t.Fatalf("revoked = %d, want 1", replay.Revoked)
	}
	if replay.SessionVersion != 2 {
		t.Fatalf("session version = %d, want 2", replay.SessionVersion)
	}
	mustStatus(t, s, first.Next.UUID, store.StatusRevoked)

	again := RunRotate(context.Background(), first.RefreshToken, "sess00000001", deps)
	if again.Failure != RotateFailureReplay {
		t.Fatalf("revoked successor must be treated as replay, got %d", again.Failure)
	}
}

func TestRotateReplayUsesRecordSession(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	s := memory.NewStore()
	deps, versions := newRotateDeps(s, clock)
	root := issueFor(t, s, versions, clock, "sess00000001")
	if res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps); res.Failure != RotateFailureNone {
		t.Fatalf("rotate failed: %v", res.Err)
	}

	res := RunRotate(context.Background(), root.RefreshToken, "sess00000009", deps)
	if res.Failure != RotateFailureReplay {
		t.Fatalf("expected replay, got %d", res.Failure)
	}
	if v, _ := versions.Current(context.Background(), "sess00000001"); v != 2 {
		t.Fatalf("owning session version = %d, want 2", v)
	}
	if v, _ := versions.Current(context.Background(), "sess00000009"); v != 1 {
		t.Fatalf("presenting session version = %d, want 1", v)
	}
}

func TestRotateSessionMismatchLeavesStateUnchanged(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	s := memory.NewStore()
	deps, versions := newRotateDeps(s, clock)
	root := issueFor(t, s, versions, clock, "sess00000001")

	res := RunRotate(context.Background(), root.RefreshToken, "sess00000002", deps)
	if res.Failure != RotateFailureSessionMismatch {
		t.Fatalf("expected session mismatch, got %d", res.Failure)
	}
	mustStatus(t, s, root.Record.UUID, store.StatusActive)
	if v, _ := versions.Current(context.Background(), "sess00000001"); v != 1 {
		t.Fatalf("version bumped on mismatch: %d", v)
	}
}

func TestRotateExpiredLeavesStateUnchanged(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	s := memory.NewStore()
	deps, versions := newRotateDeps(s, clock)
	root := issueFor(t, s, versions, clock, "sess00000001")

	clock.now = root.Record.ExpiresAt
	res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if res.Failure != RotateFailureExpired {
		t.Fatalf("expected expired at the boundary, got %d", res.Failure)
	}
	mustStatus(t, s, root.Record.UUID, store.StatusActive)
}

func TestRotateDecodeAndUnknown(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	deps, _ := newRotateDeps(memory.NewStore(), clock)

	if res := RunRotate(context.Background(), "!!not-base64!!", "sess00000001", deps); res.Failure != RotateFailureDecode {
		t.Fatalf("expected decode failure, got %d", res.Failure)
	}
	secret, err := refresh.NewSecret(refresh.DefaultSecretSize)
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}
	if res := RunRotate(context.Background(), refresh.Encode(secret), "sess00000001", deps); res.Failure != RotateFailureNotFound {
		t.Fatalf("expected not found, got %d", res.Failure)
	}
}

type recordingLimiter struct {
	refreshErr error
	missErr    error
	refreshed  []string
	missed     []string
}

func (l *recordingLimiter) CheckRefresh(_ context.Context, sessionID string) error {
	l.refreshed = append(l.refreshed, sessionID)
	return l.refreshErr
}

func (l *recordingLimiter) CheckMiss(_ context.Context, sessionID string) error {
	l.missed = append(l.missed, sessionID)
	return l.missErr
}

func TestRotateRateLimitedChargesOwningSession(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	s := memory.NewStore()
	deps, versions := newRotateDeps(s, clock)
	root := issueFor(t, s, versions, clock, "sess00000001")

	limited := errors.New("limited")
	lim := &recordingLimiter{refreshErr: limited}
	deps.RateLimiter = lim
	res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if res.Failure != RotateFailureRateLimited || !errors.Is(res.Err, limited) {
		t.Fatalf("expected rate limited, got %d: %v", res.Failure, res.Err)
	}
	mustStatus(t, s, root.Record.UUID, store.StatusActive)
	if len(lim.refreshed) != 1 || lim.refreshed[0] != "sess00000001" || len(lim.missed) != 0 {
		t.Fatalf("unexpected charges refreshed=%v missed=%v", lim.refreshed, lim.missed)
	}
}

func TestRotateUnknownTokenChargesMissWindowOnly(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	s := memory.NewStore()
	deps, _ := newRotateDeps(s, clock)
	lim := &recordingLimiter{refreshErr: errors.New("owner budget must not be touched")}
	deps.RateLimiter = lim

	secret, err := refresh.NewSecret(refresh.DefaultSecretSize)
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}
	res := RunRotate(context.Background(), refresh.Encode(secret), "victim000001", deps)
	if res.Failure != RotateFailureNotFound {
		t.Fatalf("expected not found, got %d: %v", res.Failure, res.Err)
	}
	if len(lim.refreshed) != 0 || len(lim.missed) != 1 || lim.missed[0] != "victim000001" {
		t.Fatalf("unexpected charges refreshed=%v missed=%v", lim.refreshed, lim.missed)
	}

	lim.missErr = errors.New("too many misses")
	res = RunRotate(context.Background(), refresh.Encode(secret), "victim000001", deps)
	if res.Failure != RotateFailureRateLimited || !errors.Is(res.Err, lim.missErr) {
		t.Fatalf("expected miss throttle, got %d: %v", res.Failure, res.Err)
	}
}

func TestRotateWrongSessionChargesPresentedMissWindow(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	s := memory.NewStore()
	deps, versions := newRotateDeps(s, clock)
	root := issueFor(t, s, versions, clock, "sess00000001")
	lim := &recordingLimiter{}
	deps.RateLimiter = lim

	res := RunRotate(context.Background(), root.RefreshToken, "sess00000002", deps)
	if res.Failure != RotateFailureSessionMismatch {
		t.Fatalf("expected session mismatch, got %d", res.Failure)
	}
	if len(lim.refreshed) != 0 || len(lim.missed) != 1 || lim.missed[0] != "sess00000002" {
		t.Fatalf("unexpected charges refreshed=%v missed=%v", lim.refreshed, lim.missed)
	}
	mustStatus(t, s, root.Record.UUID, store.StatusActive)
}

func TestRotateReplayBurnsEvenWhenThrottled(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	s := memory.NewStore()
	deps, versions := newRotateDeps(s, clock)
	root := issueFor(t, s, versions, clock, "sess00000001")

	first := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if first.Failure != RotateFailureNone {
		t.Fatalf("first rotate failed: %d", first.Failure)
	}

	limited := errors.New("limited")
	deps.RateLimiter = &recordingLimiter{refreshErr: limited, missErr: limited}
	res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if res.Failure != RotateFailureReplay {
		t.Fatalf("expected replay, got %d: %v", res.Failure, res.Err)
	}
	mustStatus(t, s, first.Next.UUID, store.StatusRevoked)
}

// racingStore simulates a concurrent winner consuming current between the
// lookup and the compare-and-set.
type racingStore struct {
	*memory.Store
}

func (r racingStore) ConsumeAndInsert(ctx context.Context, currentUUID string, next *store.Record, at time.Time) error {
	winner := *next
	winner.UUID = "winner000000"
	winner.TokenHash = strings.Repeat("0", 64)
	if err := r.Store.ConsumeAndInsert(ctx, currentUUID, &winner, at); err != nil {
		return err
	}
	return r.Store.ConsumeAndInsert(ctx, currentUUID, next, at)
}

func TestRotateRaceLossBurnsFamily(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	mem := memory.NewStore()
	deps, versions := newRotateDeps(racingStore{mem}, clock)
	root := issueFor(t, mem, versions, clock, "sess00000001")

	res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if res.Failure != RotateFailureRaceLost {
		t.Fatalf("expected race lost, got %d: %v", res.Failure, res.Err)
	}
	mustStatus(t, mem, "winner000000", store.StatusRevoked)
	if v, _ := versions.Current(context.Background(), "sess00000001"); v != 2 {
		t.Fatalf("session version = %d, want 2", v)
	}
}

// plainStore hides the Successor capability of the wrapped store.
type plainStore struct {
	store.TokenStore
}

func TestRotateFallbackWithoutSuccessor(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	mem := memory.NewStore()
	deps, versions := newRotateDeps(plainStore{mem}, clock)
	root := issueFor(t, mem, versions, clock, "sess00000001")

	res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if res.Failure != RotateFailureNone {
		t.Fatalf("fallback rotate failed: %d %v", res.Failure, res.Err)
	}
	mustStatus(t, mem, root.Record.UUID, store.StatusConsumed)
	mustStatus(t, mem, res.Next.UUID, store.StatusActive)
}

type failingRevokeStore struct {
	*memory.Store
}

func (failingRevokeStore) RevokeFamily(context.Context, string) (int, error) {
	return 0, store.ErrUnavailable
}

func TestRotateBurnFailureStillBumps(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	mem := memory.NewStore()
	deps, versions := newRotateDeps(failingRevokeStore{mem}, clock)
	root := issueFor(t, mem, versions, clock, "sess00000001")
	if res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps); res.Failure != RotateFailureNone {
		t.Fatalf("rotate failed: %v", res.Err)
	}

	res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if res.Failure != RotateFailureBurn || !errors.Is(res.Err, store.ErrUnavailable) {
		t.Fatalf("expected burn failure, got %d: %v", res.Failure, res.Err)
	}
	if res.SessionVersion != 2 {
		t.Fatalf("session version = %d, want 2", res.SessionVersion)
	}
}

func TestRotateRetriesUUIDCollision(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	mem := memory.NewStore()
	deps, versions := newRotateDeps(mem, clock)
	root := issueFor(t, mem, versions, clock, "sess00000001")

	calls := 0
	deps.Minter.NewUUID = func() (string, error) {
		calls++
		if calls == 1 {
			return root.Record.UUID, nil
		}
		return internal.NewTokenUUID()
	}
	res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if res.Failure != RotateFailureNone {
		t.Fatalf("expected success after uuid retry, got %d: %v", res.Failure, res.Err)
	}
	if res.Next.UUID == root.Record.UUID || calls != 2 {
		t.Fatalf("uuid not regenerated: %s after %d calls", res.Next.UUID, calls)
	}
}

func TestRotateIssuesAccessTokenWithVersion(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	mem := memory.NewStore()
	deps, versions := newRotateDeps(mem, clock)
	root := issueFor(t, mem, versions, clock, "sess00000001")

	var gotVersion int64
	deps.IssueAccessToken = func(rec *store.Record, v int64) (string, error) {
		gotVersion = v
		return "access-" + rec.UUID, nil
	}
	res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps)
	if res.Failure != RotateFailureNone {
		t.Fatalf("rotate failed: %v", res.Err)
	}
	if res.AccessToken != "access-"+res.Next.UUID || gotVersion != 1 {
		t.Fatalf("unexpected access token %q version %d", res.AccessToken, gotVersion)
	}
}

func TestRunExpireStaleBatches(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	mem := memory.NewStore()
	versions := memory.NewVersions()
	for i := 0; i < 5; i++ {
		issueFor(t, mem, versions, clock, "sess00000001")
	}
	clock.now = clock.now.Add(2 * time.Hour)

	n, err := RunExpireStale(context.Background(), SweepDeps{Store: mem, Now: clock.Now, BatchSize: 2, MaxBatches: 2})
	if err != nil || n != 4 {
		t.Fatalf("first sweep = %d, %v; want 4", n, err)
	}
	n, err = RunExpireStale(context.Background(), SweepDeps{Store: mem, Now: clock.Now, BatchSize: 2})
	if err != nil || n != 1 {
		t.Fatalf("second sweep = %d, %v; want 1", n, err)
	}
}

func TestRunIntrospectNeverBurns(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	mem := memory.NewStore()
	deps, versions := newRotateDeps(mem, clock)
	root := issueFor(t, mem, versions, clock, "sess00000001")
	idt := IntrospectDeps{Store: mem, Minter: testMinter(), Now: clock.Now}

	if res := RunIntrospect(context.Background(), root.RefreshToken, idt); res.Failure != IntrospectFailureNone {
		t.Fatalf("expected active, got %d", res.Failure)
	}
	if res := RunRotate(context.Background(), root.RefreshToken, "sess00000001", deps); res.Failure != RotateFailureNone {
		t.Fatalf("rotate failed: %v", res.Err)
	}
	if res := RunIntrospect(context.Background(), root.RefreshToken, idt); res.Failure != IntrospectFailureNotFound {
		t.Fatalf("expected not found for consumed token, got %d", res.Failure)
	}
	if v, _ := versions.Current(context.Background(), "sess00000001"); v != 1 {
		t.Fatalf("introspect must not bump, version %d", v)
	}
}
