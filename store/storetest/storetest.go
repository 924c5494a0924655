// Package storetest is the behavioral conformance suite for token store and
// session version backends. Each backend package calls [Run] from its tests.
package storetest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goRefresh/internal"
	"github.com/MrEthical07/goRefresh/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) (store.TokenStore, store.VersionCounter)

// Run executes the full suite against the backend produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	t.Run("InsertAndFind", func(t *testing.T) { testInsertAndFind(t, newBackend) })
	t.Run("DuplicateHash", func(t *testing.T) { testDuplicateHash(t, newBackend) })
	t.Run("DuplicateUUID", func(t *testing.T) { testDuplicateUUID(t, newBackend) })
	t.Run("InsertRejectsInvalid", func(t *testing.T) { testInsertRejectsInvalid(t, newBackend) })
	t.Run("UUIDSessionIDs", func(t *testing.T) { testUUIDSessionIDs(t, newBackend) })
	t.Run("FindActiveByHashSkipsTerminal", func(t *testing.T) { testFindActiveSkipsTerminal(t, newBackend) })
	t.Run("MarkConsumedCompareAndSet", func(t *testing.T) { testMarkConsumed(t, newBackend) })
	t.Run("MarkConsumedSingleWinner", func(t *testing.T) { testMarkConsumedSingleWinner(t, newBackend) })
	t.Run("ConsumeAndInsert", func(t *testing.T) { testConsumeAndInsert(t, newBackend) })
	t.Run("RevokeFamilyCascades", func(t *testing.T) { testRevokeFamily(t, newBackend) })
	t.Run("RevokeBySession", func(t *testing.T) { testRevokeBySession(t, newBackend) })
	t.Run("FindFamilyChainOrdered", func(t *testing.T) { testFindFamilyChain(t, newBackend) })
	t.Run("ExpireStale", func(t *testing.T) { testExpireStale(t, newBackend) })
	t.Run("VersionCounterMonotonic", func(t *testing.T) { testVersions(t, newBackend) })
	t.Run("VersionCounterConcurrentBumps", func(t *testing.T) { testVersionsConcurrent(t, newBackend) })
}

// NewRecord builds a valid active record. parent may be empty.
func NewRecord(t *testing.T, sessionID, userID, parent string, expiresAt time.Time) *store.Record {
	t.Helper()

	id, err := internal.NewTokenUUID()
	require.NoError(t, err)

	return &store.Record{
		UUID:       id,
		SessionID:  sessionID,
		UserID:     userID,
		TokenHash:  RandomHash(t),
		Status:     store.StatusActive,
		ParentUUID: parent,
		IssuedAt:   time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:  expiresAt.UTC().Truncate(time.Millisecond),
	}
}

// RandomHash returns a unique 64-char hex digest.
func RandomHash(t *testing.T) string {
	t.Helper()

	var b [32]byte
	_, err := rand.Read(b[:])
	require.NoError(t, err)
	return hex.EncodeToString(b[:])
}

func hour() time.Time { return time.Now().Add(time.Hour) }

func insert(t *testing.T, s store.TokenStore, rec *store.Record) {
	t.Helper()
	id, err := s.Insert(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, rec.UUID, id)
}

// rotate consumes cur into a freshly inserted successor the way the engine's
// fallback path does.
func rotate(t *testing.T, s store.TokenStore, cur *store.Record) *store.Record {
	t.Helper()
	next := NewRecord(t, cur.SessionID, cur.UserID, cur.UUID, hour())
	insert(t, s, next)
	require.NoError(t, s.MarkConsumed(context.Background(), cur.UUID, next.UUID, time.Now()))
	return next
}

func status(t *testing.T, s store.TokenStore, uuid string) store.Status {
	t.Helper()
	rec, err := s.FindByUUID(context.Background(), uuid)
	require.NoError(t, err)
	return rec.Status
}

func testInsertAndFind(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	ctx := context.Background()
	rec := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	insert(t, s, rec)

	byHash, err := s.FindByHash(ctx, rec.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, rec.UUID, byHash.UUID)
	assert.Equal(t, rec.SessionID, byHash.SessionID)
	assert.Equal(t, rec.UserID, byHash.UserID)
	assert.Equal(t, store.StatusActive, byHash.Status)
	assert.Empty(t, byHash.ReplacedByUUID)
	assert.Nil(t, byHash.ConsumedAt)
	assert.WithinDuration(t, rec.ExpiresAt, byHash.ExpiresAt, time.Millisecond)

	byUUID, err := s.FindByUUID(ctx, rec.UUID)
	require.NoError(t, err)
	assert.Equal(t, rec.TokenHash, byUUID.TokenHash)

	_, err = s.FindByHash(ctx, RandomHash(t))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindByUUID(ctx, "missing00000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateHash(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	first := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	insert(t, s, first)

	clash := NewRecord(t, "sess00000002", "user-0000002", "", hour())
	clash.TokenHash = first.TokenHash
	_, err := s.Insert(context.Background(), clash)
	require.ErrorIs(t, err, store.ErrDuplicateHash)

	_, err = s.FindByUUID(context.Background(), clash.UUID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateUUID(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	first := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	insert(t, s, first)

	clash := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	clash.UUID = first.UUID
	_, err := s.Insert(context.Background(), clash)
	require.ErrorIs(t, err, store.ErrDuplicateUUID)
}

func testInsertRejectsInvalid(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	rec := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	rec.TokenHash = "short"
	_, err := s.Insert(context.Background(), rec)
	assert.ErrorIs(t, err, store.ErrInvalidRecord)

	rec = NewRecord(t, "sess00000001", "user-0000001", "", hour())
	rec.Status = store.StatusConsumed
	_, err = s.Insert(context.Background(), rec)
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func testUUIDSessionIDs(t *testing.T, newBackend Factory) {
	s, v := newBackend(t)
	ctx := context.Background()
	sessionID := "3f2a9c1e-7b4d-4e8a-9c2f-1d5e6a7b8c9d"
	userID := "b0c1d2e3-f4a5-4b6c-8d7e-9f0a1b2c3d4e"

	rec := NewRecord(t, sessionID, userID, "", hour())
	insert(t, s, rec)

	got, err := s.FindByUUID(ctx, rec.UUID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, got.SessionID)
	assert.Equal(t, userID, got.UserID)

	n, err := s.RevokeBySession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	next, err := v.Bump(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, store.InitialSessionVersion+1, next)

	long := NewRecord(t, strings.Repeat("s", store.MaxIDLength+1), userID, "", hour())
	_, err = s.Insert(ctx, long)
	assert.ErrorIs(t, err, store.ErrInvalidRecord)

	long = NewRecord(t, sessionID, strings.Repeat("u", store.MaxIDLength+1), "", hour())
	_, err = s.Insert(ctx, long)
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func testFindActiveSkipsTerminal(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	ctx := context.Background()
	root := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	insert(t, s, root)

	active, err := s.FindActiveByHash(ctx, root.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, root.UUID, active.UUID)

	next := rotate(t, s, root)
	_, err = s.FindActiveByHash(ctx, root.TokenHash)
	assert.ErrorIs(t, err, store.ErrNotFound)

	consumed, err := s.FindByHash(ctx, root.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConsumed, consumed.Status)

	_, err = s.RevokeFamily(ctx, next.UUID)
	require.NoError(t, err)
	_, err = s.FindActiveByHash(ctx, next.TokenHash)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testMarkConsumed(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	ctx := context.Background()
	root := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	insert(t, s, root)
	next := NewRecord(t, root.SessionID, root.UserID, root.UUID, hour())
	insert(t, s, next)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.MarkConsumed(ctx, root.UUID, next.UUID, at))

	got, err := s.FindByUUID(ctx, root.UUID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConsumed, got.Status)
	assert.Equal(t, next.UUID, got.ReplacedByUUID)
	require.NotNil(t, got.ConsumedAt)
	assert.WithinDuration(t, at, *got.ConsumedAt, time.Millisecond)

	err = s.MarkConsumed(ctx, root.UUID, "other0000000", at)
	assert.ErrorIs(t, err, store.ErrAlreadyConsumed)

	got, err = s.FindByUUID(ctx, root.UUID)
	require.NoError(t, err)
	assert.Equal(t, next.UUID, got.ReplacedByUUID, "losing CAS must not overwrite replaced-by")

	err = s.MarkConsumed(ctx, "missing00000", next.UUID, at)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testMarkConsumedSingleWinner(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	ctx := context.Background()
	root := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	insert(t, s, root)

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := s.MarkConsumed(ctx, root.UUID, "next00000000", time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, store.ErrAlreadyConsumed):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func testConsumeAndInsert(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	succ, ok := s.(store.Successor)
	if !ok {
		t.Skip("backend does not implement store.Successor")
	}
	ctx := context.Background()
	root := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	insert(t, s, root)

	next := NewRecord(t, root.SessionID, root.UserID, root.UUID, hour())
	require.NoError(t, succ.ConsumeAndInsert(ctx, root.UUID, next, time.Now()))
	assert.Equal(t, store.StatusConsumed, status(t, s, root.UUID))
	assert.Equal(t, store.StatusActive, status(t, s, next.UUID))

	got, err := s.FindByUUID(ctx, root.UUID)
	require.NoError(t, err)
	assert.Equal(t, next.UUID, got.ReplacedByUUID)

	loser := NewRecord(t, root.SessionID, root.UserID, root.UUID, hour())
	err = succ.ConsumeAndInsert(ctx, root.UUID, loser, time.Now())
	require.ErrorIs(t, err, store.ErrAlreadyConsumed)
	_, err = s.FindByUUID(ctx, loser.UUID)
	assert.ErrorIs(t, err, store.ErrNotFound, "losing rotation must not insert a successor")

	clash := NewRecord(t, next.SessionID, next.UserID, next.UUID, hour())
	clash.TokenHash = root.TokenHash
	err = succ.ConsumeAndInsert(ctx, next.UUID, clash, time.Now())
	require.ErrorIs(t, err, store.ErrDuplicateHash)
	assert.Equal(t, store.StatusActive, status(t, s, next.UUID), "failed insert must not consume current")

	err = succ.ConsumeAndInsert(ctx, "missing00000", NewRecord(t, "s", "u", "", hour()), time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRevokeFamily(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	ctx := context.Background()

	root := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	insert(t, s, root)
	mid := rotate(t, s, root)
	leaf := rotate(t, s, mid)

	// successor orphaned by a lost race: parent points at mid, mid never
	// points back.
	orphan := NewRecord(t, mid.SessionID, mid.UserID, mid.UUID, hour())
	insert(t, s, orphan)

	other := NewRecord(t, "sess00000002", "user-0000001", "", hour())
	insert(t, s, other)

	revoked, err := s.RevokeFamily(ctx, root.UUID)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	assert.Equal(t, store.StatusConsumed, status(t, s, root.UUID))
	assert.Equal(t, store.StatusConsumed, status(t, s, mid.UUID))
	assert.Equal(t, store.StatusRevoked, status(t, s, leaf.UUID))
	assert.Equal(t, store.StatusRevoked, status(t, s, orphan.UUID))
	assert.Equal(t, store.StatusActive, status(t, s, other.UUID), "unrelated family untouched")

	revoked, err = s.RevokeFamily(ctx, leaf.UUID)
	require.NoError(t, err)
	assert.Equal(t, 0, revoked, "revoking twice is a no-op")

	_, err = s.RevokeFamily(ctx, "missing00000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRevokeBySession(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	ctx := context.Background()

	a := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	b := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	c := NewRecord(t, "sess00000002", "user-0000001", "", hour())
	insert(t, s, a)
	insert(t, s, b)
	insert(t, s, c)
	rotate(t, s, b)

	revoked, err := s.RevokeBySession(ctx, "sess00000001")
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)
	assert.Equal(t, store.StatusRevoked, status(t, s, a.UUID))
	assert.Equal(t, store.StatusConsumed, status(t, s, b.UUID))
	assert.Equal(t, store.StatusActive, status(t, s, c.UUID))

	revoked, err = s.RevokeBySession(ctx, "sess-unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, revoked)
}

func testFindFamilyChain(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	ctx := context.Background()

	root := NewRecord(t, "sess00000001", "user-0000001", "", hour())
	insert(t, s, root)
	mid := rotate(t, s, root)
	leaf := rotate(t, s, mid)

	for _, from := range []string{root.UUID, mid.UUID, leaf.UUID} {
		chain, err := s.FindFamilyChain(ctx, from)
		require.NoError(t, err)
		require.Len(t, chain, 3)
		assert.Equal(t, root.UUID, chain[0].UUID)
		assert.Equal(t, mid.UUID, chain[1].UUID)
		assert.Equal(t, leaf.UUID, chain[2].UUID)
		assert.Equal(t, root.UUID, chain[1].ParentUUID)
		assert.Equal(t, leaf.UUID, chain[1].ReplacedByUUID)
	}

	_, err := s.FindFamilyChain(ctx, "missing00000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testExpireStale(t *testing.T, newBackend Factory) {
	s, _ := newBackend(t)
	ctx := context.Background()
	now := time.Now()

	stale := make([]*store.Record, 0, 3)
	for i := 0; i < 3; i++ {
		rec := NewRecord(t, "sess00000001", "user-0000001", "", now.Add(-time.Duration(i+1)*time.Minute))
		insert(t, s, rec)
		stale = append(stale, rec)
	}
	fresh := NewRecord(t, "sess00000001", "user-0000001", "", now.Add(time.Hour))
	insert(t, s, fresh)

	consumedStale := NewRecord(t, "sess00000002", "user-0000001", "", now.Add(-time.Minute))
	insert(t, s, consumedStale)
	rotate(t, s, consumedStale)

	n, err := s.ExpireStale(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.ExpireStale(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ExpireStale(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, rec := range stale {
		assert.Equal(t, store.StatusRevoked, status(t, s, rec.UUID))
	}
	assert.Equal(t, store.StatusActive, status(t, s, fresh.UUID))
	assert.Equal(t, store.StatusConsumed, status(t, s, consumedStale.UUID))
}

func testVersions(t *testing.T, newBackend Factory) {
	_, v := newBackend(t)
	ctx := context.Background()

	cur, err := v.Current(ctx, "sess00000001")
	require.NoError(t, err)
	assert.Equal(t, store.InitialSessionVersion, cur)

	next, err := v.Bump(ctx, "sess00000001")
	require.NoError(t, err)
	assert.Equal(t, cur+1, next)

	next, err = v.Bump(ctx, "sess00000001")
	require.NoError(t, err)
	assert.Equal(t, cur+2, next)

	got, err := v.Current(ctx, "sess00000001")
	require.NoError(t, err)
	assert.Equal(t, next, got)

	other, err := v.Current(ctx, "sess00000002")
	require.NoError(t, err)
	assert.Equal(t, store.InitialSessionVersion, other, "sessions are independent")
}

func testVersionsConcurrent(t *testing.T, newBackend Factory) {
	_, v := newBackend(t)
	ctx := context.Background()

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]struct{}, n)
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			got, err := v.Bump(ctx, "sess00000001")
			if err != nil {
				t.Errorf("bump: %v", err)
				return
			}
			mu.Lock()
			seen[got] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n, "every bump observes a distinct version")
	cur, err := v.Current(ctx, "sess00000001")
	require.NoError(t, err)
	assert.Equal(t, store.InitialSessionVersion+n, cur)
}
