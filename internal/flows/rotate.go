package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goRefresh/store"
)

// RotateFailureKind classifies rotation failures for root-level mapping.
type RotateFailureKind int

const (
	RotateFailureNone RotateFailureKind = iota
	RotateFailureDecode
	RotateFailureRateLimited
	RotateFailureNotFound
	RotateFailureSessionMismatch
	RotateFailureExpired
	RotateFailureReplay
	RotateFailureRaceLost
	RotateFailureBurn
	RotateFailureMint
	RotateFailureDuplicateHash
	RotateFailureStore
	RotateFailureIssueAccess
)

// RotateResult carries either the successor token or failure metadata.
// Current is set whenever the presented token matched a record.
type RotateResult struct {
	Failure        RotateFailureKind
	Err            error
	Current        *store.Record
	Next           *store.Record
	RefreshToken   string
	AccessToken    string
	SessionVersion int64
	Revoked        int
}

// RefreshRateLimiter throttles rotation. CheckRefresh is charged to the
// session owning an active matching token. CheckMiss is charged to the
// presented session when nothing usable matched, so guessed tokens never
// spend the owner's budget.
type RefreshRateLimiter interface {
	CheckRefresh(ctx context.Context, sessionID string) error
	CheckMiss(ctx context.Context, sessionID string) error
}

// RotateDeps captures rotation dependencies.
type RotateDeps struct {
	Store            store.TokenStore
	Versions         store.VersionCounter
	Minter           Minter
	RateLimiter      RefreshRateLimiter
	Now              func() time.Time
	IssueAccessToken func(rec *store.Record, sessionVersion int64) (string, error)
}

// RunRotate exchanges a presented refresh token for its successor. A token
// that is no longer active burns its whole family and bumps the session
// version, whether it was replayed outright or lost a concurrent rotation.
// Replays are never throttled.
func RunRotate(ctx context.Context, rawToken, sessionID string, deps RotateDeps) RotateResult {
	hash, err := hashToken(deps.Minter.Hasher, rawToken)
	if err != nil {
		return RotateResult{Failure: RotateFailureDecode, Err: err}
	}

	cur, err := deps.Store.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if limited := checkMiss(ctx, deps, sessionID); limited != nil {
				return *limited
			}
			return RotateResult{Failure: RotateFailureNotFound, Err: err}
		}
		return RotateResult{Failure: RotateFailureStore, Err: err}
	}

	if cur.Status != store.StatusActive {
		return burn(ctx, cur, RotateFailureReplay, deps)
	}
	if cur.SessionID != sessionID {
		if limited := checkMiss(ctx, deps, sessionID); limited != nil {
			return *limited
		}
		return RotateResult{Failure: RotateFailureSessionMismatch, Err: store.ErrNotFound, Current: cur}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckRefresh(ctx, cur.SessionID); err != nil {
			return RotateResult{Failure: RotateFailureRateLimited, Err: err, Current: cur}
		}
	}

	now := deps.Now()
	if cur.Expired(now) {
		return RotateResult{Failure: RotateFailureExpired, Current: cur}
	}

	version, err := deps.Versions.Current(ctx, cur.SessionID)
	if err != nil {
		return RotateResult{Failure: RotateFailureStore, Err: err, Current: cur}
	}

	token, next, err := deps.Minter.Mint(cur.SessionID, cur.UserID, cur.UUID, now)
	if err != nil {
		return RotateResult{Failure: RotateFailureMint, Err: err, Current: cur}
	}

	if err := consumeInto(ctx, deps, cur, next, now); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyConsumed):
			return burn(ctx, cur, RotateFailureRaceLost, deps)
		case errors.Is(err, store.ErrDuplicateHash):
			return RotateResult{Failure: RotateFailureDuplicateHash, Err: err, Current: cur}
		default:
			return RotateResult{Failure: RotateFailureStore, Err: err, Current: cur}
		}
	}

	res := RotateResult{
		Current:        cur,
		Next:           next,
		RefreshToken:   token,
		SessionVersion: version,
	}
	if deps.IssueAccessToken != nil {
		access, err := deps.IssueAccessToken(next, version)
		if err != nil {
			res.Failure = RotateFailureIssueAccess
			res.Err = err
			return res
		}
		res.AccessToken = access
	}
	return res
}

// consumeInto consumes cur in favor of next. Stores without an atomic
// successor insert get Insert then MarkConsumed; a successor orphaned by a
// lost race stays reachable through its parent link and is burned with the
// family.
func consumeInto(ctx context.Context, deps RotateDeps, cur, next *store.Record, now time.Time) error {
	if succ, ok := deps.Store.(store.Successor); ok {
		for attempt := 1; ; attempt++ {
			err := succ.ConsumeAndInsert(ctx, cur.UUID, next, now)
			if !errors.Is(err, store.ErrDuplicateUUID) || attempt == maxUUIDAttempts {
				return err
			}
			if err := deps.Minter.reuuid(next); err != nil {
				return err
			}
		}
	}

	if err := insertFresh(ctx, deps.Store, deps.Minter, next); err != nil {
		return err
	}
	return deps.Store.MarkConsumed(ctx, cur.UUID, next.UUID, now)
}

func checkMiss(ctx context.Context, deps RotateDeps, sessionID string) *RotateResult {
	if deps.RateLimiter == nil {
		return nil
	}
	if err := deps.RateLimiter.CheckMiss(ctx, sessionID); err != nil {
		return &RotateResult{Failure: RotateFailureRateLimited, Err: err}
	}
	return nil
}

func burn(ctx context.Context, cur *store.Record, kind RotateFailureKind, deps RotateDeps) RotateResult {
	revoked, version, err := burnFamily(ctx, deps.Store, deps.Versions, cur)
	res := RotateResult{
		Failure:        kind,
		Current:        cur,
		Revoked:        revoked,
		SessionVersion: version,
	}
	if err != nil {
		res.Failure = RotateFailureBurn
		res.Err = err
	}
	return res
}

// burnFamily revokes the family of rec and bumps its session version. The
// bump runs even when the revoke fails so outstanding access tokens still go
// stale.
func burnFamily(ctx context.Context, s store.TokenStore, v store.VersionCounter, rec *store.Record) (int, int64, error) {
	revoked, revokeErr := s.RevokeFamily(ctx, rec.UUID)
	version, bumpErr := v.Bump(ctx, rec.SessionID)
	return revoked, version, errors.Join(revokeErr, bumpErr)
}
