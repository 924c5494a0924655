package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goRefresh/store"
)

// IssueDeps captures first-token issuance dependencies.
type IssueDeps struct {
	Store            store.TokenStore
	Versions         store.VersionCounter
	Minter           Minter
	Now              func() time.Time
	IssueAccessToken func(rec *store.Record, sessionVersion int64) (string, error)
}

// IssueFailureKind classifies issuance failures for root-level mapping.
type IssueFailureKind int

const (
	IssueFailureNone IssueFailureKind = iota
	IssueFailureMint
	IssueFailureDuplicateHash
	IssueFailureStore
	IssueFailureIssueAccess
)

// IssueResult carries the root token of a new family. With
// IssueFailureIssueAccess the refresh token is already stored and returned.
type IssueResult struct {
	Failure        IssueFailureKind
	Record         *store.Record
	RefreshToken   string
	AccessToken    string
	SessionVersion int64
	Err            error
}

// RunIssue starts a new family for a session.
func RunIssue(ctx context.Context, sessionID, userID string, deps IssueDeps) IssueResult {
	token, rec, err := deps.Minter.Mint(sessionID, userID, "", deps.Now())
	if err != nil {
		return IssueResult{Failure: IssueFailureMint, Err: err}
	}
	if err := insertFresh(ctx, deps.Store, deps.Minter, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateHash) {
			return IssueResult{Failure: IssueFailureDuplicateHash, Err: err}
		}
		return IssueResult{Failure: IssueFailureStore, Err: err}
	}

	version, err := deps.Versions.Current(ctx, sessionID)
	if err != nil {
		return IssueResult{Failure: IssueFailureStore, Record: rec, Err: err}
	}
	res := IssueResult{Record: rec, RefreshToken: token, SessionVersion: version}
	if deps.IssueAccessToken != nil {
		access, err := deps.IssueAccessToken(rec, version)
		if err != nil {
			res.Failure = IssueFailureIssueAccess
			res.Err = err
			return res
		}
		res.AccessToken = access
	}
	return res
}

// RevokeDeps captures explicit revocation dependencies.
type RevokeDeps struct {
	Store    store.TokenStore
	Versions store.VersionCounter
	Minter   Minter
}

// RevokeResult reports what an explicit revocation touched.
type RevokeResult struct {
	Record         *store.Record
	Revoked        int
	SessionVersion int64
	Err            error
}

// RunRevokeToken burns the family of a presented token in any status.
func RunRevokeToken(ctx context.Context, rawToken string, deps RevokeDeps) RevokeResult {
	hash, err := hashToken(deps.Minter.Hasher, rawToken)
	if err != nil {
		return RevokeResult{Err: err}
	}
	rec, err := deps.Store.FindByHash(ctx, hash)
	if err != nil {
		return RevokeResult{Err: err}
	}
	revoked, version, err := burnFamily(ctx, deps.Store, deps.Versions, rec)
	return RevokeResult{Record: rec, Revoked: revoked, SessionVersion: version, Err: err}
}

// RunRevokeSession revokes every active token of a session and bumps its
// version.
func RunRevokeSession(ctx context.Context, sessionID string, deps RevokeDeps) RevokeResult {
	revoked, revokeErr := deps.Store.RevokeBySession(ctx, sessionID)
	version, bumpErr := deps.Versions.Bump(ctx, sessionID)
	return RevokeResult{Revoked: revoked, SessionVersion: version, Err: errors.Join(revokeErr, bumpErr)}
}

// IntrospectDeps captures read-only lookup dependencies.
type IntrospectDeps struct {
	Store  store.TokenStore
	Minter Minter
	Now    func() time.Time
}

// IntrospectFailureKind classifies read-only lookup failures.
type IntrospectFailureKind int

const (
	IntrospectFailureNone IntrospectFailureKind = iota
	IntrospectFailureDecode
	IntrospectFailureNotFound
	IntrospectFailureExpired
	IntrospectFailureStore
)

// IntrospectResult carries the active record behind a presented token.
type IntrospectResult struct {
	Failure IntrospectFailureKind
	Record  *store.Record
	Err     error
}

// RunIntrospect resolves a presented token without changing state. Consumed
// and revoked tokens are reported as not found and never trigger a burn.
func RunIntrospect(ctx context.Context, rawToken string, deps IntrospectDeps) IntrospectResult {
	hash, err := hashToken(deps.Minter.Hasher, rawToken)
	if err != nil {
		return IntrospectResult{Failure: IntrospectFailureDecode, Err: err}
	}
	rec, err := deps.Store.FindActiveByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return IntrospectResult{Failure: IntrospectFailureNotFound, Err: err}
		}
		return IntrospectResult{Failure: IntrospectFailureStore, Err: err}
	}
	if rec.Expired(deps.Now()) {
		return IntrospectResult{Failure: IntrospectFailureExpired, Record: rec}
	}
	return IntrospectResult{Record: rec}
}

// SweepDeps captures expiry sweep dependencies.
type SweepDeps struct {
	Store      store.TokenStore
	Now        func() time.Time
	BatchSize  int
	MaxBatches int
}

// RunExpireStale revokes expired active tokens in batches until a short batch
// or MaxBatches. The count is valid even when Err is set.
func RunExpireStale(ctx context.Context, deps SweepDeps) (int, error) {
	if deps.BatchSize <= 0 {
		return 0, nil
	}
	total := 0
	for batch := 0; deps.MaxBatches <= 0 || batch < deps.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := deps.Store.ExpireStale(ctx, deps.Now(), deps.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < deps.BatchSize {
			break
		}
	}
	return total, nil
}

// Pinger is implemented by stores that can report round-trip latency.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// HealthResult is a point-in-time store availability check.
type HealthResult struct {
	Available bool
	Latency   time.Duration
	Err       error
}

// RunHealth pings the store when it supports it; other stores report
// available.
func RunHealth(ctx context.Context, s store.TokenStore) HealthResult {
	p, ok := s.(Pinger)
	if !ok {
		return HealthResult{Available: true}
	}
	latency, err := p.Ping(ctx)
	return HealthResult{Available: err == nil, Latency: latency, Err: err}
}
