package goRefresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goRefresh/internal/flows"
	"github.com/MrEthical07/goRefresh/internal/rate"
	"github.com/MrEthical07/goRefresh/jwt"
	"github.com/MrEthical07/goRefresh/refresh"
	"github.com/MrEthical07/goRefresh/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Engine rotates refresh tokens and burns token families on replay. Methods
// are safe for concurrent use; the store compare-and-set is the only
// serialization point.
type Engine struct {
	config     Config
	tokens     store.TokenStore
	versions   store.VersionCounter
	limiter    *rate.Limiter
	redis      redis.UniversalClient
	hasher     refresh.Hasher
	jwtManager *jwt.Manager
	audit      *auditDispatcher
	metrics    *Metrics
	logger     *zap.Logger
	clock      func() time.Time
	deps       flows.Deps
}

// Close flushes buffered audit events.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	_ = e.logger.Sync()
}

// AuditDropped returns how many audit events were dropped under back-pressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:      map[MetricID]uint64{},
			Histograms:    map[MetricID][]uint64{},
			HistogramSums: map[MetricID]time.Duration{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) metricAdd(id MetricID, n int) {
	if e == nil || e.metrics == nil || n <= 0 {
		return
	}
	e.metrics.Add(id, uint64(n))
}

func (e *Engine) now() time.Time {
	if e == nil || e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func (e *Engine) ready() bool {
	return e != nil && e.tokens != nil && e.versions != nil
}

// Issue starts a new token family for sessionID. It is the login half of the
// lifecycle.
func (e *Engine) Issue(ctx context.Context, sessionID, userID string) (*IssueResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if !store.ValidID(sessionID) {
		return nil, ErrInvalidSessionID
	}
	if !store.ValidID(userID) {
		return nil, ErrInvalidUserID
	}

	res := flows.RunIssue(ctx, sessionID, userID, e.deps.Issue)
	fields := auditFields{userID: userID, sessionID: sessionID, sessionVersion: res.SessionVersion}
	if res.Record != nil {
		fields.tokenUUID = res.Record.UUID
	}

	var err error
	switch res.Failure {
	case flows.IssueFailureNone:
		e.metricInc(MetricIssueSuccess)
		e.emitAudit(ctx, auditEventIssue, true, fields, nil, nil)
		e.logger.Debug("refresh family issued",
			zap.String("session_id", sessionID),
			zap.String("token_uuid", res.Record.UUID),
		)
		return issueResult(res), nil
	case flows.IssueFailureMint:
		err = fmt.Errorf("%w: %v", ErrTokenGeneration, res.Err)
	case flows.IssueFailureDuplicateHash:
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, ErrHashCollision)
	case flows.IssueFailureIssueAccess:
		err = fmt.Errorf("%w: %v", ErrAccessTokenIssue, res.Err)
	default:
		err = e.storeError(res.Err)
	}

	e.metricInc(MetricIssueFailure)
	e.emitAudit(ctx, auditEventIssue, false, fields, err, nil)
	e.logger.Error("refresh family issue failed",
		zap.String("session_id", sessionID),
		zap.Error(res.Err),
	)
	if res.Failure == flows.IssueFailureIssueAccess {
		return issueResult(res), err
	}
	return nil, err
}

func issueResult(res flows.IssueResult) *IssueResult {
	return &IssueResult{
		RefreshToken:   res.RefreshToken,
		AccessToken:    res.AccessToken,
		Token:          tokenInfo(res.Record),
		SessionVersion: res.SessionVersion,
	}
}

// Rotate exchanges a presented refresh token for its successor.
//
// Not-found, expired, and replay failures all satisfy
// errors.Is(err, ErrRefreshInvalid). A replay has already revoked the family
// and bumped the session version when Rotate returns. On ErrAccessTokenIssue
// the rotation is committed and the returned result carries the new refresh
// token.
func (e *Engine) Rotate(ctx context.Context, refreshToken, sessionID string) (*RotateResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.Observe(MetricRotateLatency, time.Since(start))
		}
	}()

	res := flows.RunRotate(ctx, refreshToken, sessionID, e.deps.Rotate)
	fields := auditFields{sessionID: sessionID, sessionVersion: res.SessionVersion}
	if res.Current != nil {
		fields.userID = res.Current.UserID
		fields.tokenUUID = res.Current.UUID
	}

	switch res.Failure {
	case flows.RotateFailureNone:
		e.metricInc(MetricRotateSuccess)
		e.emitAudit(ctx, auditEventRotateSuccess, true, fields, nil, func() map[string]string {
			return map[string]string{"next_uuid": res.Next.UUID}
		})
		e.logger.Debug("refresh token rotated",
			zap.String("session_id", sessionID),
			zap.String("token_uuid", res.Current.UUID),
			zap.String("next_uuid", res.Next.UUID),
		)
		return rotateResult(res), nil

	case flows.RotateFailureDecode, flows.RotateFailureNotFound, flows.RotateFailureSessionMismatch:
		e.metricInc(MetricRotateNotFound)
		e.emitAudit(ctx, auditEventRotateInvalid, false, fields, ErrTokenNotFound, func() map[string]string {
			return map[string]string{"reason": rotateReason(res.Failure)}
		})
		if res.Failure == flows.RotateFailureSessionMismatch {
			e.logger.Warn("refresh token presented for another session",
				zap.String("session_id", sessionID),
				zap.String("token_uuid", res.Current.UUID),
			)
		}
		return nil, ErrTokenNotFound

	case flows.RotateFailureRateLimited:
		if !errors.Is(res.Err, rate.ErrRateLimited) {
			err := e.storeError(res.Err)
			e.metricInc(MetricRotateFailure)
			e.emitAudit(ctx, auditEventRotateFailure, false, fields, err, nil)
			e.logger.Error("refresh throttle unavailable", zap.String("session_id", sessionID), zap.Error(res.Err))
			return nil, err
		}
		e.metricInc(MetricRotateRateLimited)
		e.emitAudit(ctx, auditEventRotateRateLimited, false, fields, ErrRefreshRateLimited, nil)
		return nil, ErrRefreshRateLimited

	case flows.RotateFailureExpired:
		e.metricInc(MetricRotateExpired)
		e.emitAudit(ctx, auditEventRotateExpired, false, fields, ErrTokenExpired, nil)
		return nil, ErrTokenExpired

	case flows.RotateFailureReplay, flows.RotateFailureRaceLost:
		e.recordBurn(ctx, res, fields, nil)
		return nil, ErrReplayDetected

	case flows.RotateFailureBurn:
		err := errors.Join(ErrReplayDetected, e.storeError(res.Err))
		e.recordBurn(ctx, res, fields, res.Err)
		return nil, err

	case flows.RotateFailureMint:
		err := fmt.Errorf("%w: %v", ErrTokenGeneration, res.Err)
		e.rotateFailed(ctx, fields, err, res.Err)
		return nil, err

	case flows.RotateFailureDuplicateHash:
		err := fmt.Errorf("%w: %w", ErrStoreUnavailable, ErrHashCollision)
		e.rotateFailed(ctx, fields, err, res.Err)
		return nil, err

	case flows.RotateFailureIssueAccess:
		err := fmt.Errorf("%w: %v", ErrAccessTokenIssue, res.Err)
		e.metricInc(MetricRotateSuccess)
		e.emitAudit(ctx, auditEventRotateSuccess, true, fields, err, nil)
		e.logger.Error("access token issue failed after rotation",
			zap.String("session_id", sessionID),
			zap.String("next_uuid", res.Next.UUID),
			zap.Error(res.Err),
		)
		return rotateResult(res), err

	default:
		err := e.storeError(res.Err)
		e.rotateFailed(ctx, fields, err, res.Err)
		return nil, err
	}
}

func rotateResult(res flows.RotateResult) *RotateResult {
	return &RotateResult{
		RefreshToken:   res.RefreshToken,
		AccessToken:    res.AccessToken,
		Token:          tokenInfo(res.Next),
		Previous:       tokenInfo(res.Current),
		SessionVersion: res.SessionVersion,
	}
}

func rotateReason(kind flows.RotateFailureKind) string {
	switch kind {
	case flows.RotateFailureDecode:
		return "decode_failed"
	case flows.RotateFailureSessionMismatch:
		return "session_mismatch"
	case flows.RotateFailureRaceLost:
		return "race_lost"
	case flows.RotateFailureReplay:
		return "token_not_active"
	default:
		return "token_not_found"
	}
}

func (e *Engine) recordBurn(ctx context.Context, res flows.RotateResult, fields auditFields, burnErr error) {
	if res.Failure == flows.RotateFailureRaceLost {
		e.metricInc(MetricRotateRaceLost)
	}
	e.metricInc(MetricReplayDetected)
	e.metricInc(MetricFamilyBurned)
	e.metricAdd(MetricTokensRevoked, res.Revoked)
	if res.SessionVersion > 0 {
		e.metricInc(MetricSessionVersionBumped)
	}

	reason := rotateReason(res.Failure)
	status := ""
	if res.Current != nil {
		status = string(res.Current.Status)
	}
	e.emitAudit(ctx, auditEventReplayDetected, false, fields, ErrReplayDetected, func() map[string]string {
		return map[string]string{
			"reason":       reason,
			"token_status": status,
			"revoked":      fmt.Sprint(res.Revoked),
		}
	})

	logFields := []zap.Field{
		zap.String("session_id", fields.sessionID),
		zap.String("token_uuid", fields.tokenUUID),
		zap.String("reason", reason),
		zap.Int("family_size", res.Revoked),
		zap.Int64("session_version", res.SessionVersion),
	}
	if burnErr != nil {
		e.logger.Error("refresh token replay detected; family burn incomplete", append(logFields, zap.Error(burnErr))...)
		return
	}
	e.logger.Warn("refresh token replay detected", logFields...)
}

func (e *Engine) rotateFailed(ctx context.Context, fields auditFields, err, cause error) {
	e.metricInc(MetricRotateFailure)
	e.emitAudit(ctx, auditEventRotateFailure, false, fields, err, nil)
	e.logger.Error("refresh rotation failed",
		zap.String("session_id", fields.sessionID),
		zap.String("token_uuid", fields.tokenUUID),
		zap.Error(cause),
	)
}

func (e *Engine) storeError(err error) error {
	if err == nil {
		return ErrStoreUnavailable
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return unavailable(err)
}

// RevokeToken burns the family of a presented token in any status and bumps
// its session version. It returns how many tokens went from active to revoked.
func (e *Engine) RevokeToken(ctx context.Context, refreshToken string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}

	res := flows.RunRevokeToken(ctx, refreshToken, e.deps.Revoke)
	if res.Record == nil {
		if res.Err == nil || errors.Is(res.Err, refresh.ErrMalformedToken) || errors.Is(res.Err, store.ErrNotFound) {
			return 0, ErrTokenNotFound
		}
		return 0, e.storeError(res.Err)
	}

	fields := auditFields{
		userID:         res.Record.UserID,
		sessionID:      res.Record.SessionID,
		tokenUUID:      res.Record.UUID,
		sessionVersion: res.SessionVersion,
	}
	e.metricInc(MetricFamilyBurned)
	e.metricAdd(MetricTokensRevoked, res.Revoked)
	if res.SessionVersion > 0 {
		e.metricInc(MetricSessionVersionBumped)
	}

	var err error
	if res.Err != nil {
		err = e.storeError(res.Err)
	}
	e.emitAudit(ctx, auditEventTokenRevoked, err == nil, fields, err, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(res.Revoked)}
	})
	e.logger.Info("refresh family revoked",
		zap.String("session_id", fields.sessionID),
		zap.String("token_uuid", fields.tokenUUID),
		zap.Int("family_size", res.Revoked),
		zap.Int64("session_version", res.SessionVersion),
	)
	return res.Revoked, err
}

// RevokeSession revokes every active token of sessionID and bumps its version.
func (e *Engine) RevokeSession(ctx context.Context, sessionID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	if !store.ValidID(sessionID) {
		return 0, ErrInvalidSessionID
	}

	res := flows.RunRevokeSession(ctx, sessionID, e.deps.Revoke)
	var err error
	if res.Err != nil {
		err = e.storeError(res.Err)
	}

	e.metricInc(MetricSessionRevoked)
	e.metricAdd(MetricTokensRevoked, res.Revoked)
	if res.SessionVersion > 0 {
		e.metricInc(MetricSessionVersionBumped)
	}
	e.emitAudit(ctx, auditEventSessionRevoked, err == nil, auditFields{sessionID: sessionID, sessionVersion: res.SessionVersion}, err, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(res.Revoked)}
	})
	e.logger.Info("refresh session revoked",
		zap.String("session_id", sessionID),
		zap.Int("family_size", res.Revoked),
		zap.Int64("session_version", res.SessionVersion),
	)
	return res.Revoked, err
}

// Introspect returns the active token behind refreshToken without changing
// any state. Consumed and revoked tokens report ErrTokenNotFound and never
// trigger a burn.
func (e *Engine) Introspect(ctx context.Context, refreshToken string) (*TokenInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	res := flows.RunIntrospect(ctx, refreshToken, e.deps.Introspect)
	switch res.Failure {
	case flows.IntrospectFailureNone:
		info := tokenInfo(res.Record)
		return &info, nil
	case flows.IntrospectFailureDecode, flows.IntrospectFailureNotFound:
		return nil, ErrTokenNotFound
	case flows.IntrospectFailureExpired:
		return nil, ErrTokenExpired
	default:
		return nil, e.storeError(res.Err)
	}
}

// FamilyChain returns the family containing tokenUUID from root to leaf.
func (e *Engine) FamilyChain(ctx context.Context, tokenUUID string) ([]TokenInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	chain, err := e.tokens.FindFamilyChain(ctx, tokenUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, e.storeError(err)
	}
	out := make([]TokenInfo, 0, len(chain))
	for i := range chain {
		out = append(out, tokenInfo(&chain[i]))
	}
	return out, nil
}

// SessionVersion returns the current version of sessionID. Unknown sessions
// report 1.
func (e *Engine) SessionVersion(ctx context.Context, sessionID string) (int64, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	if !store.ValidID(sessionID) {
		return 0, ErrInvalidSessionID
	}
	v, err := e.versions.Current(ctx, sessionID)
	if err != nil {
		return 0, e.storeError(err)
	}
	return v, nil
}

// ExpireStale revokes active tokens past their expiry in Sweep.BatchSize
// batches. The count is valid even when an error is returned.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	start := time.Now()
	n, err := flows.RunExpireStale(ctx, e.deps.Sweep)
	if e.metrics != nil {
		e.metrics.Observe(MetricSweepLatency, time.Since(start))
	}
	e.metricAdd(MetricTokensExpired, n)
	e.metricAdd(MetricTokensRevoked, n)

	if err != nil {
		e.metricInc(MetricSweepFailure)
		if ctx.Err() == nil {
			err = e.storeError(err)
		}
	} else {
		e.metricInc(MetricSweepRun)
	}
	if n > 0 || err != nil {
		e.emitAudit(ctx, auditEventExpirySweep, err == nil, auditFields{}, err, func() map[string]string {
			return map[string]string{"expired": fmt.Sprint(n)}
		})
	}
	return n, err
}

// ValidateAccess verifies an access token and, with
// Security.EnforceSessionVersion, rejects tokens minted before the latest
// version bump of their session.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*jwt.AccessClaims, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if e.jwtManager == nil {
		return nil, ErrAccessTokensDisabled
	}

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		e.metricInc(MetricAccessInvalid)
		return nil, fmt.Errorf("%w: %v", ErrAccessTokenInvalid, err)
	}
	if !e.config.Security.EnforceSessionVersion {
		e.metricInc(MetricAccessValid)
		return claims, nil
	}

	current, err := e.versions.Current(ctx, claims.SID)
	if err != nil {
		return nil, e.storeError(err)
	}
	if claims.SessionVersion < current {
		e.metricInc(MetricAccessStale)
		e.emitAudit(ctx, auditEventAccessStale, false, auditFields{
			userID:         claims.UID,
			sessionID:      claims.SID,
			tokenUUID:      claims.ID,
			sessionVersion: current,
		}, ErrAccessTokenStale, func() map[string]string {
			return map[string]string{"token_version": fmt.Sprint(claims.SessionVersion)}
		})
		return nil, ErrAccessTokenStale
	}
	e.metricInc(MetricAccessValid)
	return claims, nil
}

// Health pings the token store and, when configured, the Redis client.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	if !e.ready() {
		return HealthStatus{}
	}
	res := flows.RunHealth(ctx, e.tokens)
	status := HealthStatus{
		StoreAvailable: res.Available,
		StoreLatency:   res.Latency,
		AuditDropped:   e.AuditDropped(),
	}
	if e.redis != nil {
		start := time.Now()
		err := e.redis.Ping(ctx).Err()
		status.RedisAvailable = err == nil
		status.RedisLatency = time.Since(start)
	}
	return status
}
