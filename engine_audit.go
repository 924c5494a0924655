package goRefresh

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

const (
	auditEventIssue             = "refresh_issue"
	auditEventRotateSuccess     = "refresh_rotate_success"
	auditEventRotateInvalid     = "refresh_rotate_invalid"
	auditEventRotateExpired     = "refresh_rotate_expired"
	auditEventRotateRateLimited = "refresh_rotate_rate_limited"
	auditEventRotateFailure     = "refresh_rotate_failure"
	auditEventReplayDetected    = "refresh_replay_detected"
	auditEventTokenRevoked      = "refresh_token_revoked"
	auditEventSessionRevoked    = "refresh_session_revoked"
	auditEventExpirySweep       = "refresh_expiry_sweep"
	auditEventAccessStale       = "access_token_stale"
)

// AuditErrorCode is the stable error classification written to AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrNotFound         AuditErrorCode = "token_not_found"
	auditErrExpired          AuditErrorCode = "token_expired"
	auditErrReplay           AuditErrorCode = "replay_detected"
	auditErrRateLimited      AuditErrorCode = "rate_limited"
	auditErrHashCollision    AuditErrorCode = "hash_collision"
	auditErrUnavailable      AuditErrorCode = "backend_unavailable"
	auditErrGeneration       AuditErrorCode = "generation_failed"
	auditErrAccessStale      AuditErrorCode = "access_token_stale"
	auditErrAccessInvalid    AuditErrorCode = "access_token_invalid"
	auditErrAccessIssue      AuditErrorCode = "access_token_issue"
	auditErrInvalidArguments AuditErrorCode = "invalid_arguments"
	auditErrInternal         AuditErrorCode = "internal_error"
)

type auditFields struct {
	userID         string
	sessionID      string
	tokenUUID      string
	sessionVersion int64
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	f auditFields,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		ID:             uuid.NewString(),
		Timestamp:      e.now().UTC(),
		EventType:      eventType,
		UserID:         f.userID,
		SessionID:      f.sessionID,
		TokenUUID:      f.tokenUUID,
		SessionVersion: f.sessionVersion,
		IP:             clientIPFromContext(ctx),
		UserAgent:      userAgentFromContext(ctx),
		Success:        success,
		Metadata:       metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrReplayDetected):
		return auditErrReplay
	case errors.Is(err, ErrTokenExpired):
		return auditErrExpired
	case errors.Is(err, ErrTokenNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrRefreshRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrHashCollision):
		return auditErrHashCollision
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrTokenGeneration):
		return auditErrGeneration
	case errors.Is(err, ErrAccessTokenStale):
		return auditErrAccessStale
	case errors.Is(err, ErrAccessTokenInvalid):
		return auditErrAccessInvalid
	case errors.Is(err, ErrAccessTokenIssue):
		return auditErrAccessIssue
	case errors.Is(err, ErrInvalidSessionID),
		errors.Is(err, ErrInvalidUserID):
		return auditErrInvalidArguments
	default:
		return auditErrInternal
	}
}
