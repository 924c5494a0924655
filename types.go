package goRefresh

import (
	"time"

	"github.com/MrEthical07/goRefresh/store"
)

// TokenStatus is the lifecycle state reported in [TokenInfo].
type TokenStatus = store.Status

const (
	TokenActive   = store.StatusActive
	TokenConsumed = store.StatusConsumed
	TokenRevoked  = store.StatusRevoked
)

// TokenInfo is the public projection of a stored refresh token. The storage
// id and the token hash are never exposed.
type TokenInfo struct {
	UUID           string
	SessionID      string
	UserID         string
	Status         TokenStatus
	ParentUUID     string
	ReplacedByUUID string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	ConsumedAt     *time.Time
}

func tokenInfo(rec *store.Record) TokenInfo {
	if rec == nil {
		return TokenInfo{}
	}
	info := TokenInfo{
		UUID:           rec.UUID,
		SessionID:      rec.SessionID,
		UserID:         rec.UserID,
		Status:         rec.Status,
		ParentUUID:     rec.ParentUUID,
		ReplacedByUUID: rec.ReplacedByUUID,
		IssuedAt:       rec.IssuedAt,
		ExpiresAt:      rec.ExpiresAt,
	}
	if rec.ConsumedAt != nil {
		at := *rec.ConsumedAt
		info.ConsumedAt = &at
	}
	return info
}

// IssueResult is returned by [Engine.Issue].
type IssueResult struct {
	RefreshToken   string
	AccessToken    string
	Token          TokenInfo
	SessionVersion int64
}

// RotateResult is returned by [Engine.Rotate]. RefreshToken is the only copy
// of the new raw secret.
type RotateResult struct {
	RefreshToken   string
	AccessToken    string
	Token          TokenInfo
	Previous       TokenInfo
	SessionVersion int64
}

// HealthStatus is returned by [Engine.Health].
type HealthStatus struct {
	StoreAvailable bool
	StoreLatency   time.Duration
	RedisAvailable bool
	RedisLatency   time.Duration
	AuditDropped   uint64
}
