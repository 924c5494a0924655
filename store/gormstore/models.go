package gormstore

import (
	"time"

	"github.com/MrEthical07/goRefresh/store"
)

// TokenRow is the auth_refresh_tokens row.
type TokenRow struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement"`
	UUID           string     `gorm:"column:uuid;size:12;not null;uniqueIndex"`
	SessionUUID    string     `gorm:"size:64;not null;index"`
	UserUUID       string     `gorm:"size:64;not null;index"`
	TokenHash      string     `gorm:"size:64;not null;uniqueIndex"`
	Status         string     `gorm:"size:20;not null;default:active;index"`
	ParentUUID     *string    `gorm:"size:12;index"`
	ReplacedByUUID *string    `gorm:"size:12"`
	IssuedAt       time.Time  `gorm:"not null"`
	ExpiresAt      time.Time  `gorm:"not null;index"`
	ConsumedAt     *time.Time
	CreatedAt      time.Time
}

func (TokenRow) TableName() string { return "auth_refresh_tokens" }

// SessionRow carries the per-session version. Other session columns belong to
// the host application.
type SessionRow struct {
	UUID           string `gorm:"column:uuid;primaryKey;size:64"`
	SessionVersion int64  `gorm:"not null;default:1"`
}

func (SessionRow) TableName() string { return "auth_sessions" }

func toRow(rec *store.Record) *TokenRow {
	row := &TokenRow{
		UUID:        rec.UUID,
		SessionUUID: rec.SessionID,
		UserUUID:    rec.UserID,
		TokenHash:   rec.TokenHash,
		Status:      string(store.StatusActive),
		IssuedAt:    rec.IssuedAt.UTC(),
		ExpiresAt:   rec.ExpiresAt.UTC(),
	}
	if rec.ParentUUID != "" {
		parent := rec.ParentUUID
		row.ParentUUID = &parent
	}
	return row
}

func (r *TokenRow) record() *store.Record {
	rec := &store.Record{
		ID:        r.ID,
		UUID:      r.UUID,
		SessionID: r.SessionUUID,
		UserID:    r.UserUUID,
		TokenHash: r.TokenHash,
		Status:    store.Status(r.Status),
		IssuedAt:  r.IssuedAt.UTC(),
		ExpiresAt: r.ExpiresAt.UTC(),
	}
	if r.ParentUUID != nil {
		rec.ParentUUID = *r.ParentUUID
	}
	if r.ReplacedByUUID != nil {
		rec.ReplacedByUUID = *r.ReplacedByUUID
	}
	if r.ConsumedAt != nil {
		at := r.ConsumedAt.UTC()
		rec.ConsumedAt = &at
	}
	return rec
}
