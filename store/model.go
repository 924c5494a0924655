package store

import "time"

// Status is the lifecycle state of a refresh-token record.
type Status string

const (
	// StatusActive marks the single usable member of a family.
	StatusActive Status = "active"
	// StatusConsumed marks a token that was rotated into a successor.
	StatusConsumed Status = "consumed"
	// StatusRevoked marks a token burned by replay, logout, or expiry sweep.
	StatusRevoked Status = "revoked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusConsumed, StatusRevoked:
		return true
	default:
		return false
	}
}

// Record is one issued refresh token. ID is storage-internal and TokenHash
// never leaves the store boundary through the public API.
type Record struct {
	ID             uint64
	UUID           string
	SessionID      string
	UserID         string
	TokenHash      string
	Status         Status
	ParentUUID     string
	ReplacedByUUID string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	ConsumedAt     *time.Time
}

// Clone returns a deep copy so callers cannot alias backend state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.ConsumedAt != nil {
		at := *r.ConsumedAt
		out.ConsumedAt = &at
	}
	return &out
}

// Expired reports whether the record is past its fixed expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
