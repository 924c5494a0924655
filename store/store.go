package store

import (
	"context"
	"errors"
	"time"
)

// MaxFamilySize bounds every family walk. Families grow by one member per
// rotation, so a live session stays far below it.
const MaxFamilySize = 1024

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("refresh token record not found")
	// ErrAlreadyConsumed is returned by the conditional update when the record
	// is no longer active.
	ErrAlreadyConsumed = errors.New("refresh token already consumed")
	// ErrDuplicateHash is a storage integrity violation: two secrets produced the
	// same digest. It is never retried with the same hash.
	ErrDuplicateHash = errors.New("refresh token hash collision")
	// ErrDuplicateUUID is returned when a generated uuid already exists.
	ErrDuplicateUUID = errors.New("refresh token uuid collision")
	// ErrFamilyTooLarge is returned when a walk exceeds MaxFamilySize.
	ErrFamilyTooLarge = errors.New("refresh token family exceeds walk bound")
	// ErrUnavailable wraps backend I/O failures.
	ErrUnavailable = errors.New("token store unavailable")
	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("invalid refresh token record")
)

// TokenStore is durable keyed storage for refresh-token records, indexed by
// hash, uuid, parent, and session.
type TokenStore interface {
	// Insert persists a new record and returns its uuid. A colliding TokenHash
	// yields ErrDuplicateHash.
	Insert(ctx context.Context, rec *Record) (string, error)
	// FindByHash returns the record for hash in any status.
	FindByHash(ctx context.Context, hash string) (*Record, error)
	// FindActiveByHash returns the record for hash only while it is active.
	FindActiveByHash(ctx context.Context, hash string) (*Record, error)
	// FindByUUID returns the record with the given uuid.
	FindByUUID(ctx context.Context, uuid string) (*Record, error)
	// MarkConsumed transitions an active record to consumed in one
	// compare-and-set. ErrAlreadyConsumed when it is not active.
	MarkConsumed(ctx context.Context, uuid, replacedByUUID string, at time.Time) error
	// RevokeFamily revokes every active member of the family containing uuid
	// and returns how many were revoked.
	RevokeFamily(ctx context.Context, uuid string) (int, error)
	// RevokeBySession revokes every active record of a session.
	RevokeBySession(ctx context.Context, sessionID string) (int, error)
	// FindFamilyChain returns the family from root to leaf along
	// replaced-by links.
	FindFamilyChain(ctx context.Context, uuid string) ([]Record, error)
	// ExpireStale revokes at most limit active records with ExpiresAt before now.
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
}

// Successor is implemented by stores that can consume the current record and
// insert its successor as one atomic unit. When the consume fails nothing is
// inserted.
type Successor interface {
	ConsumeAndInsert(ctx context.Context, currentUUID string, next *Record, at time.Time) error
}

// VersionCounter is the per-session monotonic counter stamped into access
// tokens. Unknown sessions report 1.
type VersionCounter interface {
	Bump(ctx context.Context, sessionID string) (int64, error)
	Current(ctx context.Context, sessionID string) (int64, error)
}

// InitialSessionVersion is the value reported before any bump.
const InitialSessionVersion int64 = 1

// MaxIDLength bounds session and user ids. The SQL columns are sized to it.
const MaxIDLength = 64

// ValidID reports whether id is a storable session or user id.
func ValidID(id string) bool {
	return id != "" && len(id) <= MaxIDLength
}

// ValidateNew checks the fields every backend requires on insert.
func ValidateNew(rec *Record) error {
	if rec == nil ||
		rec.UUID == "" ||
		!ValidID(rec.SessionID) ||
		!ValidID(rec.UserID) ||
		len(rec.TokenHash) != 64 ||
		rec.Status != StatusActive ||
		rec.ExpiresAt.IsZero() {
		return ErrInvalidRecord
	}
	return nil
}
