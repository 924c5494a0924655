package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goRefresh/refresh"
	"github.com/MrEthical07/goRefresh/store"
)

// maxUUIDAttempts bounds regeneration after a uuid collision. Hash collisions
// are never retried.
const maxUUIDAttempts = 3

// Minter produces a new secret and the active record holding its digest.
type Minter struct {
	Hasher     refresh.Hasher
	SecretSize int
	TTL        time.Duration
	NewUUID    func() (string, error)
}

// Mint returns the encoded token and its record. The raw secret only leaves
// through the returned string.
func (m Minter) Mint(sessionID, userID, parentUUID string, now time.Time) (string, *store.Record, error) {
	secret, err := refresh.NewSecret(m.SecretSize)
	if err != nil {
		return "", nil, err
	}
	id, err := m.NewUUID()
	if err != nil {
		return "", nil, err
	}
	now = now.UTC()
	rec := &store.Record{
		UUID:       id,
		SessionID:  sessionID,
		UserID:     userID,
		TokenHash:  m.Hasher.Sum(secret).Hex(),
		Status:     store.StatusActive,
		ParentUUID: parentUUID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(m.TTL),
	}
	return refresh.Encode(secret), rec, nil
}

// reuuid assigns a fresh uuid to rec after a collision.
func (m Minter) reuuid(rec *store.Record) error {
	id, err := m.NewUUID()
	if err != nil {
		return err
	}
	rec.UUID = id
	return nil
}

// hashToken decodes a presented token and returns its digest. Malformed input
// surfaces as refresh.ErrMalformedToken.
func hashToken(h refresh.Hasher, raw string) (string, error) {
	secret, err := refresh.Decode(raw)
	if err != nil {
		return "", err
	}
	return h.Sum(secret).Hex(), nil
}

// insertFresh inserts rec, regenerating its uuid on collision.
func insertFresh(ctx context.Context, s store.TokenStore, m Minter, rec *store.Record) error {
	for attempt := 1; ; attempt++ {
		_, err := s.Insert(ctx, rec)
		if !errors.Is(err, store.ErrDuplicateUUID) || attempt == maxUUIDAttempts {
			return err
		}
		if err := m.reuuid(rec); err != nil {
			return err
		}
	}
}
