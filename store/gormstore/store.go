// Package gormstore keeps refresh-token records in a relational database
// through gorm. The consume step is a conditional UPDATE guarded by
// status = 'active'; zero affected rows means another caller won.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/goRefresh/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is a gorm-backed [store.TokenStore] and [store.Successor].
type Store struct {
	db *gorm.DB
}

var (
	_ store.TokenStore = (*Store)(nil)
	_ store.Successor  = (*Store)(nil)
)

// New wraps an open connection. Call [Migrate] first.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ping reports database availability and round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	sqlDB, err := s.db.DB()
	if err != nil {
		return time.Since(start), unavailable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return time.Since(start), unavailable(err)
	}
	return time.Since(start), nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}

// errUniqueViolation marks a unique-index failure on create. The rolled back
// transaction cannot be queried, so the caller classifies it afterwards.
var errUniqueViolation = errors.New("gormstore: unique index violation")

func (s *Store) Insert(ctx context.Context, rec *store.Record) (string, error) {
	if err := store.ValidateNew(rec); err != nil {
		return "", err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertRow(tx, rec)
	})
	if err != nil {
		return "", s.classify(ctx, rec, err)
	}
	return rec.UUID, nil
}

// classify resolves a unique violation by checking which key is now taken.
// The hash is checked first since a hash collision is never retried.
func (s *Store) classify(ctx context.Context, rec *store.Record, err error) error {
	if !errors.Is(err, errUniqueViolation) {
		return err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&TokenRow{}).Where("token_hash = ?", rec.TokenHash).Count(&n).Error; err != nil {
		return unavailable(err)
	}
	if n > 0 {
		return store.ErrDuplicateHash
	}
	return store.ErrDuplicateUUID
}

func insertRow(tx *gorm.DB, rec *store.Record) error {
	var n int64
	if err := tx.Model(&TokenRow{}).Where("token_hash = ?", rec.TokenHash).Count(&n).Error; err != nil {
		return unavailable(err)
	}
	if n > 0 {
		return store.ErrDuplicateHash
	}
	if err := tx.Model(&TokenRow{}).Where("uuid = ?", rec.UUID).Count(&n).Error; err != nil {
		return unavailable(err)
	}
	if n > 0 {
		return store.ErrDuplicateUUID
	}

	if err := tx.Create(toRow(rec)).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %v", errUniqueViolation, err)
		}
		return unavailable(err)
	}
	return nil
}

func (s *Store) find(ctx context.Context, column, value string) (*store.Record, error) {
	var row TokenRow
	err := s.db.WithContext(ctx).Where(column+" = ?", value).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return row.record(), nil
}

func (s *Store) FindByHash(ctx context.Context, hash string) (*store.Record, error) {
	return s.find(ctx, "token_hash", hash)
}

func (s *Store) FindActiveByHash(ctx context.Context, hash string) (*store.Record, error) {
	var row TokenRow
	err := s.db.WithContext(ctx).
		Where("token_hash = ? AND status = ?", hash, string(store.StatusActive)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return row.record(), nil
}

func (s *Store) FindByUUID(ctx context.Context, uuid string) (*store.Record, error) {
	return s.find(ctx, "uuid", uuid)
}

func (s *Store) MarkConsumed(ctx context.Context, uuid, replacedByUUID string, at time.Time) error {
	return consumeRow(s.db.WithContext(ctx), uuid, replacedByUUID, at)
}

func consumeRow(tx *gorm.DB, uuid, replacedByUUID string, at time.Time) error {
	res := tx.Model(&TokenRow{}).
		Where("uuid = ? AND status = ?", uuid, string(store.StatusActive)).
		Updates(map[string]interface{}{
			"status":           string(store.StatusConsumed),
			"replaced_by_uuid": replacedByUUID,
			"consumed_at":      at.UTC(),
		})
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var n int64
	if err := tx.Model(&TokenRow{}).Where("uuid = ?", uuid).Count(&n).Error; err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrAlreadyConsumed
}

// ConsumeAndInsert runs the conditional update first so the current row is
// locked before the successor is written. Any failure rolls both back.
func (s *Store) ConsumeAndInsert(ctx context.Context, currentUUID string, next *store.Record, at time.Time) error {
	if err := store.ValidateNew(next); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := consumeRow(tx, currentUUID, next.UUID, at); err != nil {
			return err
		}
		return insertRow(tx, next)
	})
	return s.classify(ctx, next, err)
}

func (s *Store) RevokeFamily(ctx context.Context, uuid string) (int, error) {
	var revoked int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		members, err := family(tx, uuid)
		if err != nil {
			return err
		}
		res := tx.Model(&TokenRow{}).
			Where("uuid IN ? AND status = ?", members, string(store.StatusActive)).
			Update("status", string(store.StatusRevoked))
		if res.Error != nil {
			return unavailable(res.Error)
		}
		revoked = res.RowsAffected
		return nil
	})
	return int(revoked), err
}

// family climbs to the root, then collects descendants one level per query.
func family(tx *gorm.DB, uuid string) ([]string, error) {
	root, err := rootOf(tx, uuid)
	if err != nil {
		return nil, err
	}

	members := []string{root}
	level := []string{root}
	for len(level) > 0 {
		var children []string
		if err := tx.Model(&TokenRow{}).Where("parent_uuid IN ?", level).Pluck("uuid", &children).Error; err != nil {
			return nil, unavailable(err)
		}
		if len(members)+len(children) > store.MaxFamilySize {
			return nil, store.ErrFamilyTooLarge
		}
		members = append(members, children...)
		level = children
	}
	return members, nil
}

func rootOf(tx *gorm.DB, uuid string) (string, error) {
	var row TokenRow
	err := tx.Select("uuid", "parent_uuid").Where("uuid = ?", uuid).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", store.ErrNotFound
		}
		return "", unavailable(err)
	}
	for depth := 0; row.ParentUUID != nil && *row.ParentUUID != ""; depth++ {
		if depth >= store.MaxFamilySize {
			return "", store.ErrFamilyTooLarge
		}
		var parent TokenRow
		err := tx.Select("uuid", "parent_uuid").Where("uuid = ?", *row.ParentUUID).First(&parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return "", unavailable(err)
		}
		row = parent
	}
	return row.UUID, nil
}

func (s *Store) RevokeBySession(ctx context.Context, sessionID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&TokenRow{}).
		Where("session_uuid = ? AND status = ?", sessionID, string(store.StatusActive)).
		Update("status", string(store.StatusRevoked))
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) FindFamilyChain(ctx context.Context, uuid string) ([]store.Record, error) {
	tx := s.db.WithContext(ctx)
	root, err := rootOf(tx, uuid)
	if err != nil {
		return nil, err
	}

	chain := make([]store.Record, 0, 8)
	for cur := root; cur != ""; {
		if len(chain) >= store.MaxFamilySize {
			return nil, store.ErrFamilyTooLarge
		}
		var row TokenRow
		err := tx.Where("uuid = ?", cur).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return nil, unavailable(err)
		}
		rec := row.record()
		chain = append(chain, *rec)
		cur = rec.ReplacedByUUID
	}
	return chain, nil
}

func (s *Store) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	var revoked int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []string
		err := tx.Model(&TokenRow{}).
			Where("status = ? AND expires_at < ?", string(store.StatusActive), now.UTC()).
			Order("expires_at").
			Limit(limit).
			Pluck("uuid", &stale).Error
		if err != nil {
			return unavailable(err)
		}
		if len(stale) == 0 {
			return nil
		}
		res := tx.Model(&TokenRow{}).
			Where("uuid IN ? AND status = ?", stale, string(store.StatusActive)).
			Update("status", string(store.StatusRevoked))
		if res.Error != nil {
			return unavailable(res.Error)
		}
		revoked = res.RowsAffected
		return nil
	})
	return int(revoked), err
}

// Versions is the auth_sessions backed [store.VersionCounter].
type Versions struct {
	db *gorm.DB
}

var _ store.VersionCounter = (*Versions)(nil)

func NewVersions(db *gorm.DB) *Versions {
	return &Versions{db: db}
}

// Bump upserts the session row and reads the incremented value back inside
// the same transaction.
func (v *Versions) Bump(ctx context.Context, sessionID string) (int64, error) {
	var version int64
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := SessionRow{UUID: sessionID, SessionVersion: store.InitialSessionVersion + 1}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "uuid"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"session_version": gorm.Expr("auth_sessions.session_version + 1"),
			}),
		}).Create(&row).Error
		if err != nil {
			return unavailable(err)
		}
		var cur SessionRow
		if err := tx.Where("uuid = ?", sessionID).First(&cur).Error; err != nil {
			return unavailable(err)
		}
		version = cur.SessionVersion
		return nil
	})
	return version, err
}

func (v *Versions) Current(ctx context.Context, sessionID string) (int64, error) {
	var row SessionRow
	err := v.db.WithContext(ctx).Where("uuid = ?", sessionID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.InitialSessionVersion, nil
		}
		return 0, unavailable(err)
	}
	return row.SessionVersion, nil
}
