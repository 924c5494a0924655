package gormstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goRefresh/store"
	"github.com/MrEthical07/goRefresh/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(context.Background(), DialectSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestGormConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.TokenStore, store.VersionCounter) {
		db := newTestDB(t)
		return New(db), NewVersions(db)
	})
}

func TestOpenRejectsEmptyDSNAndUnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), DialectPostgres, "")
	assert.Error(t, err)

	_, err = Open(context.Background(), "oracle", "dsn")
	assert.ErrorContains(t, err, "unsupported database dialect")
}

func TestRowsKeepNullableLinks(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	ctx := context.Background()

	root := storetest.NewRecord(t, "sess00000001", "user-0000001", "", time.Now().Add(time.Hour))
	_, err := s.Insert(ctx, root)
	require.NoError(t, err)

	var row TokenRow
	require.NoError(t, db.Where("uuid = ?", root.UUID).First(&row).Error)
	assert.Nil(t, row.ParentUUID)
	assert.Nil(t, row.ReplacedByUUID)
	assert.Nil(t, row.ConsumedAt)
	assert.Equal(t, "active", row.Status)
	assert.NotZero(t, row.ID)
	assert.False(t, row.CreatedAt.IsZero())
}

func TestSessionRowUsesSharedTable(t *testing.T) {
	db := newTestDB(t)
	v := NewVersions(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&SessionRow{UUID: "sess00000009", SessionVersion: 7}).Error)
	next, err := v.Bump(ctx, "sess00000009")
	require.NoError(t, err)
	assert.Equal(t, int64(8), next)
}

func TestColumnsFitSessionAndUserIDs(t *testing.T) {
	for _, model := range []interface{}{&TokenRow{}, &SessionRow{}} {
		sch, err := schema.Parse(model, &sync.Map{}, schema.NamingStrategy{})
		require.NoError(t, err)
		for _, name := range []string{"SessionUUID", "UserUUID"} {
			if f := sch.LookUpField(name); f != nil {
				assert.GreaterOrEqual(t, f.Size, store.MaxIDLength, "%s.%s", sch.Table, name)
			}
		}
	}

	sch, err := schema.Parse(&SessionRow{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sch.LookUpField("UUID").Size, store.MaxIDLength)
}

// A uuid taken between the existence check and the create must come back as
// the retryable uuid error, not as a hash collision.
func TestInsertClassifiesUUIDRaceAsDuplicateUUID(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	ctx := context.Background()
	rec := storetest.NewRecord(t, "sess00000001", "user-0000001", "", time.Now().Add(time.Hour))

	fired := false
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:take_uuid", func(d *gorm.DB) {
		if fired || d.Statement.Table != "auth_refresh_tokens" {
			return
		}
		fired = true
		rival := toRow(storetest.NewRecord(t, "sess00000002", "user-0000002", "", time.Now().Add(time.Hour)))
		rival.UUID = rec.UUID
		require.NoError(t, d.Session(&gorm.Session{NewDB: true}).Create(rival).Error)
	}))

	_, err := s.Insert(ctx, rec)
	require.True(t, fired)
	assert.ErrorIs(t, err, store.ErrDuplicateUUID)
	assert.NotErrorIs(t, err, store.ErrDuplicateHash)
}

func TestClassifyPrefersCommittedHash(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	ctx := context.Background()

	first := storetest.NewRecord(t, "sess00000001", "user-0000001", "", time.Now().Add(time.Hour))
	_, err := s.Insert(ctx, first)
	require.NoError(t, err)

	same := storetest.NewRecord(t, "sess00000001", "user-0000001", "", time.Now().Add(time.Hour))
	same.TokenHash = first.TokenHash
	violation := fmt.Errorf("%w: unique constraint failed", errUniqueViolation)
	assert.ErrorIs(t, s.classify(ctx, same, violation), store.ErrDuplicateHash)

	fresh := storetest.NewRecord(t, "sess00000001", "user-0000001", "", time.Now().Add(time.Hour))
	assert.ErrorIs(t, s.classify(ctx, fresh, violation), store.ErrDuplicateUUID)
	assert.NoError(t, s.classify(ctx, fresh, nil))
}
