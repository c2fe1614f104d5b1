package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.IdempotencyKey{}))
	return db
}

const (
	biz     = "biz-1"
	handler = models.IdempotencyHandlerSalesSyncPush
)

func loadKey(t *testing.T, db *gorm.DB, msgId string) models.IdempotencyKey {
	t.Helper()
	var key models.IdempotencyKey
	require.NoError(t, db.Where("business_id = ? AND handler_name = ? AND message_id = ?", biz, handler, msgId).Take(&key).Error)
	return key
}

func TestBeginIdempotencyLifecycle(t *testing.T) {
	db := openDB(t)

	skip, err := BeginIdempotency(db, biz, handler, "m1")
	require.NoError(t, err)
	assert.False(t, skip)

	_, err = BeginIdempotency(db, biz, handler, "m1")
	assert.ErrorIs(t, err, ErrIdempotencyInProgress)

	require.NoError(t, MarkIdempotencyFailed(db, biz, handler, "m1", errors.New("provider timeout")))
	key := loadKey(t, db, "m1")
	assert.Equal(t, models.IdempotencyStatusFailed, key.Status)
	require.NotNil(t, key.LastError)
	assert.Equal(t, "provider timeout", *key.LastError)

	skip, err = BeginIdempotency(db, biz, handler, "m1")
	require.NoError(t, err)
	assert.False(t, skip, "failed deliveries are retried")
	key = loadKey(t, db, "m1")
	assert.Equal(t, models.IdempotencyStatusStarted, key.Status)
	assert.Equal(t, 2, key.Attempts)
	assert.Nil(t, key.LastError)

	require.NoError(t, MarkIdempotencySucceeded(db, biz, handler, "m1", 77))
	key = loadKey(t, db, "m1")
	require.NotNil(t, key.SyncRunId)
	assert.Equal(t, uint(77), *key.SyncRunId)

	skip, err = BeginIdempotency(db, biz, handler, "m1")
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestBeginIdempotencyTakesOverStaleStart(t *testing.T) {
	db := openDB(t)

	_, err := BeginIdempotency(db, biz, handler, "m2")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.IdempotencyKey{}).Where("message_id = ?", "m2").
		UpdateColumn("updated_at", time.Now().Add(-2*staleStartedAfter)).Error)

	skip, err := BeginIdempotency(db, biz, handler, "m2")
	require.NoError(t, err)
	assert.False(t, skip)
	assert.Equal(t, 2, loadKey(t, db, "m2").Attempts)
}

func TestBeginIdempotencyKeysAreScopedByBusiness(t *testing.T) {
	db := openDB(t)

	_, err := BeginIdempotency(db, biz, handler, "m3")
	require.NoError(t, err)
	skip, err := BeginIdempotency(db, "biz-2", handler, "m3")
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestSyncLockWithoutRedis(t *testing.T) {
	config.SetRedisClient(nil)
	lock, err := AcquireSyncLock(context.Background(), biz)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.NotPanics(t, func() { lock.Release(context.Background()) })

	var nilLock *SyncLock
	assert.NotPanics(t, func() { nilLock.Release(context.Background()) })
}
