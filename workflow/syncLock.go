package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/sirupsen/logrus"
)

var ErrSyncInProgress = errors.New("another sync is running for this business")

const syncLockTTL = 2 * time.Minute

// SyncLock serializes provider syncs of one business across instances.
// The lock is refreshed in the background until Release.
type SyncLock struct {
	lock *redislock.Lock
	stop chan struct{}
	done chan struct{}
}

// AcquireSyncLock takes the business's sync lock, waiting briefly for a
// running sync to finish. Without redis the sync proceeds unlocked; the
// ledger transaction still keeps concurrent writers consistent.
func AcquireSyncLock(ctx context.Context, businessId string) (*SyncLock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		config.GetLogger().WithFields(logrus.Fields{
			"field":       "AcquireSyncLock",
			"business_id": businessId,
		}).Warn("redis lock not ready; proceeding without redis lock")
		return &SyncLock{}, nil
	}

	lock, err := locker.Obtain(ctx, fmt.Sprintf("lock:sales-sync:%s", businessId), syncLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(500*time.Millisecond), 10),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, err
	}

	l := &SyncLock{lock: lock, stop: make(chan struct{}), done: make(chan struct{})}
	go l.keepAlive(businessId)
	return l, nil
}

func (l *SyncLock) keepAlive(businessId string) {
	defer close(l.done)
	ticker := time.NewTicker(syncLockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := l.lock.Refresh(ctx, syncLockTTL, nil)
			cancel()
			if err != nil {
				config.GetLogger().WithFields(logrus.Fields{
					"field":       "SyncLock.keepAlive",
					"business_id": businessId,
				}).Warn("failed to refresh sync lock: " + err.Error())
				return
			}
		}
	}
}

func (l *SyncLock) Release(ctx context.Context) {
	if l == nil || l.lock == nil {
		return
	}
	close(l.stop)
	<-l.done
	if err := l.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		config.GetLogger().WithField("field", "SyncLock.Release").Warn("failed to release sync lock: " + err.Error())
	}
}
