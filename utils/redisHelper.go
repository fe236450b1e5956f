package utils

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// ReleaseFunc releases a lock obtained by ObtainBestEffortLock. Always safe to call.
type ReleaseFunc func()

// ObtainBestEffortLock tries to take a short redis lock for key.
// Redis is an optimization only: when the locker is not ready or the lock is
// held elsewhere the caller proceeds, and the database stays the real guard.
func ObtainBestEffortLock(ctx context.Context, key string, ttl time.Duration, funcName string) ReleaseFunc {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}
	}
	lock, err := locker.Obtain(ctx, "lock:"+key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 10),
	})
	if err != nil {
		msg := "error obtaining redis lock; proceeding without redis lock: " + err.Error()
		if errors.Is(err, redislock.ErrNotObtained) {
			msg = "could not obtain redis lock; proceeding without redis lock"
		}
		logger.WithFields(logrus.Fields{
			"field": funcName,
			"key":   key,
		}).Warn(msg)
		return func() {}
	}
	return func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
			logger.WithFields(logrus.Fields{
				"field": funcName,
				"key":   key,
			}).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}
}
