// Package redis stores the run lock and the shared feature flags in Redis
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/linkflow-ai/chmigrate/internal/platform/cache"
	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
)

const lockKeyPrefix = "async_migration:"

// RunLock is a cluster-wide run lock. A held lock is extended in the background so
// a run may outlive the lock ttl; a crashed holder releases it once the ttl passes.
type RunLock struct {
	cache  *cache.RedisCache
	ttl    time.Duration
	logger logger.Logger
}

// NewRunLock creates a new Redis run lock
func NewRunLock(c *cache.RedisCache, ttl time.Duration, log logger.Logger) *RunLock {
	return &RunLock{
		cache:  c,
		ttl:    ttl,
		logger: log,
	}
}

// Acquire takes the lock of a migration or fails with model.ErrRunInProgress
func (l *RunLock) Acquire(ctx context.Context, migration string) (func(context.Context) error, error) {
	lock := l.cache.NewLock(lockKeyPrefix+migration, l.ttl)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrRunInProgress, migration)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(lock, stop)
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			wg.Wait()
			err = lock.Release(ctx)
		})
		return err
	}, nil
}

func (l *RunLock) keepAlive(lock *cache.Lock, stop <-chan struct{}) {
	// A lock without ttl never expires
	if lock.TTL() <= 0 {
		<-stop
		return
	}

	ticker := time.NewTicker(lock.TTL() / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			held, err := lock.Extend(ctx)
			cancel()

			switch {
			case err != nil:
				l.logger.Warn("Failed to extend run lock", "key", lock.Key(), "error", err)
			case !held:
				l.logger.Error("Run lock lost", "key", lock.Key())
				return
			}
		}
	}
}
