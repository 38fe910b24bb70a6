package billing

import (
	"fmt"
	"time"

	"github.com/pulldeck/PullDeck/internal/pkg/cache"
)

// RedisEventLocker implements EventLocker over the shared Redis client.
type RedisEventLocker struct{}

// NewRedisEventLocker creates the production dispatch locker.
func NewRedisEventLocker() *RedisEventLocker {
	return &RedisEventLocker{}
}

func (l *RedisEventLocker) Acquire(eventID uint, ttl time.Duration) (bool, error) {
	return cache.AcquireLock(lockKey(eventID), ttl)
}

func (l *RedisEventLocker) Release(eventID uint) {
	cache.ReleaseLock(lockKey(eventID))
}

func lockKey(eventID uint) string {
	return fmt.Sprintf("webhook:dispatch:%d", eventID)
}
