package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrLeaseLost is logged when a lease expired before its holder released it.
var ErrLeaseLost = errors.New("lock lease lost")

// releaseScript deletes the key only if it still carries our token, so an
// expired holder can never release somebody else's lease.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process talking to the same Redis.
// Each key is a lease with a TTL; holders must finish well inside the TTL.
type RedisLocker struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *logrus.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker storing leases under prefix.
func NewRedisLocker(rdb goredis.UniversalClient, prefix string, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	return &RedisLocker{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		poll:   10 * time.Millisecond,
		logger: logger,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	wait := l.poll

	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if wait < 100*time.Millisecond {
			wait *= 2
		}
	}

	return func() {
		// Release must happen even if the caller's context is gone.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(rctx, l.rdb, []string{redisKey}, token).Int()
		if err != nil {
			l.logger.WithError(err).WithField("key", key).Warn("Failed to release lock")
			return
		}
		if n == 0 {
			l.logger.WithError(ErrLeaseLost).WithField("key", key).Warn("Lock expired before release")
		}
	}, nil
}
