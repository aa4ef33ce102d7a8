package ecpsync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// RunLock guards against two processes syncing the same source at once.
type RunLock interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisRunLock is a token-owned lock with a TTL so a crashed worker frees it.
type RedisRunLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisRunLock builds a lock for the named source.
func NewRedisRunLock(client redis.UniversalClient, source string, ttl time.Duration) *RedisRunLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisRunLock{client: client, key: shared.EcpSyncLockKey(source), ttl: ttl}
}

// Acquire takes the lock. ok is false when another holder owns it.
func (l *RedisRunLock) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}
