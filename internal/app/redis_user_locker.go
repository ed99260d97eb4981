package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only if it still holds our token, so an expired lock taken over
// by another runner is never released by us.
var releaseUserLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisUserLocker implements UserLocker with SET NX PX.
type RedisUserLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisUserLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisUserLocker {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "recoverly:accrual"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl < time.Second {
		ttl = time.Second
	}

	return &RedisUserLocker{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (l *RedisUserLocker) key(userID string) string {
	return fmt.Sprintf("%s:user:%s", l.prefix, strings.TrimSpace(userID))
}

// TryLock takes the per-user lock without waiting.
func (l *RedisUserLocker) TryLock(ctx context.Context, userID string) (func(), bool, error) {
	if l == nil || l.client == nil {
		return func() {}, true, nil
	}

	key := l.key(userID)
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseUserLockScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
