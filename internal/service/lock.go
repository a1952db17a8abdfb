package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker implements gocron.Locker with SET NX and a compare-and-delete
// release, so a tick runs on one instance at a time.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "lock:", ttl: ttl}
}

var errLockHeld = errors.New("sweep lock held by another instance")

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (l *RedisLocker) Lock(ctx context.Context, key string) (gocron.Lock, error) {
	owner := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.prefix+key, owner, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errLockHeld
	}
	return &redisLock{rdb: l.rdb, key: l.prefix + key, owner: owner}, nil
}

type redisLock struct {
	rdb   *redis.Client
	key   string
	owner string
}

func (l *redisLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err()
}
