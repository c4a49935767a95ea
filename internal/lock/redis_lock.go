package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLock serializes lifecycle operations per evaluation id across the API
// and worker processes. Each lock is a Redis key with a random owner value;
// release only deletes the key when the owner still matches, so an expired
// lock stolen by another process is never released out from under it.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLock constructs a locker with the given hold TTL.
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{
		client: client,
		ttl:    ttl,
		retry:  25 * time.Millisecond,
	}
}

// Acquire blocks until the per-evaluation lock is held or ctx is done. The
// returned release function is safe to call exactly once.
func (l *RedisLock) Acquire(ctx context.Context, evaluationID string) (func(), error) {
	key := "lock:eval:" + evaluationID
	owner := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	release := func() {
		// Release must not inherit a cancelled request context.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = releaseScript.Run(ctx, l.client, []string{key}, owner).Result()
	}
	return release, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
