package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"evaluation-scheduler/internal/config"
)

// TriggerQueue is the time-trigger mechanism backing the lifecycle engine.
// Armed firing tokens wait in a Redis sorted set scored by their runAt; the
// worker promotes due tokens into a ready list and processes them under a
// visibility lease so a crashed worker's tokens get reclaimed.
type TriggerQueue struct {
	client        *redis.Client
	scheduledKey  string
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
}

// NewTriggerQueue builds a trigger queue client from config.
func NewTriggerQueue(cfg config.Config) *TriggerQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &TriggerQueue{
		client:        client,
		scheduledKey:  "trigger:scheduled",
		readyKey:      "trigger:ready",
		inflightKey:   "trigger:inflight",
		visibilityTTL: visibility,
	}
}

// Arm schedules a firing token. A token already armed for another time is
// moved, not duplicated: the sorted set keys on the token itself. Tokens with
// a runAt already in the past are promoted on the next worker tick, which is
// exactly the "treat as fire now" behavior late reminders rely on.
func (q *TriggerQueue) Arm(ctx context.Context, token string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: token,
	}).Err()
}

// Disarm removes a token from the scheduled set and the ready list. A token
// already leased by a worker fires once more; the engine tolerates that.
func (q *TriggerQueue) Disarm(ctx context.Context, token string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.scheduledKey, token)
	pipe.LRem(ctx, q.readyKey, 0, token)
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDue moves tokens whose time has come into the ready list. It returns
// how many were promoted.
func (q *TriggerQueue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	tokens, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, token := range tokens {
		pipe.ZRem(ctx, q.scheduledKey, token)
		pipe.RPush(ctx, q.readyKey, token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(tokens), nil
}

// DequeueWithLease pops a ready token and places it into the in-flight set
// with a visibility timeout.
func (q *TriggerQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	token, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return token, nil
}

// Ack removes a token from in-flight tracking once its firing was dispatched.
func (q *TriggerQueue) Ack(ctx context.Context, token string) error {
	return q.client.ZRem(ctx, q.inflightKey, token).Err()
}

// RequeueExpired reclaims leases that timed out, re-readying their tokens.
func (q *TriggerQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	tokens, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, token := range tokens {
		pipe.ZRem(ctx, q.inflightKey, token)
		pipe.RPush(ctx, q.readyKey, token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tokens, nil
}

// ScheduledDepth returns how many tokens are waiting for their time.
func (q *TriggerQueue) ScheduledDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

var dequeueScript = redis.NewScript(`
local token = redis.call('LPOP', KEYS[1])
if token then
  redis.call('ZADD', KEYS[2], ARGV[1], token)
  return token
end
return nil
`)
