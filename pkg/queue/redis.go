package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps pending jobs in one list and in-flight jobs in a list per
// consumer instance, so a restarted instance can put its own work back.
type RedisQueue struct {
	client      redis.UniversalClient
	pendingKey  string
	inflightKey string
	pollTimeout time.Duration
}

// NewRedisQueue builds a queue rooted at key. instanceID scopes the in-flight list.
func NewRedisQueue(client redis.UniversalClient, key, instanceID string, pollTimeout time.Duration) *RedisQueue {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &RedisQueue{
		client:      client,
		pendingKey:  key + ":pending",
		inflightKey: key + ":processing:" + instanceID,
		pollTimeout: pollTimeout,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := encode(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.pendingKey, q.inflightKey, "RIGHT", "LEFT", q.pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Delivery{}, ctxErr
		}
		return Delivery{}, fmt.Errorf("redis blmove: %w", err)
	}
	return decode(raw)
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	if d.raw == "" {
		return nil
	}
	if err := q.client.LRem(ctx, q.inflightKey, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("redis lrem: %w", err)
	}
	return nil
}

// Recover moves this instance's in-flight jobs back to the consuming end of
// the pending list, oldest first.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.inflightKey, q.pendingKey, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("redis lmove: %w", err)
		}
		moved++
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return n, nil
}

// Ping checks connectivity for health reporting.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var _ Queue = (*RedisQueue)(nil)
