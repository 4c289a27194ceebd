package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// requeueScript moves one id from processing back to pending atomically.
// KEYS[1] = processing list, KEYS[2] = pending list, ARGV[1] = task id
var requeueScript = redis.NewScript(`
local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
if removed > 0 then
    redis.call("RPUSH", KEYS[2], ARGV[1])
end
return removed
`)

// RedisQueue is a reliable list queue: ids wait in <name>:pending and sit in
// <name>:processing while a worker holds them.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	// blockTimeout bounds one BLMOVE so ctx cancellation is noticed
	blockTimeout time.Duration
}

// NewRedisQueue connects to the redis at url
func NewRedisQueue(url, name string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisQueueWithClient(redis.NewClient(opts), name), nil
}

// NewRedisQueueWithClient wraps an existing client
func NewRedisQueueWithClient(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client:       client,
		pending:      name + ":pending",
		processing:   name + ":processing",
		blockTimeout: 5 * time.Second,
	}
}

// Enqueue implements Queue
func (q *RedisQueue) Enqueue(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.pending, taskID).Err(); err != nil {
		return fmt.Errorf("redis enqueue %s: %w", taskID, err)
	}
	return nil
}

// Dequeue implements Queue
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis dequeue: %w", err)
		}
		return q.delivery(id), nil
	}
}

func (q *RedisQueue) delivery(id string) *Delivery {
	return &Delivery{
		TaskID: id,
		ack: func(ctx context.Context) error {
			if err := q.client.LRem(ctx, q.processing, 1, id).Err(); err != nil {
				return fmt.Errorf("redis ack %s: %w", id, err)
			}
			return nil
		},
		nack: func(ctx context.Context) error {
			if err := requeueScript.Run(ctx, q.client, []string{q.processing, q.pending}, id).Err(); err != nil {
				return fmt.Errorf("redis nack %s: %w", id, err)
			}
			return nil
		},
	}
}

// Recover moves every id left in processing back to pending. Workers call it
// at start, so it runs while other workers of the queue are alive: an id one of
// them is still running is delivered a second time and dropped by the
// orchestrator's queued->running check.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis recover: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.LRem(ctx, q.processing, 1, id)
		pipe.RPush(ctx, q.pending, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis recover: %w", err)
	}
	slog.Info("recovered orphaned deliveries", "queue", q.pending, "count", len(ids))
	return len(ids), nil
}

// Len implements Queue
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pending).Result()
}

// Ping implements Queue
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close implements Queue
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
