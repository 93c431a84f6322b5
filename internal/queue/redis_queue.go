package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on top of Redis.
//
// Each named queue uses two sorted sets:
//
//	<prefix>:queue:<name>   visible items, scored by visible-at (ms)
//	<prefix>:unacked:<name> claimed items, scored by unack deadline (ms)
//
// plus a registry set <prefix>:queues of known queue names. Scores give
// delayed visibility for free; FIFO order within the same score follows the
// member's lexical order, which is acceptable for id-sized members.
type RedisQueue struct {
	client            *redis.Client
	prefix            string
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	clock             func() time.Time
}

// NewRedisQueue constructs a Redis-backed Queue. prefix namespaces keys in
// a shared Redis (for example "maestro"); empty defaults to "maestro". A
// non-positive visibilityTimeout defaults to 30 seconds.
func NewRedisQueue(client *redis.Client, prefix string, visibilityTimeout time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "maestro"
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &RedisQueue{
		client:            client,
		prefix:            prefix,
		visibilityTimeout: visibilityTimeout,
		pollInterval:      20 * time.Millisecond,
		clock:             time.Now,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) queueKey(name string) string   { return q.prefix + ":queue:" + name }
func (q *RedisQueue) unackedKey(name string) string { return q.prefix + ":unacked:" + name }
func (q *RedisQueue) registryKey() string           { return q.prefix + ":queues" }

func (q *RedisQueue) Push(ctx context.Context, queueName, id string, delay time.Duration) error {
	score := float64(q.clock().Add(delay).UnixMilli())
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.registryKey(), queueName)
	pipe.ZRem(ctx, q.unackedKey(queueName), id)
	pipe.ZAdd(ctx, q.queueKey(queueName), redis.Z{Score: score, Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) PushIfNotExists(ctx context.Context, queueName, id string, delay time.Duration) (bool, error) {
	// Present in the unacked area counts as present.
	if err := q.client.ZScore(ctx, q.unackedKey(queueName), id).Err(); err == nil {
		return false, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, err
	}

	score := float64(q.clock().Add(delay).UnixMilli())
	added, err := q.client.ZAddNX(ctx, q.queueKey(queueName), redis.Z{Score: score, Member: id}).Result()
	if err != nil {
		return false, err
	}
	if added > 0 {
		if err := q.client.SAdd(ctx, q.registryKey(), queueName).Err(); err != nil {
			return false, err
		}
	}
	return added > 0, nil
}

func (q *RedisQueue) Pop(ctx context.Context, queueName string, count int, timeout time.Duration) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	deadline := q.clock().Add(timeout)
	var claimed []string

	for {
		select {
		case <-ctx.Done():
			return claimed, ctx.Err()
		default:
		}

		ids, err := q.claim(ctx, queueName, count-len(claimed))
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, ids...)
		if len(claimed) >= count {
			return claimed, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return claimed, nil
		}
		wait := q.pollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return claimed, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context, queueName string, n int) ([]string, error) {
	now := q.clock()
	ids, err := q.client.ZRangeByScore(ctx, q.queueKey(queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(n),
	}).Result()
	if err != nil {
		return nil, err
	}

	unackScore := float64(now.Add(q.visibilityTimeout).UnixMilli())
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		// ZRem returning 0 means another consumer claimed it first.
		removed, err := q.client.ZRem(ctx, q.queueKey(queueName), id).Result()
		if err != nil {
			return claimed, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.ZAdd(ctx, q.unackedKey(queueName), redis.Z{Score: unackScore, Member: id}).Err(); err != nil {
			return claimed, err
		}
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (q *RedisQueue) Ack(ctx context.Context, queueName, id string) (bool, error) {
	removed, err := q.client.ZRem(ctx, q.unackedKey(queueName), id).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (q *RedisQueue) Remove(ctx context.Context, queueName, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.queueKey(queueName), id)
	pipe.ZRem(ctx, q.unackedKey(queueName), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Exists(ctx context.Context, queueName, id string) (bool, error) {
	err := q.client.ZScore(ctx, q.queueKey(queueName), id).Err()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, err
	}
	err = q.client.ZScore(ctx, q.unackedKey(queueName), id).Err()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, err
	}
	return false, nil
}

func (q *RedisQueue) Size(ctx context.Context, queueName string) (int, error) {
	n, err := q.client.ZCard(ctx, q.queueKey(queueName)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (q *RedisQueue) QueuesDetail(ctx context.Context) (map[string]int, error) {
	names, err := q.client.SMembers(ctx, q.registryKey()).Result()
	if err != nil {
		return nil, err
	}
	detail := make(map[string]int, len(names))
	for _, name := range names {
		n, err := q.Size(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", name, err)
		}
		detail[name] = n
	}
	return detail, nil
}

func (q *RedisQueue) ProcessUnacks(ctx context.Context, queueName string) error {
	now := q.clock()
	ids, err := q.client.ZRangeByScore(ctx, q.unackedKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.unackedKey(queueName), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		score := float64(now.UnixMilli())
		if err := q.client.ZAdd(ctx, q.queueKey(queueName), redis.Z{Score: score, Member: id}).Err(); err != nil {
			return err
		}
	}
	return nil
}
