package identify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisQueue coordinates identifies between processes sharing a token. Each
// identify bucket is a key that lives for one interval; a shard may identify
// once it manages to create the key.
type RedisQueue struct {
	client         redis.UniversalClient
	prefix         string
	tokenHash      string
	maxConcurrency int32
	interval       time.Duration
}

// NewRedisQueue creates a RedisQueue. maxConcurrency must match what
// GET /gateway/bot reports for the token.
func NewRedisQueue(client redis.UniversalClient, prefix, token string, maxConcurrency int32, interval time.Duration) *RedisQueue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	if interval <= 0 {
		interval = DefaultInterval
	}

	return &RedisQueue{
		client:         client,
		prefix:         prefix,
		tokenHash:      TokenHash(token),
		maxConcurrency: maxConcurrency,
		interval:       interval,
	}
}

// Key returns the redis key of the identify bucket the shard belongs to.
func (q *RedisQueue) Key(shard ShardIdentity) string {
	return fmt.Sprintf("%s:identify:%s:%d", q.prefix, q.tokenHash, bucketIndex(shard.ShardID, int(q.maxConcurrency)))
}

// Request blocks until the shard's bucket key could be claimed.
func (q *RedisQueue) Request(ctx context.Context, shard ShardIdentity) error {
	key := q.Key(shard)

	for {
		claimed, err := q.client.SetNX(ctx, key, shard.String(), q.interval).Result()
		if err != nil {
			return fmt.Errorf("failed to claim identify bucket: %w", err)
		}

		if claimed {
			return nil
		}

		ttl, err := q.client.PTTL(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read identify bucket ttl: %w", err)
		}

		// A key without expiry should not exist, poll instead of spinning.
		if ttl <= 0 {
			ttl = q.interval
		}

		if err := sleep(ctx, ttl); err != nil {
			return err
		}
	}
}

// EstimateIdentifyDuration assumes this process is the only one identifying.
func (q *RedisQueue) EstimateIdentifyDuration(shards int32) time.Duration {
	rounds := (shards + q.maxConcurrency - 1) / q.maxConcurrency

	return time.Duration(rounds) * q.interval
}
