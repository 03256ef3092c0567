package messaging

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

func init() {
	Register("redis", func() Client { return &RedisClient{} })
}

type RedisClient struct {
	Redis *redis.Client

	channel string
}

func (redisMQ *RedisClient) String() string {
	return "redis"
}

func (redisMQ *RedisClient) Channel() string {
	return redisMQ.channel
}

func (redisMQ *RedisClient) Connect(ctx context.Context, clientName string, args map[string]interface{}) error {
	address, err := requireString("redis", args, "Address")
	if err != nil {
		return err
	}

	redisMQ.channel = optionalString(args, "Channel", "")

	redisMQ.Redis = redis.NewClient(&redis.Options{
		Addr:     address,
		Password: optionalString(args, "Password", ""),
		DB:       optionalInt(args, "DB", 0),
	})

	if err := redisMQ.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connect ping: %w", err)
	}

	return nil
}

func (redisMQ *RedisClient) Publish(ctx context.Context, channel string, data []byte) error {
	return redisMQ.Redis.Publish(ctx, channel, data).Err()
}

func (redisMQ *RedisClient) Close() error {
	if redisMQ.Redis == nil {
		return nil
	}

	return redisMQ.Redis.Close()
}
