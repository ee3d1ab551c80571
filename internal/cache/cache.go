package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// Notifier delivers job completion signals so synchronous requests can block
// on a channel instead of polling the store.
type Notifier interface {
	PublishJobUpdate(ctx context.Context, jobID uuid.UUID, status string) error
	SubscribeJobUpdates(ctx context.Context, jobID uuid.UUID) (<-chan string, func(), error)
}

// RedisCache implements Cache and Notifier using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// PublishJobUpdate announces a job status change on the job's channel.
func (c *RedisCache) PublishJobUpdate(ctx context.Context, jobID uuid.UUID, status string) error {
	return c.client.Publish(ctx, JobUpdateChannel(jobID), status).Err()
}

// SubscribeJobUpdates returns a channel of status strings for one job and a
// cancel function that must be called when done.
func (c *RedisCache) SubscribeJobUpdates(ctx context.Context, jobID uuid.UUID) (<-chan string, func(), error) {
	sub := c.client.Subscribe(ctx, JobUpdateChannel(jobID))

	// Force the subscription onto the wire before anyone publishes.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { sub.Close() }
	return out, cancel, nil
}
