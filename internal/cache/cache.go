package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// UnclassifiedLimit caps the quarantine list of callbacks nothing could classify.
const UnclassifiedLimit = 500

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// PushUnclassified stores a raw callback body at the head of the quarantine list.
	PushUnclassified(ctx context.Context, payload []byte) error
	ListUnclassified(ctx context.Context, limit int) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisCache implements the Cache interface using go-redis/v9.
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

// SetJobStatus writes status unless the cached value is terminal or further
// along. Accepted and processing share a rank because a chained job moves
// from accepted back to processing.
func (c *RedisCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	return statusScript.Run(ctx, c.client, []string{JobStatusKey(jobID)}, status, ttl.Milliseconds()).Err()
}

var statusScript = redis.NewScript(`
local rank = {queued = 0, submitted = 1, processing = 2, accepted = 2, succeeded = 4, failed = 4, canceled = 4}
local key = KEYS[1]
local status = ARGV[1]
local ttl = tonumber(ARGV[2])

local current = redis.call('GET', key)
if current then
  local old = rank[current] or -1
  local new = rank[status] or -1
  if old == 4 or new < old then return 0 end
end

if ttl > 0 then
  redis.call('SET', key, status, 'PX', ttl)
else
  redis.call('SET', key, status)
end
return 1
`)

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
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

func (c *RedisCache) PushUnclassified(ctx context.Context, payload []byte) error {
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, UnclassifiedKey, payload)
	pipe.LTrim(ctx, UnclassifiedKey, 0, UnclassifiedLimit-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ListUnclassified(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > UnclassifiedLimit {
		limit = UnclassifiedLimit
	}
	return c.client.LRange(ctx, UnclassifiedKey, 0, int64(limit-1)).Result()
}

func (c *RedisCache) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, channel, payload).Err()
}
