package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Cache stores opaque JSON blobs under formatted keys. Replay responses, the order
// status view and consumer dedup markers all go through it.
type Cache struct {
	rdb redis.Cmdable
}

func NewCache(rdb redis.Cmdable) *Cache { return &Cache{rdb: rdb} }

func (c *Cache) Remember(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Recall returns (nil, false, nil) on a miss.
func (c *Cache) Recall(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *Cache) Forget(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// MarkOnce sets key only if it is absent; false means someone already did.
func (c *Cache) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, "1", ttl).Result()
}

func ReplayKey(requestKey string) string      { return fmt.Sprintf(KeyIdemOrderCreate, requestKey) }
func StatusKey(orderCode string) string       { return fmt.Sprintf(KeyOrderStatus, orderCode) }
func DedupKey(service, eventID string) string { return fmt.Sprintf(KeyDedup, service, eventID) }
func RateLimitKey(scope, addr string) string  { return fmt.Sprintf(KeyRateLimit, scope, addr) }
