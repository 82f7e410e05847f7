package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StatusCache is the short-lived order status read cache. Writers that
// change an order call Forget so readers never wait out the TTL.
type StatusCache struct {
	Redis *redis.Client
}

func (c *StatusCache) Get(ctx context.Context, orderID int64) ([]byte, bool) {
	b, err := c.Redis.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

func (c *StatusCache) Set(ctx context.Context, orderID int64, body []byte) error {
	return c.Redis.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), body, TTLStatusCache).Err()
}

func (c *StatusCache) Forget(ctx context.Context, orderID int64) error {
	return c.Redis.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}
