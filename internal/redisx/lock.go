package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// CartLocker guards placeOrder per cart. The token makes sure only the
// holder releases the lock.
type CartLocker struct {
	Redis *redis.Client
	TTL   time.Duration
}

func (l *CartLocker) Acquire(ctx context.Context, cartID int64) (func(), bool, error) {
	key := fmt.Sprintf(KeyCheckoutLock, cartID)
	token := uuid.NewString()
	ok, err := l.Redis.SetNX(ctx, key, token, l.TTL).Result()
	if err != nil || !ok {
		return func() {}, ok, err
	}
	release := func() {
		_ = unlockScript.Run(context.Background(), l.Redis, []string{key}, token).Err()
	}
	return release, true, nil
}
