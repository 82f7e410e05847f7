package expiry

import (
	"context"
	"log"

	"github.com/ariefcatur/go-order-reservation/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// ExpiredPattern matches expiry events from every logical database.
const ExpiredPattern = "__keyevent@*__:expired"

type Watcher struct {
	Redis    *redis.Client
	Recovery *Recovery
}

// Run subscribes to expiry events until ctx is done. Delivery is best
// effort; the sweeper covers anything missed while disconnected.
func (w *Watcher) Run(ctx context.Context) error {
	if flags, err := redisx.EnableExpiryEvents(ctx, w.Redis); err != nil {
		log.Printf("[expiry] cannot enable keyspace events, relying on server config: %v", err)
	} else {
		log.Printf("[expiry] notify-keyspace-events=%q", flags)
	}

	sub := w.Redis.PSubscribe(ctx, ExpiredPattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	log.Printf("[expiry] watching %s", ExpiredPattern)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			w.HandleExpired(ctx, msg.Payload)
		}
	}
}

// HandleExpired reacts to one expired key. Keys other than reservation
// sentinels are ignored.
func (w *Watcher) HandleExpired(ctx context.Context, key string) bool {
	orderID, ok := redisx.ParseReservationTTL(key)
	if !ok {
		return false
	}
	if _, err := w.Recovery.Expire(ctx, orderID, "keyspace"); err != nil {
		log.Printf("[expiry] %s: %v", key, err)
	}
	return true
}
