// Package alerts persists settlement faults published by the API so they can
// be reconciled by hand.
package alerts

import (
	"context"
	"fmt"
	"log"
	"time"

	kafkax "github.com/ariefcatur/go-order-reservation/internal/kafka"
	"github.com/ariefcatur/go-order-reservation/internal/orders"
	"github.com/ariefcatur/go-order-reservation/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

type Alert struct {
	EventID    string
	OrderID    int64
	OrderRef   string
	Kind       string
	Detail     string
	TransID    string
	Amount     int64
	Expected   int64
	OccurredAt time.Time
}

type Repository interface {
	// RecordAlert reports false when the event was already stored.
	RecordAlert(ctx context.Context, a Alert) (bool, error)
}

type Service struct {
	Repo        Repository
	Redis       *redis.Client
	ServiceName string
}

// HandleSettlementFaulted: dipasang sebagai handler consumer.
func (s *Service) HandleSettlementFaulted(ctx context.Context, m kafkago.Message) error {
	// 1) decode envelope
	env, err := kafkax.Decode[orders.Envelope](m.Value)
	if err != nil {
		return err
	}
	if env.EventType != orders.EventSettlementFaulted {
		return nil
	} // ignore

	// 2) dedup via Redis (pakai event_id)
	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	fresh, err := s.Redis.SetNX(ctx, dkey, "1", redisx.TTLDedup).Result()
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	if !fresh {
		return nil
	}

	// 3) decode payload & simpan
	p, err := kafkax.Decode[orders.SettlementFaultedPayload](env.Payload)
	if err == nil {
		_, err = s.Repo.RecordAlert(ctx, Alert{
			EventID:    env.EventID,
			OrderID:    p.OrderID,
			OrderRef:   p.OrderRef,
			Kind:       p.Kind,
			Detail:     p.Detail,
			TransID:    p.TransID,
			Amount:     p.Amount,
			Expected:   p.Expected,
			OccurredAt: env.OccurredAt,
		})
	}
	if err != nil {
		// biar retry berikutnya tidak dianggap duplikat
		_ = s.Redis.Del(context.WithoutCancel(ctx), dkey).Err()
		return err
	}
	log.Printf("[alerts] order=%d kind=%s event=%s: %s", p.OrderID, p.Kind, env.EventID, p.Detail)
	return nil
}
