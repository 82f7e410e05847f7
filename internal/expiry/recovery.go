// Package expiry releases reservations whose horizon has passed and cancels
// their still-unpaid orders. Keyspace notifications are the fast path; the
// sweeper catches whatever those notifications miss.
package expiry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/orders"
)

type OrderStore interface {
	CancelIfUnpaid(ctx context.Context, id int64) (bool, error)
	ListStaleOpen(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error)
}

type Reservations interface {
	Release(ctx context.Context, orderID int64) (bool, error)
	Alive(ctx context.Context, orderID int64) (bool, error)
	NeedsReconciliation(ctx context.Context, orderID int64) (bool, error)
}

type StatusCache interface {
	Forget(ctx context.Context, orderID int64) error
}

type Outcome struct {
	Released  bool
	Cancelled bool
	// Held is set when the order waits for manual reconciliation.
	Held bool
}

// Recovery is the work shared by the watcher and the sweeper. Every step is
// safe to repeat, so duplicate notifications are harmless.
type Recovery struct {
	Orders       OrderStore
	Reservations Reservations
	Events       *orders.Emitter
	Status       StatusCache
}

func (r *Recovery) Expire(ctx context.Context, orderID int64, source string) (Outcome, error) {
	var out Outcome
	released, err := r.Reservations.Release(ctx, orderID)
	if err != nil {
		return out, fmt.Errorf("release %d: %w", orderID, err)
	}
	out.Released = released

	held, err := r.Reservations.NeedsReconciliation(ctx, orderID)
	if err != nil {
		return out, fmt.Errorf("reconcile flag %d: %w", orderID, err)
	}
	if held {
		out.Held = true
		log.Printf("[expiry] order=%d flagged for reconciliation, not cancelling (%s)", orderID, source)
		return out, nil
	}

	cancelled, err := r.Orders.CancelIfUnpaid(ctx, orderID)
	if err != nil {
		return out, fmt.Errorf("cancel %d: %w", orderID, err)
	}
	out.Cancelled = cancelled
	if cancelled {
		if r.Status != nil {
			if err := r.Status.Forget(ctx, orderID); err != nil {
				log.Printf("[expiry] forget status order=%d: %v", orderID, err)
			}
		}
		r.Events.Emit(orders.TopicOrderCancelled, orders.EventOrderCancelled, orderID, orders.OrderCancelledPayload{
			OrderID: orderID,
			Reason:  orders.CancelReservationExpired,
			Detail:  source,
		})
	}
	log.Printf("[expiry] order=%d source=%s released=%t cancelled=%t", orderID, source, released, cancelled)
	return out, nil
}
