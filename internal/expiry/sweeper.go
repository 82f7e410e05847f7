package expiry

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically recovers open unpaid orders whose reservation
// sentinel is gone without a delivered notification.
type Sweeper struct {
	Recovery *Recovery
	TTL      time.Duration
	Grace    time.Duration
	Batch    int
	Now      func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Sweep pages through every stale open order and reports how many it
// recovered. Orders held for reconciliation stay open, so paging by id keeps
// them from starving the ones behind them.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}
	cutoff := s.now().Add(-s.TTL - s.Grace)

	n := 0
	var after int64
	for {
		ids, err := s.Recovery.Orders.ListStaleOpen(ctx, cutoff, after, batch)
		if err != nil {
			return n, err
		}
		n += s.recoverPage(ctx, ids)
		if len(ids) < batch {
			return n, nil
		}
		after = ids[len(ids)-1]
		if err := ctx.Err(); err != nil {
			return n, err
		}
	}
}

func (s *Sweeper) recoverPage(ctx context.Context, ids []int64) int {
	n := 0
	for _, id := range ids {
		alive, err := s.Recovery.Reservations.Alive(ctx, id)
		if err != nil {
			log.Printf("[sweeper] order=%d alive check: %v", id, err)
			continue
		}
		if alive {
			continue
		}
		out, err := s.Recovery.Expire(ctx, id, "sweep")
		if err != nil {
			log.Printf("[sweeper] order=%d: %v", id, err)
			continue
		}
		if out.Released || out.Cancelled {
			n++
		}
	}
	return n
}

// Start runs Sweep on the cron spec until ctx is done.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		n, err := s.Sweep(runCtx)
		if err != nil {
			log.Printf("[sweeper] sweep: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[sweeper] recovered %d orders", n)
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	log.Printf("[sweeper] scheduled %q, ttl=%s grace=%s", spec, s.TTL, s.Grace)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
