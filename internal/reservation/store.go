// Package reservation holds stock and voucher quota for unpaid orders in
// Redis. Every mutation of the reserved counters goes through Reserve or
// Release, each of which runs as a single server-side script.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/ariefcatur/go-order-reservation/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const DefaultTTL = 300 * time.Second

type StockRequest struct {
	VariationID int64
	Quantity    int
	// RealStock is a fresh read of the authoritative stock column.
	RealStock int
}

type VoucherRequest struct {
	DiscountID int64
	UserID     int64
	MaxUses    int // 0 = unlimited
	UsersCount int
}

type Request struct {
	OrderID  int64
	TTL      time.Duration
	Stock    []StockRequest
	Vouchers []VoucherRequest
}

// Reason values reported by InsufficientError.
const (
	ReasonStock          = "stock"
	ReasonVoucherQuota   = "voucher_quota"
	ReasonVoucherClaimed = "voucher_claimed"
)

// InsufficientError names the first resource that could not be reserved.
type InsufficientError struct {
	Reason string
	Key    string
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient %s: %s", e.Reason, e.Key)
}

func (e *InsufficientError) Unwrap() error { return faults.ErrInsufficientResource }

type Store struct {
	Redis *redis.Client
}

func NewStore(rdb *redis.Client) *Store { return &Store{Redis: rdb} }

func (s *Store) Reserve(ctx context.Context, req Request) error {
	stock, err := normalize(req)
	if err != nil {
		return err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ttlSeconds := int64(ttl / time.Second)

	rk := redisx.Reservation(req.OrderID)
	keys := []string{rk.Items, rk.Vouchers, rk.TTL}
	args := []any{
		strconv.FormatInt(req.OrderID, 10),
		ttlSeconds,
		len(stock),
		len(req.Vouchers),
	}
	for _, st := range stock {
		keys = append(keys, redisx.VariantReserved(st.VariationID))
	}
	for _, v := range req.Vouchers {
		keys = append(keys, redisx.DiscountReserved(v.DiscountID), redisx.DiscountUserReserved(v.DiscountID, v.UserID))
	}
	for _, st := range stock {
		args = append(args, st.Quantity, st.RealStock)
	}
	for _, v := range req.Vouchers {
		args = append(args, v.MaxUses, v.UsersCount)
	}

	res, err := reserveScript.Run(ctx, s.Redis, keys, args...).StringSlice()
	if err != nil {
		return fmt.Errorf("%w: reserve script: %v", faults.ErrReservation, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("%w: unexpected reserve reply %v", faults.ErrReservation, res)
	}
	switch res[0] {
	case "OK":
		return nil
	case "INSUFFICIENT_STOCK":
		return &InsufficientError{Reason: ReasonStock, Key: res[1]}
	case "VOUCHER_EXHAUSTED":
		return &InsufficientError{Reason: ReasonVoucherQuota, Key: res[1]}
	case "VOUCHER_CLAIMED":
		return &InsufficientError{Reason: ReasonVoucherClaimed, Key: res[1]}
	case "ALREADY_RESERVED":
		return fmt.Errorf("%w: order %d already holds a reservation", faults.ErrReservation, req.OrderID)
	default:
		return fmt.Errorf("%w: unexpected reserve status %q", faults.ErrReservation, res[0])
	}
}

// normalize validates the request and folds duplicate variations into a
// single stock request.
func normalize(req Request) ([]StockRequest, error) {
	if req.OrderID <= 0 {
		return nil, fmt.Errorf("%w: order id must be positive", faults.ErrReservation)
	}
	if req.TTL > 0 && req.TTL < time.Second {
		return nil, fmt.Errorf("%w: ttl below one second", faults.ErrReservation)
	}
	if len(req.Stock) == 0 {
		return nil, fmt.Errorf("%w: nothing to reserve", faults.ErrReservation)
	}

	idx := map[int64]int{}
	var out []StockRequest
	for _, st := range req.Stock {
		if st.VariationID <= 0 || st.Quantity <= 0 || st.RealStock < 0 {
			return nil, fmt.Errorf("%w: bad stock request %+v", faults.ErrReservation, st)
		}
		if i, ok := idx[st.VariationID]; ok {
			out[i].Quantity += st.Quantity
			continue
		}
		idx[st.VariationID] = len(out)
		out = append(out, st)
	}

	seen := map[int64]bool{}
	for _, v := range req.Vouchers {
		if v.DiscountID <= 0 || v.UserID <= 0 || v.MaxUses < 0 || v.UsersCount < 0 {
			return nil, fmt.Errorf("%w: bad voucher request %+v", faults.ErrReservation, v)
		}
		if seen[v.DiscountID] {
			return nil, fmt.Errorf("%w: voucher %d requested twice", faults.ErrReservation, v.DiscountID)
		}
		seen[v.DiscountID] = true
	}
	return out, nil
}

// Release frees everything held for the order. It reports false when there
// was nothing left to release; calling it again is always safe.
func (s *Store) Release(ctx context.Context, orderID int64) (bool, error) {
	rk := redisx.Reservation(orderID)
	keys := []string{rk.Items, rk.Vouchers, rk.Discounts, rk.Prices, rk.TTL}
	res, err := releaseScript.Run(ctx, s.Redis, keys).Text()
	if err != nil {
		return false, fmt.Errorf("%w: release script: %v", faults.ErrReservation, err)
	}
	return res == "RELEASED", nil
}

// SaveMeta stores the per-variation price and per-discount amount computed at
// placement time next to the snapshot. Like the snapshot it has no expiry.
// It fails when the reservation was already released.
func (s *Store) SaveMeta(ctx context.Context, orderID int64, prices, discounts map[int64]decimal.Decimal) error {
	if len(prices) == 0 && len(discounts) == 0 {
		return nil
	}
	rk := redisx.Reservation(orderID)
	args := append([]any{len(prices)}, flatten(prices)...)
	args = append(args, len(discounts))
	args = append(args, flatten(discounts)...)

	saved, err := saveMetaScript.Run(ctx, s.Redis, []string{rk.TTL, rk.Prices, rk.Discounts}, args...).Int()
	if err != nil {
		return fmt.Errorf("%w: save meta: %v", faults.ErrReservation, err)
	}
	if saved == 0 {
		return fmt.Errorf("%w: order %d has no live reservation", faults.ErrReservation, orderID)
	}
	return nil
}

func flatten(m map[int64]decimal.Decimal) []any {
	out := make([]any, 0, len(m)*2)
	for id, v := range m {
		out = append(out, strconv.FormatInt(id, 10), v.String())
	}
	return out
}

func (s *Store) Snapshot(ctx context.Context, orderID int64) (Snapshot, error) {
	rk := redisx.Reservation(orderID)
	var items, vouchers, discounts, prices *redis.MapStringStringCmd
	_, err := s.Redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		items = p.HGetAll(ctx, rk.Items)
		vouchers = p.HGetAll(ctx, rk.Vouchers)
		discounts = p.HGetAll(ctx, rk.Discounts)
		prices = p.HGetAll(ctx, rk.Prices)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("read snapshot %d: %w", orderID, err)
	}
	return Snapshot{
		Items:     items.Val(),
		Vouchers:  vouchers.Val(),
		Discounts: discounts.Val(),
		Prices:    prices.Val(),
	}, nil
}

// Alive reports whether the order's TTL sentinel still exists.
func (s *Store) Alive(ctx context.Context, orderID int64) (bool, error) {
	n, err := s.Redis.Exists(ctx, redisx.Reservation(orderID).TTL).Result()
	return n > 0, err
}

// MarkForReconciliation flags an order whose settlement faulted. Flagged
// orders are left alone by expiry until someone clears the flag by hand.
func (s *Store) MarkForReconciliation(ctx context.Context, orderID int64, kind string) error {
	return s.Redis.Set(ctx, fmt.Sprintf(redisx.KeyReconcile, orderID), kind, 0).Err()
}

func (s *Store) NeedsReconciliation(ctx context.Context, orderID int64) (bool, error) {
	n, err := s.Redis.Exists(ctx, fmt.Sprintf(redisx.KeyReconcile, orderID)).Result()
	return n > 0, err
}
