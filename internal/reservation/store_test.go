package reservation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), mr
}

func TestReserve_StockCapacity(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.Reserve(ctx, Request{OrderID: 1, TTL: time.Minute, Stock: []StockRequest{{VariationID: 9, Quantity: 5, RealStock: 5}}})
	require.NoError(t, err)

	v, err := mr.Get("variant:9:reserved")
	require.NoError(t, err)
	assert.Equal(t, "5", v)
	assert.Equal(t, "5", mr.HGet("reservation:1:items", "variant:9:reserved"))
	assert.Equal(t, time.Minute, mr.TTL("reservation:1:ttl"))

	err = s.Reserve(ctx, Request{OrderID: 2, TTL: time.Minute, Stock: []StockRequest{{VariationID: 9, Quantity: 1, RealStock: 5}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrInsufficientResource)

	var ie *InsufficientError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, ReasonStock, ie.Reason)
	assert.Equal(t, "variant:9:reserved", ie.Key)

	assert.False(t, mr.Exists("reservation:2:items"), "failed reserve must not leave a snapshot")
	assert.False(t, mr.Exists("reservation:2:ttl"))
}

func TestReserve_NoPartialStateOnFailure(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.Reserve(ctx, Request{
		OrderID: 3,
		Stock: []StockRequest{
			{VariationID: 1, Quantity: 2, RealStock: 10},
			{VariationID: 2, Quantity: 4, RealStock: 3},
		},
		Vouchers: []VoucherRequest{{DiscountID: 7, UserID: 100, MaxUses: 10}},
	})
	require.ErrorIs(t, err, faults.ErrInsufficientResource)

	assert.False(t, mr.Exists("variant:1:reserved"))
	assert.False(t, mr.Exists("discount:7:reserved"))
	assert.False(t, mr.Exists("discount:7:user:100:reserved"))
}

func TestReserve_VoucherQuota(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	stock := []StockRequest{{VariationID: 1, Quantity: 1, RealStock: 100}}

	// max_uses=3, users_count=2: exactly one more slot.
	err := s.Reserve(ctx, Request{OrderID: 10, Stock: stock, Vouchers: []VoucherRequest{{DiscountID: 5, UserID: 1, MaxUses: 3, UsersCount: 2}}})
	require.NoError(t, err)

	err = s.Reserve(ctx, Request{OrderID: 11, Stock: stock, Vouchers: []VoucherRequest{{DiscountID: 5, UserID: 2, MaxUses: 3, UsersCount: 2}}})
	var ie *InsufficientError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, ReasonVoucherQuota, ie.Reason)

	v, _ := mr.Get("discount:5:reserved")
	assert.Equal(t, "1", v)
	u, _ := mr.Get("discount:5:user:1:reserved")
	assert.Equal(t, "10", u)
	assert.Equal(t, "discount:5:reserved", mr.HGet("reservation:10:vouchers", "global:1"))
	assert.Equal(t, "discount:5:user:1:reserved", mr.HGet("reservation:10:vouchers", "user:1"))
}

func TestReserve_ConcurrentVoucherSlot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Reserve(ctx, Request{
				OrderID:  int64(100 + i),
				Stock:    []StockRequest{{VariationID: 1, Quantity: 1, RealStock: 100}},
				Vouchers: []VoucherRequest{{DiscountID: 5, UserID: int64(1 + i), MaxUses: 3, UsersCount: 2}},
			})
			if err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestReserve_OneClaimPerUser(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	stock := []StockRequest{{VariationID: 1, Quantity: 1, RealStock: 100}}

	require.NoError(t, s.Reserve(ctx, Request{OrderID: 20, Stock: stock, Vouchers: []VoucherRequest{{DiscountID: 5, UserID: 1}}}))

	err := s.Reserve(ctx, Request{OrderID: 21, Stock: stock, Vouchers: []VoucherRequest{{DiscountID: 5, UserID: 1}}})
	var ie *InsufficientError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, ReasonVoucherClaimed, ie.Reason)
}

func TestReserve_RejectsBadArguments(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cases := map[string]Request{
		"no order id":     {Stock: []StockRequest{{VariationID: 1, Quantity: 1, RealStock: 1}}},
		"empty":           {OrderID: 1},
		"zero qty":        {OrderID: 1, Stock: []StockRequest{{VariationID: 1, Quantity: 0, RealStock: 1}}},
		"sub-second ttl":  {OrderID: 1, TTL: time.Millisecond, Stock: []StockRequest{{VariationID: 1, Quantity: 1, RealStock: 1}}},
		"voucher twice":   {OrderID: 1, Stock: []StockRequest{{VariationID: 1, Quantity: 1, RealStock: 1}}, Vouchers: []VoucherRequest{{DiscountID: 1, UserID: 1}, {DiscountID: 1, UserID: 1}}},
		"voucher no user": {OrderID: 1, Stock: []StockRequest{{VariationID: 1, Quantity: 1, RealStock: 1}}, Vouchers: []VoucherRequest{{DiscountID: 1}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			err := s.Reserve(ctx, req)
			assert.ErrorIs(t, err, faults.ErrReservation)
		})
	}
}

func TestReserve_MergesDuplicateVariations(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.Reserve(ctx, Request{OrderID: 4, Stock: []StockRequest{
		{VariationID: 1, Quantity: 2, RealStock: 3},
		{VariationID: 1, Quantity: 2, RealStock: 3},
	}})
	require.ErrorIs(t, err, faults.ErrInsufficientResource)
	assert.False(t, mr.Exists("variant:1:reserved"))
}

func TestReserve_SameOrderTwice(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	req := Request{OrderID: 30, Stock: []StockRequest{{VariationID: 1, Quantity: 1, RealStock: 10}}}

	require.NoError(t, s.Reserve(ctx, req))
	err := s.Reserve(ctx, req)
	assert.ErrorIs(t, err, faults.ErrReservation)
}

func TestRelease_Idempotent(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, Request{
		OrderID:  42,
		Stock:    []StockRequest{{VariationID: 1, Quantity: 2, RealStock: 10}, {VariationID: 2, Quantity: 1, RealStock: 10}},
		Vouchers: []VoucherRequest{{DiscountID: 5, UserID: 9, MaxUses: 10}},
	}))
	require.NoError(t, s.Reserve(ctx, Request{OrderID: 43, Stock: []StockRequest{{VariationID: 1, Quantity: 3, RealStock: 10}}}))
	require.NoError(t, s.SaveMeta(ctx, 42,
		map[int64]decimal.Decimal{1: decimal.NewFromInt(1000)},
		map[int64]decimal.Decimal{5: decimal.NewFromInt(50)}))

	released, err := s.Release(ctx, 42)
	require.NoError(t, err)
	assert.True(t, released)

	v, _ := mr.Get("variant:1:reserved")
	assert.Equal(t, "3", v, "other orders' holds stay intact")
	assert.False(t, mr.Exists("variant:2:reserved"), "zeroed counters are deleted")
	assert.False(t, mr.Exists("discount:5:reserved"))
	assert.False(t, mr.Exists("discount:5:user:9:reserved"))
	for _, k := range []string{"items", "vouchers", "discounts", "prices", "ttl"} {
		assert.False(t, mr.Exists("reservation:42:"+k), k)
	}

	released, err = s.Release(ctx, 42)
	require.NoError(t, err)
	assert.False(t, released)
	v, _ = mr.Get("variant:1:reserved")
	assert.Equal(t, "3", v, "second release must not double-decrement")
}

func TestRelease_ClampsAtZero(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, Request{OrderID: 50, Stock: []StockRequest{{VariationID: 1, Quantity: 4, RealStock: 10}}}))
	// Someone tampered with the counter below the snapshot quantity.
	require.NoError(t, mr.Set("variant:1:reserved", "1"))

	_, err := s.Release(ctx, 50)
	require.NoError(t, err)
	assert.False(t, mr.Exists("variant:1:reserved"))
}

func TestSnapshotAndMeta(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, Request{
		OrderID:  60,
		Stock:    []StockRequest{{VariationID: 7, Quantity: 2, RealStock: 5}},
		Vouchers: []VoucherRequest{{DiscountID: 3, UserID: 1}, {DiscountID: 8, UserID: 1}},
	}))
	require.NoError(t, s.SaveMeta(ctx, 60,
		map[int64]decimal.Decimal{7: decimal.RequireFromString("250000")},
		map[int64]decimal.Decimal{3: decimal.NewFromInt(50000), 8: decimal.NewFromInt(40000)}))

	snap, err := s.Snapshot(ctx, 60)
	require.NoError(t, err)
	assert.False(t, snap.Empty())
	assert.Equal(t, map[int64]int{7: 2}, snap.VariantQuantities())
	assert.Equal(t, []int64{3, 8}, snap.DiscountIDs())

	p, ok := snap.Price(7)
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(250000)))
	d, ok := snap.DiscountAmount(8)
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.NewFromInt(40000)))
	_, ok = snap.DiscountAmount(99)
	assert.False(t, ok)

	alive, err := s.Alive(ctx, 60)
	require.NoError(t, err)
	assert.True(t, alive)

	empty, err := s.Snapshot(ctx, 61)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
}

func TestSentinelExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, Request{OrderID: 70, TTL: 2 * time.Second, Stock: []StockRequest{{VariationID: 1, Quantity: 1, RealStock: 1}}}))
	mr.FastForward(3 * time.Second)

	alive, err := s.Alive(ctx, 70)
	require.NoError(t, err)
	assert.False(t, alive)
	assert.True(t, mr.Exists("reservation:70:items"), "only the sentinel expires on its own")
}

// Concurrent reservations never hold more than the real stock.
func TestReserve_NeverOversells(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mr := miniredis.NewMiniRedis()
		if err := mr.Start(); err != nil {
			rt.Fatalf("miniredis: %v", err)
		}
		defer mr.Close()
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer rdb.Close()
		s := NewStore(rdb)

		stock := rapid.IntRange(0, 20).Draw(rt, "stock")
		qtys := rapid.SliceOfN(rapid.IntRange(1, 6), 1, 12).Draw(rt, "qtys")

		var reserved atomic.Int64
		var wg sync.WaitGroup
		for i, q := range qtys {
			wg.Add(1)
			go func(i, q int) {
				defer wg.Done()
				err := s.Reserve(context.Background(), Request{
					OrderID: int64(i + 1),
					Stock:   []StockRequest{{VariationID: 1, Quantity: q, RealStock: stock}},
				})
				if err == nil {
					reserved.Add(int64(q))
				} else if !errors.Is(err, faults.ErrInsufficientResource) {
					rt.Errorf("unexpected error: %v", err)
				}
			}(i, q)
		}
		wg.Wait()

		if got := reserved.Load(); got > int64(stock) {
			rt.Fatalf("reserved %d units against stock %d", got, stock)
		}
	})
}

func TestReconciliationFlag(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	held, err := s.NeedsReconciliation(ctx, 11)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, s.MarkForReconciliation(ctx, 11, "amount_mismatch"))
	held, err = s.NeedsReconciliation(ctx, 11)
	require.NoError(t, err)
	assert.True(t, held)

	v, err := mr.Get("reconcile:11")
	require.NoError(t, err)
	assert.Equal(t, "amount_mismatch", v)
	assert.Zero(t, mr.TTL("reconcile:11"), "flag must not expire on its own")

	// release leaves the flag in place
	_, err = s.Release(ctx, 11)
	require.NoError(t, err)
	assert.True(t, mr.Exists("reconcile:11"))
}

func TestSaveMetaAfterRelease(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, Request{OrderID: 70, Stock: []StockRequest{{VariationID: 7, Quantity: 1, RealStock: 5}}}))
	released, err := s.Release(ctx, 70)
	require.NoError(t, err)
	require.True(t, released)

	err = s.SaveMeta(ctx, 70,
		map[int64]decimal.Decimal{7: decimal.NewFromInt(250000)},
		map[int64]decimal.Decimal{3: decimal.NewFromInt(50000)})
	require.ErrorIs(t, err, faults.ErrReservation)
	assert.False(t, mr.Exists("reservation:70:prices"))
	assert.False(t, mr.Exists("reservation:70:discounts"))
}
