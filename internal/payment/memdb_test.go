package payment

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-order-reservation/internal/discount"
	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/ariefcatur/go-order-reservation/internal/orders"
)

// memState is an in-memory stand-in for the relational tables settlement
// touches. Transactions work on a clone that is swapped in on commit.
type memState struct {
	orders         map[int64]orders.Order
	cartLines      map[int64][]orders.CartLine
	variants       map[int64]orders.Variant
	products       map[int64][]orders.OrderProduct
	discounts      map[int64]discount.Voucher
	orderDiscounts []orders.OrderDiscount
	clearedCarts   map[int64]bool
}

func newMemState() memState {
	return memState{
		orders:       map[int64]orders.Order{},
		cartLines:    map[int64][]orders.CartLine{},
		variants:     map[int64]orders.Variant{},
		products:     map[int64][]orders.OrderProduct{},
		discounts:    map[int64]discount.Voucher{},
		clearedCarts: map[int64]bool{},
	}
}

func (s memState) clone() memState {
	c := newMemState()
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.cartLines {
		c.cartLines[k] = append([]orders.CartLine(nil), v...)
	}
	for k, v := range s.variants {
		c.variants[k] = v
	}
	for k, v := range s.products {
		c.products[k] = append([]orders.OrderProduct(nil), v...)
	}
	for k, v := range s.discounts {
		c.discounts[k] = v
	}
	c.orderDiscounts = append([]orders.OrderDiscount(nil), s.orderDiscounts...)
	for k, v := range s.clearedCarts {
		c.clearedCarts[k] = v
	}
	return c
}

type memDB struct {
	mu sync.Mutex
	st memState
}

func (m *memDB) FindByNumber(_ context.Context, number string) (*orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.st.orders {
		if o.OrderNumber == number {
			o := o
			return &o, nil
		}
	}
	return nil, faults.NotFound("order %q", number)
}

func (m *memDB) FindByID(_ context.Context, id int64) (*orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.st.orders[id]
	if !ok {
		return nil, faults.NotFound("order %d", id)
	}
	return &o, nil
}

// InSettlementTx holds the lock for the whole transaction, which is how the
// row lock behaves for a single order.
func (m *memDB) InSettlementTx(_ context.Context, fn func(tx orders.SettlementTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(&memTx{st: &work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *memDB) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.clone()
}

type memTx struct{ st *memState }

func (t *memTx) LockOrder(_ context.Context, id int64) (*orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, faults.NotFound("order %d", id)
	}
	return &o, nil
}

func (t *memTx) MarkPaymentFailed(_ context.Context, id int64, transID, provider string) error {
	o := t.st.orders[id]
	o.PaymentStatus = orders.PaymentFailed
	o.Status = orders.StatusCancelled
	o.PaymentTransactionID = transID
	o.PaymentProvider, o.PaymentMethod = provider, provider
	t.st.orders[id] = o
	return nil
}

func (t *memTx) MarkPaid(_ context.Context, id int64, transID, provider string) error {
	o := t.st.orders[id]
	o.PaymentStatus = orders.PaymentPaid
	o.Status = orders.StatusProcessing
	o.PaymentTransactionID = transID
	o.PaymentProvider, o.PaymentMethod = provider, provider
	t.st.orders[id] = o
	return nil
}

func (t *memTx) HasOrderProducts(_ context.Context, orderID int64) (bool, error) {
	return len(t.st.products[orderID]) > 0, nil
}

func (t *memTx) InsertOrderProducts(_ context.Context, rows []orders.OrderProduct) error {
	for _, r := range rows {
		t.st.products[r.OrderID] = append(t.st.products[r.OrderID], r)
	}
	return nil
}

func (t *memTx) OrderProductQuantities(_ context.Context, orderID int64) (map[int64]int, error) {
	out := map[int64]int{}
	for _, p := range t.st.products[orderID] {
		out[p.VariationID] += p.Quantity
	}
	return out, nil
}

func (t *memTx) CartLines(_ context.Context, cartID int64) ([]orders.CartLine, error) {
	return append([]orders.CartLine(nil), t.st.cartLines[cartID]...), nil
}

func (t *memTx) Variants(_ context.Context, ids []int64) (map[int64]orders.Variant, error) {
	out := map[int64]orders.Variant{}
	for _, id := range ids {
		if v, ok := t.st.variants[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (t *memTx) DecrementStock(_ context.Context, variationID int64, qty int) (bool, error) {
	v, ok := t.st.variants[variationID]
	if !ok || v.Stock < qty {
		return false, nil
	}
	v.Stock -= qty
	t.st.variants[variationID] = v
	return true, nil
}

func (t *memTx) HasOrderDiscounts(_ context.Context, orderID int64) (bool, error) {
	for _, d := range t.st.orderDiscounts {
		if d.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) Discounts(_ context.Context, ids []int64) ([]discount.Voucher, error) {
	var out []discount.Voucher
	for _, id := range ids {
		if v, ok := t.st.discounts[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (t *memTx) HasUserUsedDiscount(_ context.Context, customerID, discountID int64) (bool, error) {
	for _, d := range t.st.orderDiscounts {
		if d.CustomerID == customerID && d.DiscountID == discountID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertOrderDiscount(_ context.Context, od orders.OrderDiscount) error {
	t.st.orderDiscounts = append(t.st.orderDiscounts, od)
	return nil
}

func (t *memTx) IncrementDiscountUsage(_ context.Context, discountID int64) error {
	v := t.st.discounts[discountID]
	v.UsersCount++
	t.st.discounts[discountID] = v
	return nil
}

func (t *memTx) ClearCart(_ context.Context, cartID int64) error {
	delete(t.st.cartLines, cartID)
	t.st.clearedCarts[cartID] = true
	return nil
}
