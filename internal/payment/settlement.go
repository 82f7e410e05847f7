package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/discount"
	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/ariefcatur/go-order-reservation/internal/orders"
	"github.com/ariefcatur/go-order-reservation/internal/reservation"
	"github.com/shopspring/decimal"
)

// Outcome states of a handled notification.
const (
	StatePaid             = "paid"
	StateFailed           = "failed"
	StateAlreadyPaid      = "already_paid"
	StateAlreadyCancelled = "already_cancelled"
)

// Ack result codes.
const (
	AckOK        = 0
	AckRejected  = 1
	AckSignature = 97
)

type OrderStore interface {
	FindByNumber(ctx context.Context, number string) (*orders.Order, error)
	FindByID(ctx context.Context, id int64) (*orders.Order, error)
	InSettlementTx(ctx context.Context, fn func(tx orders.SettlementTx) error) error
}

type Reservations interface {
	Snapshot(ctx context.Context, orderID int64) (reservation.Snapshot, error)
	Release(ctx context.Context, orderID int64) (bool, error)
	MarkForReconciliation(ctx context.Context, orderID int64, kind string) error
}

// StatusCache drops cached order reads once settlement changed the order.
type StatusCache interface {
	Forget(ctx context.Context, orderID int64) error
}

type Settlement struct {
	Orders           OrderStore
	Reservations     Reservations
	Signer           Signer
	AmountMultiplier int64
	Events           *orders.Emitter
	Status           StatusCache
	Now              func() time.Time
}

type Result struct {
	OrderID     int64
	OrderNumber string
	State       string
	Released    bool
	Items       []orders.ItemQty
	DiscountIDs []int64
}

func (s *Settlement) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// HandleIPN settles the notification and builds the acknowledgement. Faults
// that need a human (amount mismatch, stock drift) are still acknowledged
// so the provider stops retrying; they are logged and published instead.
func (s *Settlement) HandleIPN(ctx context.Context, n IPN) Ack {
	res, err := s.Settle(ctx, n)
	switch {
	case err == nil:
		return Ack{ResultCode: AckOK, Message: "IPN processed", OrderID: res.OrderID, State: res.State}
	case errors.Is(err, faults.ErrSignature):
		log.Printf("[payment] ipn order=%q rejected: %v", n.OrderID, err)
		return Ack{ResultCode: AckSignature, Message: "invalid signature"}
	case errors.Is(err, faults.ErrAmountMismatch), errors.Is(err, faults.ErrStockDrift):
		return Ack{ResultCode: AckOK, Message: "IPN received, pending reconciliation"}
	default:
		log.Printf("[payment] ipn order=%q: %v", n.OrderID, err)
		return Ack{ResultCode: AckRejected, Message: err.Error()}
	}
}

// Settle verifies the notification and applies it to the order exactly once.
func (s *Settlement) Settle(ctx context.Context, n IPN) (*Result, error) {
	if !s.Signer.Verify(IPNFieldSets, n.values(), n.Signature) {
		return nil, fmt.Errorf("%w: order %q", faults.ErrSignature, n.OrderID)
	}
	code, ok := n.resultCode()
	if !ok {
		return nil, faults.Validation("resultCode %q is not a number", n.ResultCode)
	}
	order, err := s.resolve(ctx, n.OrderID)
	if err != nil {
		return nil, err
	}

	snap, err := s.Reservations.Snapshot(ctx, order.ID)
	if err != nil {
		// settle with whatever fallback data the database has
		log.Printf("[payment] snapshot order=%d: %v", order.ID, err)
		snap = reservation.Snapshot{}
	}

	res := &Result{OrderID: order.ID, OrderNumber: order.OrderNumber}
	transID := string(n.TransID)
	paid := parseAmount(string(n.Amount))

	err = s.Orders.InSettlementTx(ctx, func(tx orders.SettlementTx) error {
		locked, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if locked.PaymentStatus == orders.PaymentPaid {
			res.State = StateAlreadyPaid
			return nil
		}
		if locked.Status == orders.StatusCancelled {
			res.State = StateAlreadyCancelled
			return nil
		}
		if code != 0 {
			res.State = StateFailed
			return tx.MarkPaymentFailed(ctx, locked.ID, transID, ProviderMoMo)
		}

		expected := NormalizeAmount(locked.NetAmount, s.AmountMultiplier)
		if !paid.Equal(decimal.NewFromInt(expected)) {
			return &AmountMismatchError{Expected: expected, Paid: paid}
		}

		if err := s.materializeProducts(ctx, tx, locked, snap); err != nil {
			return err
		}
		items, err := decrementStock(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		ids, err := s.materializeDiscounts(ctx, tx, locked, snap)
		if err != nil {
			return err
		}
		if err := tx.MarkPaid(ctx, locked.ID, transID, ProviderMoMo); err != nil {
			return err
		}
		if err := tx.ClearCart(ctx, locked.CartID); err != nil {
			return err
		}
		res.State = StatePaid
		res.Items = items
		res.DiscountIDs = ids
		return nil
	})
	if err != nil {
		s.fault(ctx, order, n, err)
		return nil, err
	}

	if (res.State == StatePaid || res.State == StateFailed) && s.Status != nil {
		if err := s.Status.Forget(ctx, order.ID); err != nil {
			log.Printf("[payment] forget status order=%d: %v", order.ID, err)
		}
	}

	released, rerr := s.Reservations.Release(ctx, order.ID)
	if rerr != nil {
		log.Printf("[payment] release order=%d after %s: %v", order.ID, res.State, rerr)
		s.Events.Emit(orders.TopicSettlementFaulted, orders.EventSettlementFaulted, order.ID, orders.SettlementFaultedPayload{
			OrderID: order.ID, OrderRef: n.OrderID, Kind: orders.FaultReleaseFailed, Detail: rerr.Error(), TransID: transID,
		})
	}
	res.Released = released

	switch res.State {
	case StatePaid:
		s.Events.Emit(orders.TopicPaymentSettled, orders.EventPaymentSettled, order.ID, orders.PaymentSettledPayload{
			OrderID: order.ID, OrderNumber: order.OrderNumber, TransID: transID,
			Amount: paid.IntPart(), Items: res.Items, DiscountIDs: res.DiscountIDs,
		})
	case StateFailed:
		s.Events.Emit(orders.TopicPaymentFailed, orders.EventPaymentFailed, order.ID, orders.PaymentFailedPayload{
			OrderID: order.ID, TransID: transID, ResultCode: code, Message: n.Message,
		})
	}
	log.Printf("[payment] order=%d %s state=%s released=%t", order.ID, order.OrderNumber, res.State, released)
	return res, nil
}

// resolve tries the business order number first, then the numeric id.
func (s *Settlement) resolve(ctx context.Context, ref string) (*orders.Order, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, faults.Validation("orderId missing")
	}
	o, err := s.Orders.FindByNumber(ctx, ref)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, faults.ErrNotFound) {
		return nil, err
	}
	id, perr := strconv.ParseInt(ref, 10, 64)
	if perr != nil || id <= 0 {
		return nil, faults.NotFound("order %q", ref)
	}
	return s.Orders.FindByID(ctx, id)
}

func (s *Settlement) fault(ctx context.Context, o *orders.Order, n IPN, err error) {
	var kind string
	payload := orders.SettlementFaultedPayload{OrderID: o.ID, OrderRef: n.OrderID, Detail: err.Error(), TransID: string(n.TransID)}
	var am *AmountMismatchError
	switch {
	case errors.As(err, &am):
		kind = orders.FaultAmountMismatch
		payload.Expected = am.Expected
		payload.Amount = am.Paid.IntPart()
	case errors.Is(err, faults.ErrStockDrift):
		kind = orders.FaultStockDrift
	default:
		return
	}
	payload.Kind = kind
	log.Printf("[payment] ALERT order=%d %s: %v", o.ID, kind, err)
	if merr := s.Reservations.MarkForReconciliation(context.WithoutCancel(ctx), o.ID, kind); merr != nil {
		log.Printf("[payment] mark order=%d for reconciliation: %v", o.ID, merr)
	}
	s.Events.Emit(orders.TopicSettlementFaulted, orders.EventSettlementFaulted, o.ID, payload)
}

type AmountMismatchError struct {
	Expected int64
	Paid     decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch: expected %d, got %s", e.Expected, e.Paid)
}

func (e *AmountMismatchError) Unwrap() error { return faults.ErrAmountMismatch }

func parseAmount(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// materializeProducts writes the order lines once. Quantities come from the
// snapshot, or from the cart when the snapshot is gone. Unit price prefers
// the reserved price, then the cart row, then the current variant price.
func (s *Settlement) materializeProducts(ctx context.Context, tx orders.SettlementTx, o *orders.Order, snap reservation.Snapshot) error {
	exists, err := tx.HasOrderProducts(ctx, o.ID)
	if err != nil || exists {
		return err
	}

	lines, err := tx.CartLines(ctx, o.CartID)
	if err != nil {
		return err
	}
	cart := make(map[int64]orders.CartLine, len(lines))
	for _, l := range lines {
		cart[l.VariationID] = l
	}

	qty := snap.VariantQuantities()
	if len(qty) == 0 {
		for id, l := range cart {
			if l.Quantity > 0 {
				qty[id] = l.Quantity
			}
		}
	}
	if len(qty) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	variants, err := tx.Variants(ctx, ids)
	if err != nil {
		return err
	}

	var rows []orders.OrderProduct
	for _, id := range ids {
		v, ok := variants[id]
		if !ok {
			continue
		}
		price, ok := snap.Price(id)
		if !ok {
			if l, inCart := cart[id]; inCart {
				price = l.CartPrice
			} else {
				price = v.Price
			}
		}
		q := qty[id]
		rows = append(rows, orders.OrderProduct{
			OrderID:       o.ID,
			ProductID:     v.ProductID,
			ProductItemID: v.ProductItemID,
			VariationID:   id,
			Quantity:      q,
			UnitPrice:     price,
			TotalPrice:    price.Mul(decimal.NewFromInt(int64(q))),
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.InsertOrderProducts(ctx, rows)
}

// decrementStock applies the settled quantities to the authoritative stock.
// A single failed guard aborts the whole settlement.
func decrementStock(ctx context.Context, tx orders.SettlementTx, orderID int64) ([]orders.ItemQty, error) {
	qty, err := tx.OrderProductQuantities(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(qty) == 0 {
		return nil, fmt.Errorf("%w: order %d has no line items to settle", faults.ErrStockDrift, orderID)
	}
	ids := make([]int64, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	items := make([]orders.ItemQty, 0, len(ids))
	for _, id := range ids {
		q := qty[id]
		if q <= 0 {
			continue
		}
		ok, err := tx.DecrementStock(ctx, id, q)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: variation %d cannot cover %d", faults.ErrStockDrift, id, q)
		}
		items = append(items, orders.ItemQty{VariationID: id, Qty: q})
	}
	return items, nil
}

// materializeDiscounts records each reserved voucher the customer has not
// used yet and bumps its durable usage counter.
func (s *Settlement) materializeDiscounts(ctx context.Context, tx orders.SettlementTx, o *orders.Order, snap reservation.Snapshot) ([]int64, error) {
	exists, err := tx.HasOrderDiscounts(ctx, o.ID)
	if err != nil || exists {
		return nil, err
	}
	ids := snap.DiscountIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	vouchers, err := tx.Discounts(ctx, ids)
	if err != nil {
		return nil, err
	}

	var applied []int64
	for _, v := range vouchers {
		used, err := tx.HasUserUsedDiscount(ctx, o.CustomerID, v.ID)
		if err != nil {
			return nil, err
		}
		if used {
			continue
		}
		amount, ok := snap.DiscountAmount(v.ID)
		if !ok {
			amount = recompute(v, o)
		}
		if err := tx.InsertOrderDiscount(ctx, orders.OrderDiscount{
			OrderID:    o.ID,
			CustomerID: o.CustomerID,
			DiscountID: v.ID,
			Amount:     amount,
			AppliedAt:  s.now(),
		}); err != nil {
			return nil, err
		}
		if err := tx.IncrementDiscountUsage(ctx, v.ID); err != nil {
			return nil, err
		}
		applied = append(applied, v.ID)
	}
	return applied, nil
}

// recompute prices a voucher against the stored order: system types on the
// subtotal, shipping types on the shipping fee.
func recompute(v discount.Voucher, o *orders.Order) decimal.Decimal {
	base := o.TotalPrice
	if v.Type.IsShipping() {
		base = o.ShippingFee
	}
	if base.IsNegative() {
		base = decimal.Zero
	}
	return discount.Amount(v, base)
}
