// Package checkout prices a cart and turns it into a confirmed order that
// holds a reservation and a pending payment request.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/discount"
	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/ariefcatur/go-order-reservation/internal/orders"
	"github.com/ariefcatur/go-order-reservation/internal/payment"
	"github.com/ariefcatur/go-order-reservation/internal/reservation"
	"github.com/shopspring/decimal"
)

type OrderStore interface {
	FindCart(ctx context.Context, userID int64) (*orders.Cart, error)
	CartLines(ctx context.Context, cartID int64) ([]orders.CartLine, error)
	FindOpenByCart(ctx context.Context, cartID int64) (*orders.Order, error)
	Create(ctx context.Context, o *orders.Order) error
	Confirm(ctx context.Context, id int64, requestID string) (bool, error)
	CancelIfUnpaid(ctx context.Context, id int64) (bool, error)
	StockByVariations(ctx context.Context, ids []int64) (map[int64]int, error)
}

type Discounts interface {
	Apply(ctx context.Context, userID int64, sel discount.Selection, subtotal, shippingFee decimal.Decimal) (discount.Breakdown, error)
	Validate(ctx context.Context, code string, allowed []discount.Type, userID int64, orderAmount decimal.Decimal) (*discount.Voucher, error)
}

type Reserver interface {
	Reserve(ctx context.Context, req reservation.Request) error
	Release(ctx context.Context, orderID int64) (bool, error)
	SaveMeta(ctx context.Context, orderID int64, prices, discounts map[int64]decimal.Decimal) error
}

type PaymentGateway interface {
	CreatePayment(ctx context.Context, req payment.CreateRequest) (*payment.CreateResponse, error)
}

type Locker interface {
	Acquire(ctx context.Context, cartID int64) (release func(), ok bool, err error)
}

type Request struct {
	ShippingFee  *decimal.Decimal // nil = default fee
	SystemCode   string
	ShippingCode string
}

func (r Request) selection() discount.Selection {
	return discount.Selection{SystemCode: r.SystemCode, ShippingCode: r.ShippingCode}
}

type Quote struct {
	CartID      int64
	Lines       []orders.CartLine
	Subtotal    decimal.Decimal
	ShippingFee decimal.Decimal
	Discounts   discount.Breakdown
	Total       decimal.Decimal
}

type Placement struct {
	Order *orders.Order
	// Existing is set when an open order for the cart was returned as is.
	Existing  bool
	Quote     *Quote
	Payment   *payment.CreateResponse
	TTL       time.Duration
	ExpiresAt time.Time
}

type Service struct {
	Orders       OrderStore
	Discounts    Discounts
	Reservations Reserver
	Gateway      PaymentGateway
	Locker       Locker
	Events       *orders.Emitter

	ReservationTTL     time.Duration
	DefaultShippingFee decimal.Decimal
	Now                func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) ttl() time.Duration {
	if s.ReservationTTL <= 0 {
		return reservation.DefaultTTL
	}
	return s.ReservationTTL
}

// Quote prices the user's cart without side effects.
func (s *Service) Quote(ctx context.Context, userID int64, req Request) (*Quote, error) {
	if userID <= 0 {
		return nil, faults.Validation("user id required")
	}
	cart, err := s.Orders.FindCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.quote(ctx, cart, req)
}

func (s *Service) quote(ctx context.Context, cart *orders.Cart, req Request) (*Quote, error) {
	fee := s.DefaultShippingFee
	if req.ShippingFee != nil {
		if req.ShippingFee.IsNegative() {
			return nil, faults.Validation("shipping fee must not be negative")
		}
		fee = *req.ShippingFee
	}

	lines, err := s.Orders.CartLines(ctx, cart.ID)
	if err != nil {
		return nil, fmt.Errorf("cart lines: %w", err)
	}
	if err := orders.ValidateLines(lines); err != nil {
		return nil, err
	}
	subtotal := orders.Subtotal(lines)

	b, err := s.Discounts.Apply(ctx, cart.UserID, req.selection(), subtotal, fee)
	if err != nil {
		return nil, err
	}

	total := subtotal.Add(fee).Sub(b.Total())
	if total.IsNegative() {
		total = decimal.Zero
	}
	return &Quote{
		CartID:      cart.ID,
		Lines:       lines,
		Subtotal:    subtotal,
		ShippingFee: fee,
		Discounts:   b,
		Total:       total,
	}, nil
}

// PlaceOrder creates the order, reserves its stock and vouchers, and asks
// the payment provider for a payment request. Any failure after the order
// row exists cancels it and releases whatever was reserved.
func (s *Service) PlaceOrder(ctx context.Context, userID int64, req Request) (*Placement, error) {
	if userID <= 0 {
		return nil, faults.Validation("user id required")
	}
	cart, err := s.Orders.FindCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.Locker != nil {
		release, ok, err := s.Locker.Acquire(ctx, cart.ID)
		if err != nil {
			return nil, fmt.Errorf("checkout lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: checkout already in progress for cart %d", faults.ErrConflict, cart.ID)
		}
		defer release()
	}

	q, err := s.quote(ctx, cart, req)
	if err != nil {
		return nil, err
	}

	open, err := s.Orders.FindOpenByCart(ctx, cart.ID)
	if err != nil {
		return nil, fmt.Errorf("find open order: %w", err)
	}
	if open != nil {
		return &Placement{Order: open, Existing: true, TTL: s.ttl()}, nil
	}

	now := s.now()
	o := &orders.Order{
		OrderNumber:    orders.NewOrderNumber(now),
		CartID:         cart.ID,
		CustomerID:     userID,
		TotalPrice:     q.Subtotal,
		DiscountAmount: q.Discounts.Total(),
		ShippingFee:    q.ShippingFee,
		NetAmount:      q.Total,
		Status:         orders.StatusPending,
		PaymentStatus:  orders.PaymentPending,
	}
	if err := s.Orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	vouchers, err := s.revalidate(ctx, userID, q)
	if err != nil {
		s.abandon(ctx, o, orders.CancelVoucherRejected, err, false)
		return nil, err
	}

	if err := s.reserve(ctx, o, q, vouchers); err != nil {
		// a lost reply may hide a script that did run; only a capacity
		// rejection is known to have left nothing behind
		var ie *reservation.InsufficientError
		s.abandon(ctx, o, orders.CancelReservationFailed, err, !errors.As(err, &ie))
		return nil, err
	}

	if err := s.Reservations.SaveMeta(ctx, o.ID, priceMap(q.Lines), discountMap(q.Discounts)); err != nil {
		s.abandon(ctx, o, orders.CancelReservationFailed, err, true)
		return nil, err
	}

	resp, err := s.Gateway.CreatePayment(ctx, payment.CreateRequest{
		OrderRef:  o.OrderNumber,
		Amount:    o.NetAmount,
		OrderInfo: fmt.Sprintf("Payment for order %s", o.OrderNumber),
	})
	if err != nil {
		if !errors.Is(err, faults.ErrPayment) {
			err = fmt.Errorf("%w: %v", faults.ErrPayment, err)
		}
		s.abandon(ctx, o, orders.CancelPaymentRequest, err, true)
		return nil, err
	}

	ok, err := s.Orders.Confirm(ctx, o.ID, resp.RequestID)
	if err != nil {
		s.abandon(ctx, o, orders.CancelPaymentRequest, err, true)
		return nil, fmt.Errorf("confirm order: %w", err)
	}
	if !ok {
		// cancelled underneath us, most likely by expiry
		s.release(ctx, o.ID)
		return nil, fmt.Errorf("%w: order %d is no longer pending", faults.ErrConflict, o.ID)
	}
	o.Status = orders.StatusConfirmed
	o.PaymentRequestID = resp.RequestID

	ttl := s.ttl()
	expires := now.Add(ttl)
	s.Events.Emit(orders.TopicOrderConfirmed, orders.EventOrderConfirmed, o.ID, orders.OrderConfirmedPayload{
		OrderID:          o.ID,
		OrderNumber:      o.OrderNumber,
		CustomerID:       o.CustomerID,
		NetAmount:        o.NetAmount.String(),
		PaymentRequestID: resp.RequestID,
		ReservedUntil:    expires,
	})
	log.Printf("[checkout] order %s (%d) confirmed, net=%s", o.OrderNumber, o.ID, o.NetAmount)

	return &Placement{Order: o, Quote: q, Payment: resp, TTL: ttl, ExpiresAt: expires}, nil
}

// revalidate re-checks the selected vouchers against current quota and
// usage and returns the matching reservation requests.
func (s *Service) revalidate(ctx context.Context, userID int64, q *Quote) ([]reservation.VoucherRequest, error) {
	var out []reservation.VoucherRequest
	check := func(a *discount.Applied, allowed []discount.Type) error {
		if a == nil {
			return nil
		}
		v, err := s.Discounts.Validate(ctx, a.Voucher.Code, allowed, userID, q.Subtotal)
		if err != nil {
			return err
		}
		out = append(out, reservation.VoucherRequest{
			DiscountID: v.ID,
			UserID:     userID,
			MaxUses:    v.MaxUses,
			UsersCount: v.UsersCount,
		})
		return nil
	}
	if err := check(q.Discounts.System, discount.SystemTypes); err != nil {
		return nil, err
	}
	if err := check(q.Discounts.Shipping, discount.ShippingTypes); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) reserve(ctx context.Context, o *orders.Order, q *Quote, vouchers []reservation.VoucherRequest) error {
	ids := make([]int64, 0, len(q.Lines))
	for _, l := range q.Lines {
		ids = append(ids, l.VariationID)
	}
	stock, err := s.Orders.StockByVariations(ctx, ids)
	if err != nil {
		return fmt.Errorf("%w: read stock: %v", faults.ErrReservation, err)
	}

	req := reservation.Request{OrderID: o.ID, TTL: s.ttl(), Vouchers: vouchers}
	for _, l := range q.Lines {
		avail, ok := stock[l.VariationID]
		if !ok {
			return faults.NotFound("variation %d", l.VariationID)
		}
		req.Stock = append(req.Stock, reservation.StockRequest{
			VariationID: l.VariationID,
			Quantity:    l.Quantity,
			RealStock:   avail,
		})
	}
	return s.Reservations.Reserve(ctx, req)
}

// abandon cancels an order that could not be placed. Compensation runs even
// when the request context is already gone.
func (s *Service) abandon(ctx context.Context, o *orders.Order, reason string, cause error, release bool) {
	ctx = context.WithoutCancel(ctx)
	log.Printf("[checkout] abandon order %d: %s: %v", o.ID, reason, cause)
	if release {
		s.release(ctx, o.ID)
	}
	if _, err := s.Orders.CancelIfUnpaid(ctx, o.ID); err != nil {
		log.Printf("[checkout] cancel order %d: %v", o.ID, err)
		return
	}
	o.Status = orders.StatusCancelled
	s.Events.Emit(orders.TopicOrderCancelled, orders.EventOrderCancelled, o.ID, orders.OrderCancelledPayload{
		OrderID: o.ID,
		Reason:  reason,
		Detail:  cause.Error(),
	})
}

func (s *Service) release(ctx context.Context, orderID int64) {
	if _, err := s.Reservations.Release(context.WithoutCancel(ctx), orderID); err != nil {
		log.Printf("[checkout] release order %d: %v", orderID, err)
	}
}

func priceMap(lines []orders.CartLine) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal, len(lines))
	for _, l := range lines {
		out[l.VariationID] = l.UnitPrice
	}
	return out
}

func discountMap(b discount.Breakdown) map[int64]decimal.Decimal {
	out := map[int64]decimal.Decimal{}
	for _, a := range []*discount.Applied{b.System, b.Shipping} {
		if a != nil {
			out[a.Voucher.ID] = a.Amount
		}
	}
	return out
}
