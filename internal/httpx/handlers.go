package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/checkout"
	"github.com/ariefcatur/go-order-reservation/internal/discount"
	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/ariefcatur/go-order-reservation/internal/orders"
	"github.com/ariefcatur/go-order-reservation/internal/payment"
	"github.com/ariefcatur/go-order-reservation/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/shopspring/decimal"
)

const HeaderUserID = "X-User-Id"

type Checkout interface {
	Quote(ctx context.Context, userID int64, req checkout.Request) (*checkout.Quote, error)
	PlaceOrder(ctx context.Context, userID int64, req checkout.Request) (*checkout.Placement, error)
}

type Vouchers interface {
	Available(ctx context.Context, userID int64, types []discount.Type, orderAmount decimal.Decimal) ([]discount.Voucher, error)
}

type IPNHandler interface {
	HandleIPN(ctx context.Context, n payment.IPN) payment.Ack
}

type OrderReader interface {
	FindByID(ctx context.Context, id int64) (*orders.Order, error)
}

type Handler struct {
	Checkout Checkout
	Vouchers Vouchers
	IPN      IPNHandler
	Orders   OrderReader
	Status   *redisx.StatusCache
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/checkout/preview", h.preview)
	r.Post("/checkout/orders", h.placeOrder)
	r.Get("/discounts/available", h.availableDiscounts)
	r.Post("/payments/momo/ipn", h.momoIPN)
	r.Get("/orders/{id}", h.getOrder)
}

func userID(r *http.Request) (int64, error) {
	raw := r.Header.Get(HeaderUserID)
	if raw == "" {
		return 0, faults.Validation("missing %s header", HeaderUserID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, faults.Validation("bad %s header", HeaderUserID)
	}
	return id, nil
}

// decodeCheckout accepts an empty body as "no options".
func decodeCheckout(r *http.Request) (checkout.Request, error) {
	var req checkoutReq
	if err := render.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		return checkout.Request{}, faults.Validation("invalid json")
	}
	return req.toRequest(), nil
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeCheckout(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q, err := h.Checkout.Quote(ctx, uid, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toQuote(q))
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeCheckout(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 25*time.Second)
	defer cancel()

	p, err := h.Checkout.PlaceOrder(ctx, uid, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if p.Existing {
		code = http.StatusOK
	}
	h.cacheStatus(ctx, p.Order)
	writeJSON(w, r, code, toPlacement(p))
}

func (h *Handler) availableDiscounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var types []discount.Type
	switch strings.ToLower(q.Get("group")) {
	case "", "system":
		types = discount.SystemTypes
	case "shipping":
		types = discount.ShippingTypes
	default:
		writeError(w, r, faults.Validation("group must be system or shipping"))
		return
	}
	amount := decimal.Zero
	if raw := q.Get("amount"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			writeError(w, r, faults.Validation("bad amount %q", raw))
			return
		}
		amount = v
	}
	// anonymous callers get the list without per-user usage filtering
	var uid int64
	if r.Header.Get(HeaderUserID) != "" {
		id, err := userID(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		uid = id
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	vs, err := h.Vouchers.Available(ctx, uid, types, amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toVouchers(vs))
}

// momoIPN always answers 200; the outcome travels in the ack's resultCode.
func (h *Handler) momoIPN(w http.ResponseWriter, r *http.Request) {
	var n payment.IPN
	if err := render.DecodeJSON(r.Body, &n); err != nil {
		log.Printf("[http] ipn: malformed payload: %v", err)
		writeJSON(w, r, http.StatusOK, payment.Ack{ResultCode: payment.AckRejected, Message: "malformed payload"})
		return
	}

	// settlement must not be cut short by the provider hanging up
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 15*time.Second)
	defer cancel()

	writeJSON(w, r, http.StatusOK, h.IPN.HandleIPN(ctx, n))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, faults.Validation("bad order id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	if b, ok := h.Status.Get(ctx, id); ok {
		writeJSON(w, r, http.StatusOK, json.RawMessage(b))
		return
	}

	// 2) fallback DB
	o, err := h.Orders.FindByID(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, r, http.StatusOK, toOrder(o))
}

func (h *Handler) cacheStatus(ctx context.Context, o *orders.Order) {
	if o == nil || o.ID == 0 {
		return
	}
	b, err := json.Marshal(toOrder(o))
	if err != nil {
		return
	}
	_ = h.Status.Set(ctx, o.ID, b)
}
