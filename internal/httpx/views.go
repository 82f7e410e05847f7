package httpx

import (
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/checkout"
	"github.com/ariefcatur/go-order-reservation/internal/discount"
	"github.com/ariefcatur/go-order-reservation/internal/orders"
	"github.com/shopspring/decimal"
)

type checkoutReq struct {
	ShippingFee  *decimal.Decimal `json:"shipping_fee,omitempty"`
	SystemCode   string           `json:"system_code,omitempty"`
	ShippingCode string           `json:"shipping_code,omitempty"`
}

func (c checkoutReq) toRequest() checkout.Request {
	return checkout.Request{ShippingFee: c.ShippingFee, SystemCode: c.SystemCode, ShippingCode: c.ShippingCode}
}

type lineView struct {
	VariationID int64           `json:"variation_id"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

type appliedView struct {
	DiscountID int64           `json:"discount_id"`
	Code       string          `json:"code"`
	Type       discount.Type   `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
}

func toApplied(a *discount.Applied) *appliedView {
	if a == nil {
		return nil
	}
	return &appliedView{DiscountID: a.Voucher.ID, Code: a.Voucher.Code, Type: a.Voucher.Type, Amount: a.Amount}
}

type quoteView struct {
	CartID           int64           `json:"cart_id"`
	Items            []lineView      `json:"items"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	ShippingFee      decimal.Decimal `json:"shipping_fee"`
	DiscountMode     string          `json:"discount_mode"`
	SystemDiscount   *appliedView    `json:"system_discount,omitempty"`
	ShippingDiscount *appliedView    `json:"shipping_discount,omitempty"`
	DiscountTotal    decimal.Decimal `json:"discount_total"`
	Total            decimal.Decimal `json:"total"`
}

func toQuote(q *checkout.Quote) *quoteView {
	if q == nil {
		return nil
	}
	items := make([]lineView, 0, len(q.Lines))
	for _, l := range q.Lines {
		items = append(items, lineView{
			VariationID: l.VariationID,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			LineTotal:   l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))),
		})
	}
	return &quoteView{
		CartID:           q.CartID,
		Items:            items,
		Subtotal:         q.Subtotal,
		ShippingFee:      q.ShippingFee,
		DiscountMode:     q.Discounts.Mode,
		SystemDiscount:   toApplied(q.Discounts.System),
		ShippingDiscount: toApplied(q.Discounts.Shipping),
		DiscountTotal:    q.Discounts.Total(),
		Total:            q.Total,
	}
}

type orderView struct {
	ID             int64           `json:"id"`
	OrderNumber    string          `json:"order_number"`
	Status         string          `json:"status"`
	PaymentStatus  string          `json:"payment_status"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	ShippingFee    decimal.Decimal `json:"shipping_fee"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toOrder(o *orders.Order) orderView {
	return orderView{
		ID:             o.ID,
		OrderNumber:    o.OrderNumber,
		Status:         string(o.Status),
		PaymentStatus:  string(o.PaymentStatus),
		TotalPrice:     o.TotalPrice,
		DiscountAmount: o.DiscountAmount,
		ShippingFee:    o.ShippingFee,
		NetAmount:      o.NetAmount,
		CreatedAt:      o.CreatedAt,
	}
}

type paymentView struct {
	RequestID string `json:"request_id"`
	PayURL    string `json:"pay_url,omitempty"`
	Deeplink  string `json:"deeplink,omitempty"`
	QRCodeURL string `json:"qr_code_url,omitempty"`
}

type placementView struct {
	Order      orderView    `json:"order"`
	Existing   bool         `json:"existing"`
	Quote      *quoteView   `json:"quote,omitempty"`
	Payment    *paymentView `json:"payment,omitempty"`
	TTLSeconds int64        `json:"ttl_seconds,omitempty"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
}

func toPlacement(p *checkout.Placement) placementView {
	v := placementView{Order: toOrder(p.Order), Existing: p.Existing, Quote: toQuote(p.Quote)}
	if p.Payment != nil {
		v.Payment = &paymentView{
			RequestID: p.Payment.RequestID,
			PayURL:    p.Payment.PayURL,
			Deeplink:  p.Payment.Deeplink,
			QRCodeURL: p.Payment.QRCodeURL,
		}
	}
	if !p.ExpiresAt.IsZero() {
		exp := p.ExpiresAt
		v.ExpiresAt = &exp
		v.TTLSeconds = int64(p.TTL.Seconds())
	}
	return v
}

type voucherView struct {
	ID            int64           `json:"id"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Type          discount.Type   `json:"type"`
	Value         decimal.Decimal `json:"value"`
	MinOrderValue decimal.Decimal `json:"min_order_value"`
	End           time.Time       `json:"discount_end"`
}

func toVouchers(vs []discount.Voucher) []voucherView {
	out := make([]voucherView, 0, len(vs))
	for _, v := range vs {
		out = append(out, voucherView{
			ID: v.ID, Code: v.Code, Name: v.Name, Type: v.Type,
			Value: v.Value, MinOrderValue: v.MinOrderValue, End: v.End,
		})
	}
	return out
}
