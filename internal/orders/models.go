package orders

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID                   int64
	OrderNumber          string
	CartID               int64
	CustomerID           int64
	TotalPrice           decimal.Decimal // subtotal of line items
	DiscountAmount       decimal.Decimal
	ShippingFee          decimal.Decimal
	NetAmount            decimal.Decimal
	Status               Status        // lihat status.go
	PaymentStatus        PaymentStatus // lihat status.go
	PaymentProvider      string
	PaymentMethod        string
	PaymentRequestID     string
	PaymentTransactionID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Open reports whether the order still waits for its payment.
func (o Order) Open() bool {
	return (o.Status == StatusPending || o.Status == StatusConfirmed) && o.PaymentStatus == PaymentPending
}

type Cart struct {
	ID     int64
	UserID int64
	Status string
}

// CartLine is a cart row joined with its variation's authoritative price and stock.
type CartLine struct {
	VariationID   int64
	ProductID     int64
	ProductItemID int64
	Quantity      int
	CartPrice     decimal.Decimal
	UnitPrice     decimal.Decimal
	Stock         int
}

type Variant struct {
	ID            int64
	ProductID     int64
	ProductItemID int64
	Price         decimal.Decimal
	Stock         int
}

type OrderProduct struct {
	OrderID       int64
	ProductID     int64
	ProductItemID int64
	VariationID   int64
	Quantity      int
	UnitPrice     decimal.Decimal
	TotalPrice    decimal.Decimal
}

type OrderDiscount struct {
	OrderID    int64
	CustomerID int64
	DiscountID int64
	Amount     decimal.Decimal
	AppliedAt  time.Time
}

// NewOrderNumber builds ORD + UTC timestamp + 6 random digits.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD%s%06d", now.UTC().Format("20060102150405"), rand.IntN(1_000_000))
}
