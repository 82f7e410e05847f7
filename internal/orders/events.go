package orders

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	kafkax "github.com/ariefcatur/go-order-reservation/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	EventOrderConfirmed    = "OrderConfirmed"
	EventOrderCancelled    = "OrderCancelled"
	EventPaymentSettled    = "PaymentSettled"
	EventPaymentFailed     = "PaymentFailed"
	EventSettlementFaulted = "SettlementFaulted"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// ---- Payload tipe per event ----

type ItemQty struct {
	VariationID int64 `json:"variation_id"`
	Qty         int   `json:"qty"`
}

type OrderConfirmedPayload struct {
	OrderID          int64     `json:"order_id"`
	OrderNumber      string    `json:"order_number"`
	CustomerID       int64     `json:"customer_id"`
	NetAmount        string    `json:"net_amount"`
	PaymentRequestID string    `json:"payment_request_id"`
	ReservedUntil    time.Time `json:"reserved_until"`
}

// Cancellation reasons.
const (
	CancelVoucherRejected    = "voucher_rejected"
	CancelReservationFailed  = "reservation_failed"
	CancelPaymentRequest     = "payment_request_failed"
	CancelReservationExpired = "reservation_expired"
)

type OrderCancelledPayload struct {
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

type PaymentSettledPayload struct {
	OrderID     int64     `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	TransID     string    `json:"trans_id"`
	Amount      int64     `json:"amount"`
	Items       []ItemQty `json:"items"`
	DiscountIDs []int64   `json:"discount_ids,omitempty"`
}

type PaymentFailedPayload struct {
	OrderID    int64  `json:"order_id"`
	TransID    string `json:"trans_id"`
	ResultCode int    `json:"result_code"`
	Message    string `json:"message,omitempty"`
}

// Fault kinds carried by SettlementFaulted.
const (
	FaultAmountMismatch = "amount_mismatch"
	FaultStockDrift     = "stock_drift"
	FaultReleaseFailed  = "release_failed"
)

type SettlementFaultedPayload struct {
	OrderID  int64  `json:"order_id"`
	OrderRef string `json:"order_ref,omitempty"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
	TransID  string `json:"trans_id,omitempty"`
	Amount   int64  `json:"amount,omitempty"`
	Expected int64  `json:"expected,omitempty"`
}

// Publisher is implemented by kafka.Producer.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// Emitter wraps payloads in an Envelope and hands them to the producer.
// A nil Emitter or one without a producer drops events silently.
type Emitter struct {
	Producer Publisher
	Service  string
}

func (e *Emitter) Emit(topic, eventType string, orderID int64, payload any) string {
	if e == nil || e.Producer == nil {
		return ""
	}
	id := strconv.FormatInt(orderID, 10)
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.Service,
		CorrelationID: id,
		Payload:       kafkax.MustMarshal(payload),
	}
	e.Producer.Publish(topic, PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	log.Printf("[events] %s order=%d event=%s", eventType, orderID, ev.EventID)
	return ev.EventID
}
