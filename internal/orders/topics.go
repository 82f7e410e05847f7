package orders

import "strconv"

const (
	TopicOrderConfirmed    = "order.confirmed"
	TopicOrderCancelled    = "order.cancelled"
	TopicPaymentSettled    = "order.payment.settled"
	TopicPaymentFailed     = "order.payment.failed"
	TopicSettlementFaulted = "order.settlement.faulted"
)

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID int64) []byte { return []byte(strconv.FormatInt(orderID, 10)) }
