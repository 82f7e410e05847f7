package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusConfirmed))
	assert.True(t, CanTransition(StatusPending, StatusCancelled))
	assert.True(t, CanTransition(StatusConfirmed, StatusProcessing))
	assert.False(t, CanTransition(StatusCancelled, StatusPending), "cancelled orders are never resurrected")
	assert.False(t, CanTransition(StatusCancelled, StatusProcessing))
	assert.False(t, CanTransition(StatusProcessing, StatusConfirmed))
}

func TestSources(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusPending, StatusConfirmed, StatusProcessing}, Sources(StatusCancelled))
	assert.Equal(t, []Status{StatusPending}, Sources(StatusConfirmed))
	assert.Empty(t, Sources(StatusPending))
}

func TestOrderOpen(t *testing.T) {
	assert.True(t, Order{Status: StatusPending, PaymentStatus: PaymentPending}.Open())
	assert.True(t, Order{Status: StatusConfirmed, PaymentStatus: PaymentPending}.Open())
	assert.False(t, Order{Status: StatusProcessing, PaymentStatus: PaymentPaid}.Open())
	assert.False(t, Order{Status: StatusCancelled, PaymentStatus: PaymentPending}.Open())
}

func TestNewOrderNumber(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 30, 15, 0, time.UTC)
	n := NewOrderNumber(now)
	assert.Regexp(t, `^ORD20261019083015\d{6}$`, n)
}
