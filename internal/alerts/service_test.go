package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	kafkax "github.com/ariefcatur/go-order-reservation/internal/kafka"
	"github.com/ariefcatur/go-order-reservation/internal/orders"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRepo struct{ mock.Mock }

func (m *mockRepo) RecordAlert(ctx context.Context, a Alert) (bool, error) {
	args := m.Called(ctx, a)
	return args.Bool(0), args.Error(1)
}

func newService(t *testing.T) (*Service, *mockRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	repo := &mockRepo{}
	return &Service{Repo: repo, Redis: rdb, ServiceName: "alerts"}, repo, mr
}

func message(eventType, eventID string, p orders.SettlementFaultedPayload) kafkago.Message {
	env := orders.Envelope{
		EventID:      eventID,
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),
		Producer:     "checkout-api",
		Payload:      kafkax.MustMarshal(p),
	}
	return kafkago.Message{Value: kafkax.MustMarshal(env)}
}

var mismatch = orders.SettlementFaultedPayload{
	OrderID: 42, OrderRef: "ORD1", Kind: orders.FaultAmountMismatch,
	Detail: "amount mismatch: expected 450000, got 449999", Amount: 449999, Expected: 450000,
}

func TestRecordsAlertOnce(t *testing.T) {
	svc, repo, mr := newService(t)
	repo.On("RecordAlert", mock.Anything, mock.MatchedBy(func(a Alert) bool {
		return a.EventID == "ev-1" && a.OrderID == 42 && a.Kind == orders.FaultAmountMismatch && a.Expected == 450000
	})).Return(true, nil).Once()

	m := message(orders.EventSettlementFaulted, "ev-1", mismatch)
	require.NoError(t, svc.HandleSettlementFaulted(context.Background(), m))
	require.NoError(t, svc.HandleSettlementFaulted(context.Background(), m))

	repo.AssertNumberOfCalls(t, "RecordAlert", 1)
	assert.True(t, mr.Exists("dedup:alerts:ev-1"))
}

func TestIgnoresOtherEvents(t *testing.T) {
	svc, repo, _ := newService(t)
	require.NoError(t, svc.HandleSettlementFaulted(context.Background(), message(orders.EventOrderConfirmed, "ev-2", mismatch)))
	repo.AssertNotCalled(t, "RecordAlert", mock.Anything, mock.Anything)
}

func TestRepoFailureAllowsRetry(t *testing.T) {
	svc, repo, mr := newService(t)
	repo.On("RecordAlert", mock.Anything, mock.Anything).Return(false, errors.New("db down")).Once()
	repo.On("RecordAlert", mock.Anything, mock.Anything).Return(true, nil).Once()

	m := message(orders.EventSettlementFaulted, "ev-3", mismatch)
	require.Error(t, svc.HandleSettlementFaulted(context.Background(), m))
	assert.False(t, mr.Exists("dedup:alerts:ev-3"))

	require.NoError(t, svc.HandleSettlementFaulted(context.Background(), m))
	repo.AssertNumberOfCalls(t, "RecordAlert", 2)
}

func TestMalformedMessage(t *testing.T) {
	svc, repo, _ := newService(t)
	err := svc.HandleSettlementFaulted(context.Background(), kafkago.Message{Value: []byte("{nope")})
	assert.Error(t, err)
	repo.AssertNotCalled(t, "RecordAlert", mock.Anything, mock.Anything)
}
