package discount

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRepo struct{ mock.Mock }

func (m *mockRepo) ActiveByTypes(ctx context.Context, types []Type, now time.Time) ([]Voucher, error) {
	args := m.Called(ctx, types, now)
	if v := args.Get(0); v != nil {
		return v.([]Voucher), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) ActiveByCode(ctx context.Context, code string, now time.Time) (*Voucher, error) {
	args := m.Called(ctx, code, now)
	if v := args.Get(0); v != nil {
		return v.(*Voucher), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) UsedDiscountIDs(ctx context.Context, userID int64, ids []int64) (map[int64]bool, error) {
	args := m.Called(ctx, userID, ids)
	if v := args.Get(0); v != nil {
		return v.(map[int64]bool), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) HasUserUsed(ctx context.Context, userID, discountID int64) (bool, error) {
	args := m.Called(ctx, userID, discountID)
	return args.Bool(0), args.Error(1)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func activeVoucher(id int64, code string, typ Type, value int64) Voucher {
	return Voucher{
		ID: id, Code: code, Type: typ, Value: d(value), Active: true,
		Start: testNow.Add(-24 * time.Hour), End: testNow.Add(24 * time.Hour),
	}
}

func newTestService(repo Repository) *Service {
	return &Service{Repo: repo, Now: func() time.Time { return testNow }}
}

func TestService_Validate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid code", func(t *testing.T) {
		repo := new(mockRepo)
		v := activeVoucher(1, "SAVE10", Percentage, 10)
		repo.On("ActiveByCode", ctx, "SAVE10", testNow).Return(&v, nil).Once()
		repo.On("HasUserUsed", ctx, int64(5), int64(1)).Return(false, nil).Once()

		got, err := newTestService(repo).Validate(ctx, "SAVE10", SystemTypes, 5, d(1000))
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.ID)
		repo.AssertExpectations(t)
	})

	t.Run("unknown code", func(t *testing.T) {
		repo := new(mockRepo)
		repo.On("ActiveByCode", ctx, "NOPE", testNow).Return(nil, faults.NotFound("discount")).Once()

		_, err := newTestService(repo).Validate(ctx, "NOPE", SystemTypes, 5, d(1000))
		assert.ErrorIs(t, err, faults.ErrVoucherRejected)
	})

	t.Run("wrong type for slot", func(t *testing.T) {
		repo := new(mockRepo)
		v := activeVoucher(2, "SHIP", FreeShipping, 0)
		repo.On("ActiveByCode", ctx, "SHIP", testNow).Return(&v, nil).Once()

		_, err := newTestService(repo).Validate(ctx, "SHIP", SystemTypes, 5, d(1000))
		assert.ErrorIs(t, err, faults.ErrVoucherRejected)
		assert.Contains(t, err.Error(), "not supported")
	})

	t.Run("below minimum", func(t *testing.T) {
		repo := new(mockRepo)
		v := activeVoucher(3, "BIG", FixedAmount, 100)
		v.MinOrderValue = d(5000)
		repo.On("ActiveByCode", ctx, "BIG", testNow).Return(&v, nil).Once()

		_, err := newTestService(repo).Validate(ctx, "BIG", SystemTypes, 5, d(4999))
		assert.ErrorIs(t, err, faults.ErrVoucherRejected)
	})

	t.Run("quota exhausted", func(t *testing.T) {
		repo := new(mockRepo)
		v := activeVoucher(4, "FULL", FixedAmount, 100)
		v.MaxUses, v.UsersCount = 3, 3
		repo.On("ActiveByCode", ctx, "FULL", testNow).Return(&v, nil).Once()

		_, err := newTestService(repo).Validate(ctx, "FULL", SystemTypes, 5, d(1000))
		assert.ErrorIs(t, err, faults.ErrVoucherRejected)
	})

	t.Run("already used by user", func(t *testing.T) {
		repo := new(mockRepo)
		v := activeVoucher(5, "ONCE", FixedAmount, 100)
		repo.On("ActiveByCode", ctx, "ONCE", testNow).Return(&v, nil).Once()
		repo.On("HasUserUsed", ctx, int64(5), int64(5)).Return(true, nil).Once()

		_, err := newTestService(repo).Validate(ctx, "ONCE", SystemTypes, 5, d(1000))
		assert.ErrorIs(t, err, faults.ErrVoucherRejected)
	})

	t.Run("repository failure is not a voucher fault", func(t *testing.T) {
		repo := new(mockRepo)
		repo.On("ActiveByCode", ctx, "X", testNow).Return(nil, errors.New("db down")).Once()

		_, err := newTestService(repo).Validate(ctx, "X", SystemTypes, 5, d(1000))
		require.Error(t, err)
		assert.NotErrorIs(t, err, faults.ErrVoucherRejected)
	})
}

func TestService_ApplyAuto(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)

	pct := activeVoucher(1, "PCT10", Percentage, 10)
	fixed := activeVoucher(2, "FIX20K", FixedAmount, 20000)
	used := activeVoucher(3, "USED", FixedAmount, 400000)
	free := activeVoucher(4, "FREESHIP", FreeShipping, 0)

	repo.On("ActiveByTypes", ctx, SystemTypes, testNow).Return([]Voucher{pct, fixed, used}, nil).Once()
	repo.On("ActiveByTypes", ctx, ShippingTypes, testNow).Return([]Voucher{free}, nil).Once()
	repo.On("UsedDiscountIDs", ctx, int64(9), []int64{1, 2, 3}).Return(map[int64]bool{3: true}, nil).Once()
	repo.On("UsedDiscountIDs", ctx, int64(9), []int64{4}).Return(map[int64]bool{}, nil).Once()

	b, err := newTestService(repo).Apply(ctx, 9, Selection{}, d(500000), d(40000))
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, b.Mode)
	require.NotNil(t, b.System)
	require.NotNil(t, b.Shipping)
	assert.Equal(t, "PCT10", b.System.Voucher.Code)
	assert.Equal(t, "FREESHIP", b.Shipping.Voucher.Code)
	assert.True(t, b.Total().Equal(d(90000)))
	repo.AssertExpectations(t)
}

func TestService_ApplyManual(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)

	ship := activeVoucher(8, "SHIP15", Shipping, 15000)
	repo.On("ActiveByCode", ctx, "SHIP15", testNow).Return(&ship, nil).Once()
	repo.On("HasUserUsed", ctx, int64(9), int64(8)).Return(false, nil).Once()

	b, err := newTestService(repo).Apply(ctx, 9, Selection{ShippingCode: "SHIP15"}, d(500000), d(40000))
	require.NoError(t, err)
	assert.Equal(t, ModeManual, b.Mode)
	assert.Nil(t, b.System, "manual mode does not auto-fill the other slot")
	require.NotNil(t, b.Shipping)
	assert.True(t, b.Shipping.Amount.Equal(d(15000)))
	repo.AssertExpectations(t)
}
