package discount

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/shopspring/decimal"
)

type Repository interface {
	// ActiveByTypes lists active vouchers in their window, soonest end first.
	ActiveByTypes(ctx context.Context, types []Type, now time.Time) ([]Voucher, error)
	ActiveByCode(ctx context.Context, code string, now time.Time) (*Voucher, error)
	UsedDiscountIDs(ctx context.Context, userID int64, discountIDs []int64) (map[int64]bool, error)
	HasUserUsed(ctx context.Context, userID, discountID int64) (bool, error)
}

const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

type Selection struct {
	SystemCode   string
	ShippingCode string
}

func (s Selection) Manual() bool { return s.SystemCode != "" || s.ShippingCode != "" }

type Applied struct {
	Voucher Voucher
	Amount  decimal.Decimal
}

type Breakdown struct {
	Mode     string
	System   *Applied
	Shipping *Applied
}

func (b Breakdown) Total() decimal.Decimal {
	total := decimal.Zero
	if b.System != nil {
		total = total.Add(b.System.Amount)
	}
	if b.Shipping != nil {
		total = total.Add(b.Shipping.Amount)
	}
	return total
}

type Service struct {
	Repo Repository
	Now  func() time.Time
	Rand *rand.Rand
}

func NewService(repo Repository) *Service {
	return &Service{Repo: repo, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Available lists the vouchers of the given types a user may apply to
// orderAmount right now.
func (s *Service) Available(ctx context.Context, userID int64, types []Type, orderAmount decimal.Decimal) ([]Voucher, error) {
	now := s.now()
	vouchers, err := s.Repo.ActiveByTypes(ctx, types, now)
	if err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}
	if len(vouchers) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(vouchers))
	for _, v := range vouchers {
		ids = append(ids, v.ID)
	}
	used := map[int64]bool{}
	if userID > 0 {
		used, err = s.Repo.UsedDiscountIDs(ctx, userID, ids)
		if err != nil {
			return nil, fmt.Errorf("used vouchers: %w", err)
		}
	}
	out := make([]Voucher, 0, len(vouchers))
	for _, v := range vouchers {
		if Eligible(v, orderAmount, used, now) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Validate checks a manually entered code for this user and order amount.
func (s *Service) Validate(ctx context.Context, code string, allowed []Type, userID int64, orderAmount decimal.Decimal) (*Voucher, error) {
	now := s.now()
	v, err := s.Repo.ActiveByCode(ctx, code, now)
	if errors.Is(err, faults.ErrNotFound) || (err == nil && (v == nil || !v.ActiveAt(now))) {
		return nil, faults.VoucherRejected("discount code %q is invalid or expired", code)
	}
	if err != nil {
		return nil, fmt.Errorf("load voucher %q: %w", code, err)
	}
	if !typeAllowed(v.Type, allowed) {
		return nil, faults.VoucherRejected("discount code %q type %s is not supported here", code, v.Type)
	}
	if orderAmount.LessThan(v.MinOrderValue) {
		return nil, faults.VoucherRejected("order value must be at least %s to use %q", v.MinOrderValue, code)
	}
	if !v.HasQuota() {
		return nil, faults.VoucherRejected("discount code %q has reached maximum usage", code)
	}
	if userID > 0 {
		used, err := s.Repo.HasUserUsed(ctx, userID, v.ID)
		if err != nil {
			return nil, fmt.Errorf("voucher usage: %w", err)
		}
		if used {
			return nil, faults.VoucherRejected("discount code %q was already used", code)
		}
	}
	return v, nil
}

// Apply picks vouchers automatically, or validates the codes in sel when
// either is present, and computes the amounts.
func (s *Service) Apply(ctx context.Context, userID int64, sel Selection, subtotal, shippingFee decimal.Decimal) (Breakdown, error) {
	if !sel.Manual() {
		system, err := s.Available(ctx, userID, SystemTypes, subtotal)
		if err != nil {
			return Breakdown{}, err
		}
		shipping, err := s.Available(ctx, userID, ShippingTypes, subtotal)
		if err != nil {
			return Breakdown{}, err
		}
		sys, ship := SelectAuto(subtotal, shippingFee, system, shipping, s.Rand)
		return build(ModeAuto, sys, ship, subtotal, shippingFee), nil
	}

	var sys, ship *Voucher
	var err error
	if sel.SystemCode != "" {
		if sys, err = s.Validate(ctx, sel.SystemCode, SystemTypes, userID, subtotal); err != nil {
			return Breakdown{}, err
		}
	}
	if sel.ShippingCode != "" {
		if ship, err = s.Validate(ctx, sel.ShippingCode, ShippingTypes, userID, subtotal); err != nil {
			return Breakdown{}, err
		}
	}
	return build(ModeManual, sys, ship, subtotal, shippingFee), nil
}

func build(mode string, sys, ship *Voucher, subtotal, shippingFee decimal.Decimal) Breakdown {
	b := Breakdown{Mode: mode}
	if sys != nil {
		b.System = &Applied{Voucher: *sys, Amount: Amount(*sys, subtotal)}
	}
	if ship != nil {
		b.Shipping = &Applied{Voucher: *ship, Amount: Amount(*ship, shippingFee)}
	}
	return b
}
