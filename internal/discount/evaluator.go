// Package discount selects and validates vouchers and computes discount
// amounts. The rules here are pure; I/O lives in Service and the repository.
package discount

import (
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	FixedAmount  Type = "fixed_amount"
	Percentage   Type = "percentage"
	FreeShipping Type = "free_shipping"
	Shipping     Type = "shipping"
)

var (
	SystemTypes   = []Type{FixedAmount, Percentage}
	ShippingTypes = []Type{FreeShipping, Shipping}
)

func (t Type) IsShipping() bool { return t == FreeShipping || t == Shipping }

type Voucher struct {
	ID            int64
	Code          string
	Name          string
	Type          Type
	Value         decimal.Decimal
	MaxUses       int // 0 = unlimited
	UsersCount    int
	MinOrderValue decimal.Decimal
	Start         time.Time
	End           time.Time
	Active        bool
}

func (v Voucher) ActiveAt(now time.Time) bool {
	return v.Active && !now.Before(v.Start) && !now.After(v.End)
}

func (v Voucher) HasQuota() bool {
	return v.MaxUses <= 0 || v.UsersCount < v.MaxUses
}

// Amount is the discount v grants on base. It is never negative and never
// exceeds base.
func Amount(v Voucher, base decimal.Decimal) decimal.Decimal {
	if base.IsNegative() {
		base = decimal.Zero
	}
	value := v.Value
	if value.IsNegative() {
		value = decimal.Zero
	}
	hundred := decimal.NewFromInt(100)

	switch v.Type {
	case FixedAmount, Shipping:
		return decimal.Min(value, base)
	case Percentage:
		return decimal.Min(base.Mul(value).Div(hundred), base)
	case FreeShipping:
		return base
	default:
		return decimal.Zero
	}
}

// Eligible reports whether v can be offered for orderAmount to a user whose
// durable usage is given in used.
func Eligible(v Voucher, orderAmount decimal.Decimal, used map[int64]bool, now time.Time) bool {
	if !v.ActiveAt(now) {
		return false
	}
	if orderAmount.LessThan(v.MinOrderValue) {
		return false
	}
	return v.HasQuota() && !used[v.ID]
}

// PickBest returns the voucher with the largest discount on base. Ties keep
// the first one seen; a voucher worth nothing is never picked.
func PickBest(vouchers []Voucher, base decimal.Decimal) *Voucher {
	var best *Voucher
	max := decimal.Zero
	for i := range vouchers {
		amt := Amount(vouchers[i], base)
		if amt.GreaterThan(max) {
			max = amt
			best = &vouchers[i]
		}
	}
	return best
}

// PickShipping prefers free_shipping over any capped shipping discount,
// choosing uniformly among free_shipping vouchers.
func PickShipping(vouchers []Voucher, fee decimal.Decimal, rnd *rand.Rand) *Voucher {
	var free []int
	for i := range vouchers {
		if vouchers[i].Type == FreeShipping {
			free = append(free, i)
		}
	}
	if len(free) > 0 {
		n := 0
		if len(free) > 1 {
			if rnd != nil {
				n = rnd.IntN(len(free))
			} else {
				n = rand.IntN(len(free))
			}
		}
		return &vouchers[free[n]]
	}
	return PickBest(vouchers, fee)
}

// SelectAuto chooses the best system voucher on subtotal and the best
// shipping voucher on the shipping fee. The chosen system voucher is never
// also used as the shipping voucher.
func SelectAuto(subtotal, shippingFee decimal.Decimal, system, shipping []Voucher, rnd *rand.Rand) (*Voucher, *Voucher) {
	sys := PickBest(system, subtotal)
	candidates := shipping
	if sys != nil {
		candidates = make([]Voucher, 0, len(shipping))
		for _, v := range shipping {
			if v.ID != sys.ID {
				candidates = append(candidates, v)
			}
		}
	}
	return sys, PickShipping(candidates, shippingFee, rnd)
}

func typeAllowed(t Type, allowed []Type) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}
