package reservation

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ariefcatur/go-order-reservation/internal/redisx"
	"github.com/shopspring/decimal"
)

// Snapshot is what was reserved for one order, as read back from the cache.
type Snapshot struct {
	Items     map[string]string // variant key -> qty
	Vouchers  map[string]string // global:i / user:i -> key
	Discounts map[string]string // discount id -> amount at reservation
	Prices    map[string]string // variation id -> price at reservation
}

func (s Snapshot) Empty() bool {
	return len(s.Items) == 0 && len(s.Vouchers) == 0
}

// VariantQuantities maps variation id to the reserved quantity, skipping
// malformed or non-positive entries.
func (s Snapshot) VariantQuantities() map[int64]int {
	out := make(map[int64]int, len(s.Items))
	for key, raw := range s.Items {
		id, ok := redisx.ParseVariantReserved(key)
		if !ok {
			continue
		}
		qty, err := strconv.Atoi(raw)
		if err != nil || qty <= 0 {
			continue
		}
		out[id] = qty
	}
	return out
}

// DiscountIDs returns the reserved discount ids in ascending order.
func (s Snapshot) DiscountIDs() []int64 {
	seen := map[int64]bool{}
	var ids []int64
	for field, key := range s.Vouchers {
		if !strings.HasPrefix(field, "global:") {
			continue
		}
		id, ok := redisx.ParseDiscountReserved(key)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s Snapshot) Price(variationID int64) (decimal.Decimal, bool) {
	return lookupDecimal(s.Prices, variationID)
}

func (s Snapshot) DiscountAmount(discountID int64) (decimal.Decimal, bool) {
	d, ok := lookupDecimal(s.Discounts, discountID)
	if !ok || d.IsNegative() {
		return decimal.Zero, false
	}
	return d, true
}

func lookupDecimal(m map[string]string, id int64) (decimal.Decimal, bool) {
	raw, ok := m[strconv.FormatInt(id, 10)]
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
