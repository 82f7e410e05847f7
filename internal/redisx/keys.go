package redisx

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const (
	// Reserved counters, owned by the reservation scripts.
	KeyVariantReserved      = "variant:%d:reserved"
	KeyDiscountReserved     = "discount:%d:reserved"
	KeyDiscountUserReserved = "discount:%d:user:%d:reserved"

	// Per-order reservation snapshot.
	KeyReservationItems     = "reservation:%d:items"     // hash variantKey -> qty
	KeyReservationVouchers  = "reservation:%d:vouchers"  // hash global:i / user:i -> key
	KeyReservationDiscounts = "reservation:%d:discounts" // hash discountId -> amount
	KeyReservationPrices    = "reservation:%d:prices"    // hash variationId -> price
	KeyReservationTTL       = "reservation:%d:ttl"       // sentinel, the only expiring key

	// Cache status order: order_status:{order_id}
	KeyOrderStatus = "order_status:%d"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// One placeOrder at a time per cart.
	KeyCheckoutLock = "checkout:cart:%d:lock"

	// set when settlement faulted; expiry must not cancel the order
	KeyReconcile = "reconcile:%d"
)

var (
	TTLStatusCache = 5 * time.Second
	TTLDedup       = 48 * time.Hour
)

func VariantReserved(variationID int64) string { return fmt.Sprintf(KeyVariantReserved, variationID) }
func DiscountReserved(discountID int64) string { return fmt.Sprintf(KeyDiscountReserved, discountID) }
func DiscountUserReserved(discountID, userID int64) string {
	return fmt.Sprintf(KeyDiscountUserReserved, discountID, userID)
}

type ReservationKeys struct {
	Items     string
	Vouchers  string
	Discounts string
	Prices    string
	TTL       string
}

func Reservation(orderID int64) ReservationKeys {
	return ReservationKeys{
		Items:     fmt.Sprintf(KeyReservationItems, orderID),
		Vouchers:  fmt.Sprintf(KeyReservationVouchers, orderID),
		Discounts: fmt.Sprintf(KeyReservationDiscounts, orderID),
		Prices:    fmt.Sprintf(KeyReservationPrices, orderID),
		TTL:       fmt.Sprintf(KeyReservationTTL, orderID),
	}
}

var (
	reTTLKey          = regexp.MustCompile(`^reservation:(\d+):ttl$`)
	reVariantReserved = regexp.MustCompile(`^variant:(\d+):reserved$`)
	reDiscountGlobal  = regexp.MustCompile(`^discount:(\d+):reserved$`)
)

// ParseReservationTTL returns the order id embedded in a sentinel key.
func ParseReservationTTL(key string) (int64, bool) {
	return parseID(reTTLKey, key)
}

func ParseVariantReserved(key string) (int64, bool) {
	return parseID(reVariantReserved, key)
}

func ParseDiscountReserved(key string) (int64, bool) {
	return parseID(reDiscountGlobal, key)
}

func parseID(re *regexp.Regexp, key string) (int64, bool) {
	m := re.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
