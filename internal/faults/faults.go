// Package faults holds the error kinds shared by checkout, reservation and
// settlement. Callers wrap them with context and match with errors.Is.
package faults

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrVoucherRejected      = errors.New("voucher rejected")
	ErrInsufficientResource = errors.New("insufficient resource")
	ErrReservation          = errors.New("reservation failed")
	ErrPayment              = errors.New("payment provider error")
	ErrSignature            = errors.New("invalid signature")
	ErrAmountMismatch       = errors.New("amount mismatch")
	ErrStockDrift           = errors.New("stock drift")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func VoucherRejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrVoucherRejected, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
