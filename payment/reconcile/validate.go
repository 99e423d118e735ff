package reconcile

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"shopsifu/payment/gateway"
)

var ErrAmountMismatch = errors.New("amount mismatch")

// Verifier is the part of the gateway adapter reconciliation needs.
type Verifier interface {
	Name() string
	Verify(params url.Values) error
	ParseCallback(params url.Values) (gateway.Callback, error)
}

// ValidateAmount compares the gateway's scaled amount against the payment total.
// Equality is exact.
func ValidateAmount(expected decimal.Decimal, reported int64) error {
	if reported <= 0 {
		return fmt.Errorf("%w: reported %d", ErrAmountMismatch, reported)
	}
	got := gateway.DescaleAmount(reported)
	if !got.Equal(expected) {
		return fmt.Errorf("%w: expected %s, got %s", ErrAmountMismatch, expected.String(), got.String())
	}
	return nil
}
