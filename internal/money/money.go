// Package money handles Naira amounts and commission split policies.
//
// Amounts are fixed-point decimals with kobo precision (2 places) backed by
// shopspring/decimal, matching the NUMERIC(20,2) columns in the ledger. Float
// arithmetic is never used for balances.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places carried by all amounts (kobo).
const Places = 2

var (
	ErrInvalidAmount = errors.New("invalid amount")

	// Zero is the zero Naira amount.
	Zero = decimal.Zero
)

// Parse converts a string like "2500.00" into an amount. It rejects
// non-numeric input, negative values, and sub-kobo precision.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative %q", ErrInvalidAmount, s)
	}
	// Compare values, not exponents: "100.000" is exactly 100.00.
	if !d.Truncate(Places).Equal(d) {
		return decimal.Zero, fmt.Errorf("%w: %q has sub-kobo precision", ErrInvalidAmount, s)
	}
	return d, nil
}

// ParsePositive is Parse plus a strictly-positive check.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive, got %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// MustParse is Parse for literals in tests and defaults. Panics on error.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders an amount with exactly two decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}
