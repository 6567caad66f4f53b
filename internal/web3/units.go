package web3

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ToBaseUnits scales a decimal string such as "1.5" to base units for a token
// with the given precision. Negative values and values carrying more
// fractional digits than the token supports are rejected.
func ToBaseUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", amount)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatUnits renders base units as a decimal string with exactly decimals
// fractional digits, e.g. 1500000 at 6 decimals is "1.500000".
func FormatUnits(raw *big.Int, decimals uint8) string {
	if raw == nil {
		raw = new(big.Int)
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).StringFixed(int32(decimals))
}

// ParseDecimal validates a positive decimal amount supplied by a caller.
func ParseDecimal(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("amount %q must be positive", amount)
	}
	return d, nil
}
