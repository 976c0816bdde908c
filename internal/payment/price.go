package payment

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParsePrice converts a human price such as "$0.001" or "0.25" into minor
// units of an asset with the given number of decimals. Prices that do not
// divide evenly into minor units are rejected rather than rounded.
func ParsePrice(price string, decimals int32) (*big.Int, error) {
	s := strings.TrimSpace(price)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, "_", "")

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", price, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("price must be positive: %q", price)
	}

	units := d.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("price %q has more precision than %d decimals", price, decimals)
	}
	return units.BigInt(), nil
}

// FormatUnits renders minor units back as a decimal amount.
func FormatUnits(units *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(units, -decimals).String()
}
