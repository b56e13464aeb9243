// Package quant holds the fixed-point unit helpers shared by the ledger.
// All monetary values are whole numbers of wei carried in decimal.Decimal;
// the ether representation only exists at the edges (config, CLI, logs).
package quant

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of wei digits in one ether.
const EtherDecimals = 18

var hundred = decimal.NewFromInt(100)

// TimeStamp is a unix timestamp in microseconds.
type TimeStamp int64

// Now returns the current time as a TimeStamp.
func Now() TimeStamp {
	return TimeStamp(time.Now().UnixMicro())
}

// Ether returns n ether expressed in wei.
func Ether(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Shift(EtherDecimals)
}

// Wei returns n wei.
func Wei(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

// ToWei parses an ether amount ("2", "0.02") into wei.
// Amounts finer than one wei are rejected.
func ToWei(ether string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(ether)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ether amount %q: %w", ether, err)
	}
	wei := d.Shift(EtherDecimals)
	if !wei.IsInteger() {
		return decimal.Zero, fmt.Errorf("ether amount %q is below wei precision", ether)
	}
	return wei, nil
}

// MustToWei is ToWei for constants and tests. Panics on malformed input.
func MustToWei(ether string) decimal.Decimal {
	wei, err := ToWei(ether)
	if err != nil {
		panic(err)
	}
	return wei
}

// FromWei formats a wei amount as ether.
func FromWei(wei decimal.Decimal) string {
	return wei.Shift(-EtherDecimals).String()
}

// IsWholeWei reports whether amount is a non-fractional number of wei.
func IsWholeWei(amount decimal.Decimal) bool {
	return amount.IsInteger()
}

// PercentOf returns floor(amount * percent / 100) for non-negative inputs.
func PercentOf(amount decimal.Decimal, percent int64) decimal.Decimal {
	q, _ := amount.Mul(decimal.NewFromInt(percent)).QuoRem(hundred, 0)
	return q
}
