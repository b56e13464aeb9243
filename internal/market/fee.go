package market

import (
	"asset_market/internal/domain"
	"asset_market/pkg/quant"

	"github.com/shopspring/decimal"
)

// FeePolicy is the immutable platform cut: who receives it and how many percent.
// There are no setters; a different fee means a different marketplace.
type FeePolicy struct {
	account domain.Address
	percent int64
}

// NewFeePolicy validates and builds a fee policy. 0 percent is a free marketplace.
func NewFeePolicy(account domain.Address, percent int64) (FeePolicy, error) {
	if account.IsZero() {
		return FeePolicy{}, domain.NewValidationError("fee policy", "fee account is required")
	}
	if percent < 0 {
		return FeePolicy{}, domain.NewValidationError("fee policy", "fee percent must not be negative")
	}
	return FeePolicy{account: account, percent: percent}, nil
}

func (p FeePolicy) Account() domain.Address { return p.account }
func (p FeePolicy) Percent() int64          { return p.percent }

// Fee returns floor(price * percent / 100) in wei.
func (p FeePolicy) Fee(price decimal.Decimal) decimal.Decimal {
	return quant.PercentOf(price, p.percent)
}

// Quote returns the fee and the total a buyer must pay for price.
func (p FeePolicy) Quote(price decimal.Decimal) (fee, total decimal.Decimal) {
	fee = p.Fee(price)
	return fee, price.Add(fee)
}
