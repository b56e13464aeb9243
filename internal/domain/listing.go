package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is an offer to sell one escrowed asset at a fixed price.
// All monetary values are whole wei.
type Listing struct {
	ID     uint64          `json:"item_id"`
	Asset  AssetRef        `json:"asset"`
	Seller Address         `json:"seller"`
	Price  decimal.Decimal `json:"price"`
	Sold   bool            `json:"sold"`
}

// IsOpen checks if the listing can still be purchased.
func (l *Listing) IsOpen() bool {
	return !l.Sold
}

// Receipt is returned by a committed purchase.
type Receipt struct {
	SettlementID string          `json:"settlement_id"`
	ListingID    uint64          `json:"item_id"`
	Asset        AssetRef        `json:"asset"`
	Price        decimal.Decimal `json:"price"`
	Fee          decimal.Decimal `json:"fee"`
	Total        decimal.Decimal `json:"total"`
	Paid         decimal.Decimal `json:"paid"`
	Charged      decimal.Decimal `json:"charged"` // Amount actually debited from the buyer
	Seller       Address         `json:"seller"`
	Buyer        Address         `json:"buyer"`
	SettledAt    time.Time       `json:"settled_at"`
}
