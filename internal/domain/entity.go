package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingRecord is the persisted form of a Listing
type ListingRecord struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement:false" json:"item_id"`
	Registry  string          `gorm:"index:idx_listing_asset" json:"asset_registry"`
	AssetID   uint64          `gorm:"index:idx_listing_asset" json:"asset_id"`
	Seller    string          `gorm:"index" json:"seller"`
	Price     decimal.Decimal `gorm:"type:text" json:"price"`
	Sold      bool            `gorm:"index" json:"sold"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SaleRecord is the persisted form of a Receipt
type SaleRecord struct {
	ListingID    uint64          `gorm:"primaryKey;autoIncrement:false" json:"item_id"`
	SettlementID string          `gorm:"uniqueIndex" json:"settlement_id"`
	Registry     string          `json:"asset_registry"`
	AssetID      uint64          `json:"asset_id"`
	Seller       string          `gorm:"index" json:"seller"`
	Buyer        string          `gorm:"index" json:"buyer"`
	Price        decimal.Decimal `gorm:"type:text" json:"price"`
	Fee          decimal.Decimal `gorm:"type:text" json:"fee"`
	Charged      decimal.Decimal `gorm:"type:text" json:"charged"`
	SettledAt    time.Time       `json:"settled_at"`
}

// EventRecord is one entry of the append-only notification journal
type EventRecord struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement:false" json:"seq"`
	Type      string    `gorm:"index" json:"type"`
	ListingID uint64    `gorm:"index" json:"item_id"`
	Payload   string    `json:"payload"` // JSON encoded event
	CreatedAt time.Time `json:"created_at"`
}

// ListingFromRecord converts a persisted record back into a Listing
func ListingFromRecord(r ListingRecord) Listing {
	return Listing{
		ID:     r.ID,
		Asset:  AssetRef{Registry: Address(r.Registry), ID: AssetID(r.AssetID)},
		Seller: Address(r.Seller),
		Price:  r.Price,
		Sold:   r.Sold,
	}
}

// NewListingRecord converts a Listing into its persisted form
func NewListingRecord(l Listing) ListingRecord {
	return ListingRecord{
		ID:       l.ID,
		Registry: string(l.Asset.Registry),
		AssetID:  uint64(l.Asset.ID),
		Seller:   string(l.Seller),
		Price:    l.Price,
		Sold:     l.Sold,
	}
}

// NewSaleRecord converts a Receipt into its persisted form
func NewSaleRecord(r Receipt) SaleRecord {
	return SaleRecord{
		ListingID:    r.ListingID,
		SettlementID: r.SettlementID,
		Registry:     string(r.Asset.Registry),
		AssetID:      uint64(r.Asset.ID),
		Seller:       string(r.Seller),
		Buyer:        string(r.Buyer),
		Price:        r.Price,
		Fee:          r.Fee,
		Charged:      r.Charged,
		SettledAt:    r.SettledAt,
	}
}
