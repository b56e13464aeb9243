package event

import (
	"asset_market/internal/domain"
	"asset_market/pkg/quant"

	"github.com/shopspring/decimal"
)

// Type names a notification kind.
type Type string

const (
	TypeOffered Type = "Offered"
	TypeBought  Type = "Bought"
)

// Event is an immutable notification about a committed operation.
// Seq is dense from 1 and follows commit order exactly.
type Event interface {
	GetSeq() uint64
	GetType() Type
	GetListingID() uint64
}

// BaseEvent carries the ordering stamp shared by all events.
type BaseEvent struct {
	Seq uint64          `json:"seq"`
	Ts  quant.TimeStamp `json:"ts"`
}

func (b BaseEvent) GetSeq() uint64 { return b.Seq }

// Offered is emitted once per successful listing.
type Offered struct {
	BaseEvent
	ListingID     uint64          `json:"item_id"`
	AssetRegistry domain.Address  `json:"asset_registry"`
	AssetID       domain.AssetID  `json:"asset_id"`
	Price         decimal.Decimal `json:"price"`
	Seller        domain.Address  `json:"seller"`
}

func (e *Offered) GetType() Type          { return TypeOffered }
func (e *Offered) GetListingID() uint64   { return e.ListingID }
func (e *Offered) Asset() domain.AssetRef { return domain.AssetRef{Registry: e.AssetRegistry, ID: e.AssetID} }

// Bought is emitted once per committed purchase.
type Bought struct {
	BaseEvent
	ListingID     uint64          `json:"item_id"`
	AssetRegistry domain.Address  `json:"asset_registry"`
	AssetID       domain.AssetID  `json:"asset_id"`
	Price         decimal.Decimal `json:"price"`
	Seller        domain.Address  `json:"seller"`
	Buyer         domain.Address  `json:"buyer"`
}

func (e *Bought) GetType() Type          { return TypeBought }
func (e *Bought) GetListingID() uint64   { return e.ListingID }
func (e *Bought) Asset() domain.AssetRef { return domain.AssetRef{Registry: e.AssetRegistry, ID: e.AssetID} }

// NewOffered builds the notification for a freshly created listing.
func NewOffered(seq uint64, l domain.Listing) *Offered {
	return &Offered{
		BaseEvent:     BaseEvent{Seq: seq, Ts: quant.Now()},
		ListingID:     l.ID,
		AssetRegistry: l.Asset.Registry,
		AssetID:       l.Asset.ID,
		Price:         l.Price,
		Seller:        l.Seller,
	}
}

// NewBought builds the notification for a settled purchase.
func NewBought(seq uint64, r domain.Receipt) *Bought {
	return &Bought{
		BaseEvent:     BaseEvent{Seq: seq, Ts: quant.Now()},
		ListingID:     r.ListingID,
		AssetRegistry: r.Asset.Registry,
		AssetID:       r.Asset.ID,
		Price:         r.Price,
		Seller:        r.Seller,
		Buyer:         r.Buyer,
	}
}
