package market

import (
	"fmt"

	"asset_market/internal/domain"
	"asset_market/pkg/quant"

	"github.com/shopspring/decimal"
)

const (
	reasonNonPositivePrice = "Price must be greater than zero"
	reasonFractionalPrice  = "price must be a whole number of wei"
	reasonNoSuchItem       = "item doesn't exist"
)

// ListingStore is the single source of truth for listing existence and sale state.
// Records are append-only: ids are dense from 1, never reused, never deleted.
// Not safe for concurrent use; the Marketplace serialises access.
type ListingStore struct {
	items map[uint64]*domain.Listing
	count uint64
}

// NewListingStore creates an empty store.
func NewListingStore() *ListingStore {
	return &ListingStore{items: make(map[uint64]*domain.Listing)}
}

func validatePrice(op string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return domain.NewValidationError(op, reasonNonPositivePrice)
	}
	if !quant.IsWholeWei(price) {
		return domain.NewValidationError(op, reasonFractionalPrice)
	}
	return nil
}

// Create allocates the next listing id and stores an unsold record.
func (s *ListingStore) Create(asset domain.AssetRef, seller domain.Address, price decimal.Decimal) (domain.Listing, error) {
	if err := validatePrice("create", price); err != nil {
		return domain.Listing{}, err
	}

	s.count++
	l := &domain.Listing{
		ID:     s.count,
		Asset:  asset,
		Seller: seller,
		Price:  price,
	}
	s.items[l.ID] = l
	return *l, nil
}

// Get returns a copy of the listing. Fails for id 0 and never-allocated ids.
// Sold listings stay retrievable.
func (s *ListingStore) Get(id uint64) (domain.Listing, error) {
	if id == 0 || id > s.count {
		return domain.Listing{}, domain.NewNotFoundError("get", reasonNoSuchItem)
	}
	return *s.items[id], nil
}

// MarkSold flips the sold flag unconditionally. The settlement engine checks
// the listing is unsold before calling.
func (s *ListingStore) MarkSold(id uint64) {
	s.items[id].Sold = true
}

// Count returns the number of allocated listings.
func (s *ListingStore) Count() uint64 {
	return s.count
}

// All returns copies of every listing ordered by id.
func (s *ListingStore) All() []domain.Listing {
	out := make([]domain.Listing, 0, s.count)
	for i := uint64(1); i <= s.count; i++ {
		out = append(out, *s.items[i])
	}
	return out
}

// unmarkSold reverts MarkSold during a rollback, before anything observed it.
func (s *ListingStore) unmarkSold(id uint64) {
	s.items[id].Sold = false
}

// discard reverts the latest Create during a rollback.
func (s *ListingStore) discard(id uint64) {
	if id != s.count {
		panic(fmt.Sprintf("LISTING_DISCARD_OUT_OF_ORDER: discard %d, latest %d", id, s.count))
	}
	delete(s.items, id)
	s.count--
}
