package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"asset_market/internal/domain"
	"asset_market/internal/event"

	"github.com/shopspring/decimal"
)

// Backlog supplies committed events the catalog may have missed.
type Backlog interface {
	Since(seq uint64) []event.Event
}

// CatalogEntry is the read-side view of one listing.
type CatalogEntry struct {
	ListingID uint64          `json:"item_id"`
	Asset     domain.AssetRef `json:"asset"`
	Seller    domain.Address  `json:"seller"`
	Buyer     domain.Address  `json:"buyer,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Sold      bool            `json:"sold"`
	Preview   string          `json:"preview,omitempty"` // Local thumbnail path
}

// Catalog is the read model of listings built from the notification stream.
type Catalog struct {
	mu      sync.RWMutex
	entries map[uint64]*CatalogEntry
	lastSeq uint64
	backlog Backlog
}

// NewCatalog creates a catalog. backlog is used to fill gaps and may be nil.
func NewCatalog(backlog Backlog) *Catalog {
	return &Catalog{
		entries: make(map[uint64]*CatalogEntry),
		backlog: backlog,
	}
}

// StartProcessor starts a background goroutine applying events from ch
func (c *Catalog) StartProcessor(ctx context.Context, ch <-chan event.Event) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				c.Apply(ev)
			}
		}
	}()
}

// Apply folds ev into the catalog. Events at or below the last applied seq are
// ignored; a gap is filled from the backlog before ev is applied.
func (c *Catalog) Apply(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.GetSeq() <= c.lastSeq {
		return
	}
	if ev.GetSeq() != c.lastSeq+1 && c.backlog != nil {
		slog.Warn("Catalog gap detected, catching up", slog.Uint64("have", c.lastSeq), slog.Uint64("got", ev.GetSeq()))
		for _, missed := range c.backlog.Since(c.lastSeq) {
			if missed.GetSeq() >= ev.GetSeq() {
				break
			}
			c.apply(missed)
		}
	}
	c.apply(ev)
}

// Must be called with lock held
func (c *Catalog) apply(ev event.Event) {
	switch e := ev.(type) {
	case *event.Offered:
		c.entries[e.ListingID] = &CatalogEntry{
			ListingID: e.ListingID,
			Asset:     e.Asset(),
			Seller:    e.Seller,
			Price:     e.Price,
		}
	case *event.Bought:
		entry, ok := c.entries[e.ListingID]
		if !ok {
			entry = &CatalogEntry{ListingID: e.ListingID, Asset: e.Asset(), Seller: e.Seller, Price: e.Price}
			c.entries[e.ListingID] = entry
		}
		entry.Sold = true
		entry.Buyer = e.Buyer
	default:
		slog.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}
	c.lastSeq = ev.GetSeq()
}

// SetPreview records the thumbnail path for a listing.
func (c *Catalog) SetPreview(listingID uint64, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[listingID]; ok {
		entry.Preview = path
	}
}

// Get returns a copy of one entry
func (c *Catalog) Get(listingID uint64) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[listingID]
	if !ok {
		return CatalogEntry{}, false
	}
	return *entry, true
}

// LastSeq returns the seq of the last applied event
func (c *Catalog) LastSeq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeq
}

// Unsold returns open listings ordered by id
func (c *Catalog) Unsold() []CatalogEntry {
	return c.filter(func(e *CatalogEntry) bool { return !e.Sold })
}

// BySeller returns every listing created by seller ordered by id
func (c *Catalog) BySeller(seller domain.Address) []CatalogEntry {
	return c.filter(func(e *CatalogEntry) bool { return e.Seller == seller })
}

// PurchasedBy returns every listing bought by buyer ordered by id
func (c *Catalog) PurchasedBy(buyer domain.Address) []CatalogEntry {
	return c.filter(func(e *CatalogEntry) bool { return e.Sold && e.Buyer == buyer })
}

func (c *Catalog) filter(keep func(*CatalogEntry) bool) []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]CatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if keep(e) {
			result = append(result, *e)
		}
	}

	// Sort by id for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].ListingID < result[j].ListingID
	})
	return result
}
