// Package market implements the listing store, fee policy and settlement engine
// of the asset exchange. Every mutating operation runs under one lock and
// either commits entirely or leaves no trace.
package market

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"asset_market/internal/domain"
	"asset_market/internal/event"
	"asset_market/pkg/quant"

	"github.com/shopspring/decimal"
)

const (
	reasonNotOwner    = "caller is not the asset owner"
	reasonNotApproved = "marketplace is not approved to transfer asset"
	reasonZeroSeller  = "seller address is required"
	reasonSelfListing = "marketplace cannot list assets it holds in escrow"
	reasonBadDeposit  = "deposit must be a positive whole number of wei"
)

// EventSink receives committed notifications in commit order.
type EventSink interface {
	Append(ev event.Event)
	NextSeq() uint64
}

// Journal persists committed state. A failing journal write rolls the
// operation back.
type Journal interface {
	RecordListing(l domain.Listing, ev *event.Offered) error
	RecordSale(r domain.Receipt, ev *event.Bought) error
}

// Recorder collects operational counters.
type Recorder interface {
	RecordListing()
	RecordSale(latency time.Duration)
	RecordRollback()
	RecordRejection(kind domain.Kind)
}

type noopRecorder struct{}

func (noopRecorder) RecordListing()              {}
func (noopRecorder) RecordSale(time.Duration)    {}
func (noopRecorder) RecordRollback()             {}
func (noopRecorder) RecordRejection(domain.Kind) {}

// Config holds the optional collaborators of a Marketplace.
type Config struct {
	Escrow  domain.Address // Marketplace identity; derived when empty
	Surplus SurplusPolicy  // Defaults to SurplusRefund
	Sink    EventSink      // Defaults to a fresh event.Log
	Journal Journal        // Optional
	Metrics Recorder       // Optional
}

// Marketplace owns the listing store, the funds ledger and the fee policy.
type Marketplace struct {
	mu sync.Mutex

	escrow     domain.Address
	fees       FeePolicy
	surplus    SurplusPolicy
	store      *ListingStore
	funds      *domain.BalanceBook
	registries map[domain.Address]domain.AssetRegistry

	sink    EventSink
	journal Journal
	metrics Recorder

	opSeq uint64
	now   func() time.Time
}

// New creates a marketplace with the given fee policy.
func New(fees FeePolicy, cfg Config) *Marketplace {
	m := &Marketplace{
		escrow:     cfg.Escrow,
		fees:       fees,
		surplus:    cfg.Surplus,
		store:      NewListingStore(),
		funds:      domain.NewBalanceBook(),
		registries: make(map[domain.Address]domain.AssetRegistry),
		sink:       cfg.Sink,
		journal:    cfg.Journal,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
	if m.escrow.IsZero() {
		m.escrow = domain.DeriveAddress("marketplace")
	}
	if m.surplus == "" {
		m.surplus = SurplusRefund
	}
	if m.sink == nil {
		m.sink = event.NewLog()
	}
	if m.metrics == nil {
		m.metrics = noopRecorder{}
	}
	return m
}

// Address is the escrow identity that owns listed assets until they sell.
func (m *Marketplace) Address() domain.Address { return m.escrow }

func (m *Marketplace) FeeAccount() domain.Address { return m.fees.Account() }
func (m *Marketplace) FeePercent() int64          { return m.fees.Percent() }
func (m *Marketplace) Surplus() SurplusPolicy     { return m.surplus }

// AttachRegistry makes assets of reg listable.
func (m *Marketplace) AttachRegistry(reg domain.AssetRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registries[reg.Address()] = reg
}

// Registry returns an attached registry by address.
func (m *Marketplace) Registry(addr domain.Address) (domain.AssetRegistry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registries[addr]
	if !ok {
		return nil, domain.NewNotFoundError("registry", reasonUnknownRegistry)
	}
	return reg, nil
}

func (m *Marketplace) nextOpSeq() uint64 {
	m.opSeq++
	return m.opSeq
}

// Deposit credits account with amount wei from outside the ledger.
func (m *Marketplace) Deposit(account domain.Address, amount decimal.Decimal) error {
	if account.IsZero() {
		return domain.NewValidationError("deposit", "account address is required")
	}
	if !amount.IsPositive() || !quant.IsWholeWei(amount) {
		return domain.NewValidationError("deposit", reasonBadDeposit)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.funds.Get(account).Credit(amount, m.nextOpSeq())
	return nil
}

// BalanceOf returns the wei balance of account.
func (m *Marketplace) BalanceOf(account domain.Address) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.funds.AmountOf(account)
}

// Balances returns a copy of every balance.
func (m *Marketplace) Balances() map[domain.Address]domain.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.funds.Snapshot()
}

// TotalSupply is the sum of all balances; only deposits change it.
func (m *Marketplace) TotalSupply() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.funds.TotalSupply()
}

// ItemCount returns the number of listings ever created.
func (m *Marketplace) ItemCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Count()
}

// Item returns listing id, sold or not.
func (m *Marketplace) Item(id uint64) (domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.store.Get(id)
	if err != nil {
		return domain.Listing{}, domain.NewNotFoundError("items", reasonNoSuchItem)
	}
	return l, nil
}

// Items returns every listing ordered by id.
func (m *Marketplace) Items() []domain.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.All()
}

// TotalPrice returns price + floor(price * feePercent / 100) for listing id.
func (m *Marketplace) TotalPrice(id uint64) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.store.Get(id)
	if err != nil {
		return decimal.Zero, domain.NewNotFoundError("getTotalPrice", reasonNoSuchItem)
	}
	_, total := m.fees.Quote(l.Price)
	return total, nil
}

// List escrows asset from seller and offers it at price wei. Returns the listing id.
func (m *Marketplace) List(asset domain.AssetRef, seller domain.Address, price decimal.Decimal) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.list(asset, seller, price)
	if err != nil {
		if domain.KindOf(err) != domain.KindUnknown {
			m.metrics.RecordRejection(domain.KindOf(err))
		} else {
			m.metrics.RecordRollback()
		}
		return 0, err
	}
	m.metrics.RecordListing()
	return l.ID, nil
}

func (m *Marketplace) list(asset domain.AssetRef, seller domain.Address, price decimal.Decimal) (domain.Listing, error) {
	const op = "list"

	if err := validatePrice(op, price); err != nil {
		return domain.Listing{}, err
	}
	if seller.IsZero() {
		return domain.Listing{}, domain.NewValidationError(op, reasonZeroSeller)
	}
	if seller == m.escrow {
		return domain.Listing{}, domain.NewAuthorizationError(op, reasonSelfListing)
	}

	reg, ok := m.registries[asset.Registry]
	if !ok {
		return domain.Listing{}, domain.NewNotFoundError(op, reasonUnknownRegistry)
	}
	owner, err := reg.OwnerOf(asset.ID)
	if err != nil {
		return domain.Listing{}, err
	}
	if owner != seller {
		return domain.Listing{}, domain.NewAuthorizationError(op, reasonNotOwner)
	}
	if !reg.IsApprovedForAll(seller, m.escrow) {
		return domain.Listing{}, domain.NewAuthorizationError(op, reasonNotApproved)
	}

	u := &unitOfWork{op: op}

	if err := u.do("escrow asset",
		func() error { return reg.TransferFrom(m.escrow, seller, m.escrow, asset.ID) },
		func() { mustTransfer(reg, m.escrow, m.escrow, seller, asset.ID) },
	); err != nil {
		u.rollback(err)
		return domain.Listing{}, err
	}

	var listing domain.Listing
	if err := u.do("allocate listing",
		func() error {
			var err error
			listing, err = m.store.Create(asset, seller, price)
			return err
		},
		func() { m.store.discard(listing.ID) },
	); err != nil {
		u.rollback(err)
		return domain.Listing{}, err
	}

	ev := event.NewOffered(m.sink.NextSeq(), listing)

	if m.journal != nil {
		if err := u.do("journal",
			func() error {
				if err := m.journal.RecordListing(listing, ev); err != nil {
					return fmt.Errorf("%s: journal listing: %w", op, err)
				}
				return nil
			},
			nil,
		); err != nil {
			u.rollback(err)
			return domain.Listing{}, err
		}
	}

	m.nextOpSeq()
	m.sink.Append(ev)

	slog.Info("Listing offered",
		slog.Uint64("item_id", listing.ID),
		slog.String("asset", asset.String()),
		slog.String("seller", seller.String()),
		slog.String("price", price.String()),
	)
	return listing, nil
}
