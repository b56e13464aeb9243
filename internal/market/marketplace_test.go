package market

import (
	"errors"
	"sync"
	"testing"
	"time"

	"asset_market/internal/domain"
	"asset_market/internal/event"
	"asset_market/internal/registry"
	"asset_market/pkg/quant"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	feePercent = 1
	uri        = "sample URI"
)

var (
	deployer = domain.DeriveAddress("deployer")
	addr1    = domain.DeriveAddress("addr1")
	addr2    = domain.DeriveAddress("addr2")
)

type fixture struct {
	nft    *registry.Registry
	market *Marketplace
	log    *event.Log
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fees, err := NewFeePolicy(deployer, feePercent)
	require.NoError(t, err)

	log := event.NewLog()
	if cfg.Sink == nil {
		cfg.Sink = log
	}
	nft := registry.NewDefault()
	m := New(fees, cfg)
	m.AttachRegistry(nft)

	for _, a := range []domain.Address{addr1, addr2, deployer} {
		require.NoError(t, m.Deposit(a, quant.Ether(100)))
	}
	return &fixture{nft: nft, market: m, log: log}
}

// mintAndList has addr1 mint, approve and list at price.
func (f *fixture) mintAndList(t *testing.T, price decimal.Decimal) uint64 {
	t.Helper()
	id, err := f.nft.Mint(addr1, uri)
	require.NoError(t, err)
	f.nft.SetApprovalForAll(addr1, f.market.Address(), true)
	itemID, err := f.market.List(domain.AssetRef{Registry: f.nft.Address(), ID: id}, addr1, price)
	require.NoError(t, err)
	return itemID
}

func TestMarketplace_Deployment(t *testing.T) {
	f := newFixture(t, Config{})

	assert.Equal(t, deployer, f.market.FeeAccount())
	assert.Equal(t, int64(feePercent), f.market.FeePercent())
	assert.Equal(t, SurplusRefund, f.market.Surplus())
	assert.False(t, f.market.Address().IsZero())
}

func TestMarketplace_List(t *testing.T) {
	f := newFixture(t, Config{})

	itemID := f.mintAndList(t, quant.Ether(1))
	require.Equal(t, uint64(1), itemID)

	owner, err := f.nft.OwnerOf(1)
	require.NoError(t, err)
	assert.Equal(t, f.market.Address(), owner, "escrow should own the asset")
	assert.Equal(t, uint64(1), f.market.ItemCount())

	item, err := f.market.Item(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), item.ID)
	assert.Equal(t, f.nft.Address(), item.Asset.Registry)
	assert.Equal(t, domain.AssetID(1), item.Asset.ID)
	assert.True(t, item.Price.Equal(quant.Ether(1)))
	assert.Equal(t, addr1, item.Seller)
	assert.False(t, item.Sold)

	evs := f.log.Events()
	require.Len(t, evs, 1)
	offered, ok := evs[0].(*event.Offered)
	require.True(t, ok)
	assert.Equal(t, uint64(1), offered.ListingID)
	assert.Equal(t, f.nft.Address(), offered.AssetRegistry)
	assert.Equal(t, domain.AssetID(1), offered.AssetID)
	assert.True(t, offered.Price.Equal(quant.Ether(1)))
	assert.Equal(t, addr1, offered.Seller)
}

func TestMarketplace_ListRejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fixture) (domain.AssetRef, domain.Address, decimal.Decimal)
		sentinel error
		reason   string
	}{
		{
			name: "zero price",
			setup: func(f *fixture) (domain.AssetRef, domain.Address, decimal.Decimal) {
				id, _ := f.nft.Mint(addr1, uri)
				f.nft.SetApprovalForAll(addr1, f.market.Address(), true)
				return domain.AssetRef{Registry: f.nft.Address(), ID: id}, addr1, decimal.Zero
			},
			sentinel: domain.ErrValidation,
			reason:   "list: Price must be greater than zero",
		},
		{
			name: "negative price",
			setup: func(f *fixture) (domain.AssetRef, domain.Address, decimal.Decimal) {
				id, _ := f.nft.Mint(addr1, uri)
				f.nft.SetApprovalForAll(addr1, f.market.Address(), true)
				return domain.AssetRef{Registry: f.nft.Address(), ID: id}, addr1, decimal.NewFromInt(-5)
			},
			sentinel: domain.ErrValidation,
		},
		{
			name: "not owner",
			setup: func(f *fixture) (domain.AssetRef, domain.Address, decimal.Decimal) {
				id, _ := f.nft.Mint(addr1, uri)
				f.nft.SetApprovalForAll(addr2, f.market.Address(), true)
				return domain.AssetRef{Registry: f.nft.Address(), ID: id}, addr2, quant.Ether(1)
			},
			sentinel: domain.ErrAuthorization,
			reason:   "list: caller is not the asset owner",
		},
		{
			name: "not approved",
			setup: func(f *fixture) (domain.AssetRef, domain.Address, decimal.Decimal) {
				id, _ := f.nft.Mint(addr1, uri)
				return domain.AssetRef{Registry: f.nft.Address(), ID: id}, addr1, quant.Ether(1)
			},
			sentinel: domain.ErrAuthorization,
			reason:   "list: marketplace is not approved to transfer asset",
		},
		{
			name: "unminted asset",
			setup: func(f *fixture) (domain.AssetRef, domain.Address, decimal.Decimal) {
				return domain.AssetRef{Registry: f.nft.Address(), ID: 42}, addr1, quant.Ether(1)
			},
			sentinel: domain.ErrNotFound,
		},
		{
			name: "unknown registry",
			setup: func(f *fixture) (domain.AssetRef, domain.Address, decimal.Decimal) {
				return domain.AssetRef{Registry: "0xnowhere", ID: 1}, addr1, quant.Ether(1)
			},
			sentinel: domain.ErrNotFound,
		},
		{
			name: "escrow as seller",
			setup: func(f *fixture) (domain.AssetRef, domain.Address, decimal.Decimal) {
				id, _ := f.nft.Mint(f.market.Address(), uri)
				f.nft.SetApprovalForAll(f.market.Address(), f.market.Address(), true)
				return domain.AssetRef{Registry: f.nft.Address(), ID: id}, f.market.Address(), quant.Ether(1)
			},
			sentinel: domain.ErrAuthorization,
			reason:   "list: marketplace cannot list assets it holds in escrow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			ref, seller, price := tt.setup(f)

			_, err := f.market.List(ref, seller, price)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, err.Error())
			}
			assert.Equal(t, uint64(0), f.market.ItemCount())
			assert.Equal(t, 0, f.log.Len(), "no event for a failed operation")
		})
	}
}

func TestMarketplace_ItemCountIncrementsPerListing(t *testing.T) {
	f := newFixture(t, Config{})

	for i := 1; i <= 5; i++ {
		itemID := f.mintAndList(t, quant.Wei(int64(i)))
		assert.Equal(t, uint64(i), itemID)
		assert.Equal(t, uint64(i), f.market.ItemCount())
	}
}

func TestMarketplace_TotalPrice(t *testing.T) {
	f := newFixture(t, Config{})

	prices := []decimal.Decimal{quant.Ether(2), quant.Wei(1), quant.Wei(99), quant.Wei(100), quant.Wei(12345), quant.MustToWei("0.7")}
	for _, p := range prices {
		itemID := f.mintAndList(t, p)
		total, err := f.market.TotalPrice(itemID)
		require.NoError(t, err)
		want := p.Add(quant.PercentOf(p, feePercent))
		assert.True(t, total.Equal(want), "price %s: total %s, want %s", p, total, want)
	}

	_, err := f.market.TotalPrice(0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.market.TotalPrice(uint64(len(prices) + 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketplace_Purchase(t *testing.T) {
	f := newFixture(t, Config{})
	f.mintAndList(t, quant.Ether(2))

	sellerInitial := f.market.BalanceOf(addr1)
	feeInitial := f.market.BalanceOf(deployer)
	buyerInitial := f.market.BalanceOf(addr2)
	supply := f.market.TotalSupply()

	total, err := f.market.TotalPrice(1)
	require.NoError(t, err)
	require.Equal(t, "2.02", quant.FromWei(total))

	receipt, err := f.market.Purchase(1, total, addr2)
	require.NoError(t, err)

	assert.NotEmpty(t, receipt.SettlementID)
	assert.Equal(t, uint64(1), receipt.ListingID)
	assert.Equal(t, addr1, receipt.Seller)
	assert.Equal(t, addr2, receipt.Buyer)
	assert.True(t, receipt.Price.Equal(quant.Ether(2)))
	assert.True(t, receipt.Fee.Equal(quant.MustToWei("0.02")))

	item, _ := f.market.Item(1)
	assert.True(t, item.Sold)

	assert.True(t, f.market.BalanceOf(addr1).Sub(sellerInitial).Equal(quant.Ether(2)), "seller gains price")
	assert.True(t, f.market.BalanceOf(deployer).Sub(feeInitial).Equal(quant.MustToWei("0.02")), "fee account gains fee")
	assert.True(t, buyerInitial.Sub(f.market.BalanceOf(addr2)).Equal(total), "buyer pays total")
	assert.True(t, f.market.TotalSupply().Equal(supply), "settlement conserves funds")

	owner, _ := f.nft.OwnerOf(1)
	assert.Equal(t, addr2, owner)

	evs := f.log.Events()
	require.Len(t, evs, 2)
	bought, ok := evs[1].(*event.Bought)
	require.True(t, ok)
	assert.Equal(t, uint64(2), bought.Seq)
	assert.Equal(t, uint64(1), bought.ListingID)
	assert.Equal(t, f.nft.Address(), bought.AssetRegistry)
	assert.Equal(t, domain.AssetID(1), bought.AssetID)
	assert.True(t, bought.Price.Equal(quant.Ether(2)))
	assert.Equal(t, addr1, bought.Seller)
	assert.Equal(t, addr2, bought.Buyer)
}

func TestMarketplace_PurchaseFailures(t *testing.T) {
	f := newFixture(t, Config{})
	f.mintAndList(t, quant.Ether(2))
	total, _ := f.market.TotalPrice(1)

	t.Run("invalid item ids", func(t *testing.T) {
		for _, id := range []uint64{0, 2} {
			_, err := f.market.Purchase(id, total, addr2)
			assert.ErrorIs(t, err, domain.ErrNotFound)
			assert.Equal(t, "purchase: item doesn't exist", err.Error())
		}
	})

	t.Run("not enough paid", func(t *testing.T) {
		_, err := f.market.Purchase(1, quant.Ether(2), addr2)
		assert.ErrorIs(t, err, domain.ErrPayment)
		assert.Equal(t, "purchase: not enough ether to cover item price and market fee", err.Error())
		item, _ := f.market.Item(1)
		assert.False(t, item.Sold)
	})

	t.Run("already sold", func(t *testing.T) {
		_, err := f.market.Purchase(1, total, addr2)
		require.NoError(t, err)

		for _, paid := range []decimal.Decimal{total, total.Mul(decimal.NewFromInt(10)), decimal.Zero} {
			_, err = f.market.Purchase(1, paid, deployer)
			assert.ErrorIs(t, err, domain.ErrState)
			assert.Equal(t, "purchase: item already sold", err.Error())
		}
	})

	assert.Equal(t, 2, f.log.Len(), "only the listing and the single sale emit events")
}

func TestMarketplace_PurchaseBuyerBalance(t *testing.T) {
	f := newFixture(t, Config{})
	f.mintAndList(t, quant.Ether(2))

	poor := domain.DeriveAddress("poor")
	require.NoError(t, f.market.Deposit(poor, quant.Ether(1)))
	total, _ := f.market.TotalPrice(1)

	_, err := f.market.Purchase(1, total, poor)
	assert.ErrorIs(t, err, domain.ErrPayment)
	assert.True(t, f.market.BalanceOf(poor).Equal(quant.Ether(1)))

	_, err = f.market.Purchase(1, total, domain.ZeroAddress)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.market.Purchase(1, total.Add(decimal.RequireFromString("0.5")), addr2)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMarketplace_SurplusPolicies(t *testing.T) {
	over := quant.MustToWei("3")

	t.Run("refund", func(t *testing.T) {
		f := newFixture(t, Config{Surplus: SurplusRefund})
		f.mintAndList(t, quant.Ether(2))
		before := f.market.BalanceOf(addr2)

		r, err := f.market.Purchase(1, over, addr2)
		require.NoError(t, err)
		assert.True(t, r.Charged.Equal(quant.MustToWei("2.02")))
		assert.True(t, before.Sub(f.market.BalanceOf(addr2)).Equal(quant.MustToWei("2.02")))
	})

	t.Run("retain", func(t *testing.T) {
		f := newFixture(t, Config{Surplus: SurplusRetain})
		f.mintAndList(t, quant.Ether(2))
		before := f.market.BalanceOf(addr2)

		r, err := f.market.Purchase(1, over, addr2)
		require.NoError(t, err)
		assert.True(t, r.Charged.Equal(over))
		assert.True(t, before.Sub(f.market.BalanceOf(addr2)).Equal(over))
		assert.True(t, f.market.BalanceOf(f.market.Address()).Equal(quant.MustToWei("0.98")))
	})

	t.Run("reject", func(t *testing.T) {
		f := newFixture(t, Config{Surplus: SurplusReject})
		f.mintAndList(t, quant.Ether(2))

		_, err := f.market.Purchase(1, over, addr2)
		assert.ErrorIs(t, err, domain.ErrPayment)

		_, err = f.market.Purchase(1, quant.MustToWei("2.02"), addr2)
		assert.NoError(t, err, "exact payment is always accepted")
	})
}

func TestMarketplace_FreeMarketplace(t *testing.T) {
	fees, err := NewFeePolicy(deployer, 0)
	require.NoError(t, err)
	nft := registry.NewDefault()
	m := New(fees, Config{})
	m.AttachRegistry(nft)
	require.NoError(t, m.Deposit(addr2, quant.Ether(5)))

	id, _ := nft.Mint(addr1, uri)
	nft.SetApprovalForAll(addr1, m.Address(), true)
	itemID, err := m.List(domain.AssetRef{Registry: nft.Address(), ID: id}, addr1, quant.Ether(2))
	require.NoError(t, err)

	total, _ := m.TotalPrice(itemID)
	assert.True(t, total.Equal(quant.Ether(2)))

	_, err = m.Purchase(itemID, total, addr2)
	require.NoError(t, err)
	assert.True(t, m.BalanceOf(deployer).IsZero())
}

func TestMarketplace_Deposit(t *testing.T) {
	f := newFixture(t, Config{})

	assert.ErrorIs(t, f.market.Deposit(addr1, decimal.Zero), domain.ErrValidation)
	assert.ErrorIs(t, f.market.Deposit(addr1, decimal.RequireFromString("0.1")), domain.ErrValidation)
	assert.ErrorIs(t, f.market.Deposit(domain.ZeroAddress, quant.Ether(1)), domain.ErrValidation)

	require.NoError(t, f.market.Deposit(addr1, quant.Ether(1)))
	assert.True(t, f.market.BalanceOf(addr1).Equal(quant.Ether(101)))
	assert.Equal(t, addr1, f.market.Balances()[addr1].Account)
}

func TestMarketplace_Registry(t *testing.T) {
	f := newFixture(t, Config{})

	reg, err := f.market.Registry(f.nft.Address())
	require.NoError(t, err)
	assert.Equal(t, f.nft.Address(), reg.Address())

	_, err = f.market.Registry("0xnowhere")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketplace_MultipleRegistries(t *testing.T) {
	f := newFixture(t, Config{})
	other := registry.New("Other", "OTH")
	f.market.AttachRegistry(other)

	a, _ := f.nft.Mint(addr1, uri)
	b, _ := other.Mint(addr1, uri)
	f.nft.SetApprovalForAll(addr1, f.market.Address(), true)
	other.SetApprovalForAll(addr1, f.market.Address(), true)

	id1, err := f.market.List(domain.AssetRef{Registry: f.nft.Address(), ID: a}, addr1, quant.Ether(1))
	require.NoError(t, err)
	id2, err := f.market.List(domain.AssetRef{Registry: other.Address(), ID: b}, addr1, quant.Ether(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, []uint64{id1, id2})

	_, err = f.market.Purchase(id2, quant.MustToWei("1.01"), addr2)
	require.NoError(t, err)
	owner, _ := other.OwnerOf(b)
	assert.Equal(t, addr2, owner)
	owner, _ = f.nft.OwnerOf(a)
	assert.Equal(t, f.market.Address(), owner)
}

func TestMarketplace_ConcurrentPurchasesSellOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.mintAndList(t, quant.Ether(2))
	total, _ := f.market.TotalPrice(1)

	buyers := make([]domain.Address, 16)
	for i := range buyers {
		buyers[i] = domain.DeriveAddress("buyer" + string(rune('a'+i)))
		require.NoError(t, f.market.Deposit(buyers[i], quant.Ether(10)))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		states    int
	)
	for _, b := range buyers {
		wg.Add(1)
		go func(buyer domain.Address) {
			defer wg.Done()
			_, err := f.market.Purchase(1, total, buyer)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrState):
				states++
			}
		}(b)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, len(buyers)-1, states)
	assert.True(t, f.market.BalanceOf(addr1).Equal(quant.Ether(102)))
}

func TestMarketplace_Items(t *testing.T) {
	f := newFixture(t, Config{})
	f.mintAndList(t, quant.Ether(1))
	f.mintAndList(t, quant.Ether(2))

	items := f.market.Items()
	require.Len(t, items, 2)
	assert.Equal(t, uint64(2), items[1].ID)

	_, err := f.market.Item(3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketplace_ReceiptTimestamp(t *testing.T) {
	f := newFixture(t, Config{})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.market.now = func() time.Time { return fixed }
	f.mintAndList(t, quant.Ether(1))

	r, err := f.market.Purchase(1, quant.MustToWei("1.01"), addr2)
	require.NoError(t, err)
	assert.Equal(t, fixed, r.SettledAt)
}
