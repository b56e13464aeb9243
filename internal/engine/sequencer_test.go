package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"asset_market/internal/domain"
	"asset_market/internal/event"
	"asset_market/internal/market"
	"asset_market/internal/registry"
	"asset_market/pkg/quant"
)

var (
	deployer = domain.DeriveAddress("deployer")
	seller   = domain.DeriveAddress("seller")
	buyer    = domain.DeriveAddress("buyer")
)

func newTestMarket(t testing.TB) (*market.Marketplace, *registry.Registry, *event.Log) {
	t.Helper()
	fees, err := market.NewFeePolicy(deployer, 1)
	if err != nil {
		t.Fatalf("NewFeePolicy failed: %v", err)
	}
	log := event.NewLog()
	m := market.New(fees, market.Config{Sink: log})
	nft := registry.NewDefault()
	m.AttachRegistry(nft)
	return m, nft, log
}

func startSequencer(t *testing.T, m *market.Marketplace) (*Sequencer, context.CancelFunc) {
	t.Helper()
	seq := NewSequencer(16, m)
	seq.SetDumpPath(filepath.Join(t.TempDir(), "dump.json"))
	ctx, cancel := context.WithCancel(context.Background())
	go seq.Run(ctx)
	t.Cleanup(cancel)
	return seq, cancel
}

func TestSequencer_Lifecycle(t *testing.T) {
	m, nft, log := newTestMarket(t)
	seq, _ := startSequencer(t, m)
	ctx := context.Background()

	mint, err := seq.Submit(ctx, MintCommand{Registry: nft.Address(), Owner: seller, MetadataURI: "https://example.com/1.json"})
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if mint.AssetID != 1 || mint.Seq != 1 {
		t.Errorf("Unexpected mint result %+v", mint)
	}

	if _, err := seq.Submit(ctx, ApproveCommand{Registry: nft.Address(), Owner: seller, Operator: m.Address(), Approved: true}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if _, err := seq.Submit(ctx, DepositCommand{Account: buyer, Amount: quant.Ether(5)}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	listed, err := seq.Submit(ctx, ListCommand{
		Asset:  domain.AssetRef{Registry: nft.Address(), ID: mint.AssetID},
		Seller: seller,
		Price:  quant.Ether(2),
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if listed.ListingID != 1 {
		t.Errorf("Expected listing 1, got %d", listed.ListingID)
	}

	bought, err := seq.Submit(ctx, PurchaseCommand{ListingID: 1, Paid: quant.MustToWei("2.02"), Buyer: buyer})
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if bought.Receipt == nil || bought.Receipt.Buyer != buyer {
		t.Fatalf("Expected receipt, got %+v", bought)
	}
	if bought.Seq != 5 || seq.Applied() != 5 {
		t.Errorf("Expected seq 5, got %d (applied %d)", bought.Seq, seq.Applied())
	}

	owner, _ := nft.OwnerOf(mint.AssetID)
	if owner != buyer {
		t.Errorf("Expected buyer to own the asset, got %s", owner)
	}
	if log.Len() != 2 {
		t.Errorf("Expected 2 events, got %d", log.Len())
	}
}

func TestSequencer_RejectionsKeepOrder(t *testing.T) {
	m, nft, _ := newTestMarket(t)
	seq, _ := startSequencer(t, m)
	ctx := context.Background()

	res, err := seq.Submit(ctx, PurchaseCommand{ListingID: 7, Paid: quant.Ether(1), Buyer: buyer})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected not found, got %v", err)
	}
	if res.Seq != 1 {
		t.Errorf("Rejected command still takes a seq, got %d", res.Seq)
	}

	if _, err := seq.Submit(ctx, MintCommand{Registry: "0xunknown", Owner: seller}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Unknown registry: got %v", err)
	}

	res, err = seq.Submit(ctx, MintCommand{Registry: nft.Address(), Owner: seller})
	if err != nil || res.Seq != 3 {
		t.Errorf("Expected seq 3, got %d (%v)", res.Seq, err)
	}
}

func TestSequencer_ConcurrentPurchaseSellsOnce(t *testing.T) {
	m, nft, log := newTestMarket(t)
	seq, _ := startSequencer(t, m)
	ctx := context.Background()

	id, _ := nft.Mint(seller, "https://example.com/1.json")
	nft.SetApprovalForAll(seller, m.Address(), true)
	if _, err := m.List(domain.AssetRef{Registry: nft.Address(), ID: id}, seller, quant.Ether(1)); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	const buyers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < buyers; i++ {
		b := domain.DeriveAddress("buyer-" + string(rune('a'+i)))
		if err := m.Deposit(b, quant.Ether(2)); err != nil {
			t.Fatalf("deposit failed: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := seq.Submit(ctx, PurchaseCommand{ListingID: 1, Paid: quant.MustToWei("1.01"), Buyer: b})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrState) {
				t.Errorf("Expected state error for losers, got %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one winner, got %d", wins)
	}
	if log.Len() != 2 {
		t.Errorf("Expected 2 events, got %d", log.Len())
	}
}

// explodingRegistry violates the registry contract to exercise the halt policy.
type explodingRegistry struct {
	*registry.Registry
}

func (r *explodingRegistry) Mint(domain.Address, string) (domain.AssetID, error) {
	panic("registry corrupted")
}

func TestSequencer_HaltsAndDumpsOnPanic(t *testing.T) {
	m, _, _ := newTestMarket(t)
	bad := &explodingRegistry{Registry: registry.New("Broken", "BRK")}
	m.AttachRegistry(bad)
	if err := m.Deposit(buyer, quant.Ether(3)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	seq := NewSequencer(4, m)
	dump := filepath.Join(t.TempDir(), "dump.json")
	seq.SetDumpPath(dump)
	halted := make(chan any, 1)
	seq.onHalt = func(r any) { halted <- r }
	go seq.Run(context.Background())

	_, err := seq.Submit(context.Background(), MintCommand{Registry: bad.Address(), Owner: seller})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Expected ErrHalted, got %v", err)
	}

	select {
	case r := <-halted:
		if r != "registry corrupted" {
			t.Errorf("Unexpected panic value %v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("halt hook not called")
	}
	if !seq.Halted() {
		t.Error("Sequencer should report halted")
	}

	raw, err := os.ReadFile(dump)
	if err != nil {
		t.Fatalf("dump not written: %v", err)
	}
	var state StateDump
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("invalid dump: %v", err)
	}
	if state.NextSeq != 1 || !state.Balances[buyer].Amount.Equal(quant.Ether(3)) {
		t.Errorf("Unexpected dump %+v", state)
	}

	if _, err := seq.Submit(context.Background(), DepositCommand{Account: buyer, Amount: quant.Ether(1)}); !errors.Is(err, ErrHalted) {
		t.Errorf("Submissions after a halt should fail, got %v", err)
	}
}

func TestSequencer_SubmitHonoursContext(t *testing.T) {
	m, _, _ := newTestMarket(t)
	seq := NewSequencer(0, m) // Never started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := seq.Submit(ctx, DepositCommand{Account: buyer, Amount: quant.Ether(1)}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
