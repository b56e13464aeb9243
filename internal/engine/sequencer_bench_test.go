package engine

import (
	"context"
	"testing"

	"asset_market/internal/domain"
	"asset_market/pkg/quant"
)

// BenchmarkSequencer_Apply measures direct command application without channel overhead.
func BenchmarkSequencer_Apply(b *testing.B) {
	m, _, _ := newTestMarket(b)
	seq := NewSequencer(1000, m)
	cmd := DepositCommand{Account: domain.DeriveAddress("bench"), Amount: quant.Wei(1)}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := seq.Apply(cmd); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSequencer_FullPipeline measures end-to-end list and purchase through Submit.
// Note: This benchmark includes channel overhead.
func BenchmarkSequencer_FullPipeline(b *testing.B) {
	m, nft, _ := newTestMarket(b)
	seq := NewSequencer(1000, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go seq.Run(ctx)

	seller := domain.DeriveAddress("bench-seller")
	buyer := domain.DeriveAddress("bench-buyer")
	nft.SetApprovalForAll(seller, m.Address(), true)
	if err := m.Deposit(buyer, quant.Ether(int64(b.N)*2)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mint, err := seq.Submit(ctx, MintCommand{Registry: nft.Address(), Owner: seller})
		if err != nil {
			b.Fatal(err)
		}
		listed, err := seq.Submit(ctx, ListCommand{Asset: domain.AssetRef{Registry: nft.Address(), ID: mint.AssetID}, Seller: seller, Price: quant.Ether(1)})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := seq.Submit(ctx, PurchaseCommand{ListingID: listed.ListingID, Paid: quant.MustToWei("1.01"), Buyer: buyer}); err != nil {
			b.Fatal(err)
		}
	}
}
