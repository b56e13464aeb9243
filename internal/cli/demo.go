package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"asset_market/internal/app"
	"asset_market/internal/domain"
	"asset_market/internal/engine"
	"asset_market/internal/infra"
	"asset_market/pkg/quant"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type demoOptions struct {
	price   string
	deposit string
	dbPath  string
}

func newDemoCommand(global *globalOptions) *cobra.Command {
	opts := &demoOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Replay the reference marketplace scenario",
		Long: `Mint an asset for a seller, list it, buy it from a second account and
print the resulting balances, ownership and notifications. Rejected
purchases (underpayment, unknown item, double sale) are shown as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.price, "price", "2", "listing price in ether")
	cmd.Flags().StringVar(&opts.deposit, "deposit", "100", "buyer deposit in ether")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite journal path (journal disabled when empty)")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, global *globalOptions, opts *demoOptions) error {
	price, err := quant.ToWei(opts.price)
	if err != nil {
		return fmt.Errorf("invalid --price: %w", err)
	}
	deposit, err := quant.ToWei(opts.deposit)
	if err != nil {
		return fmt.Errorf("invalid --deposit: %w", err)
	}

	deployer := domain.DeriveAddress("deployer")
	b, err := global.bootstrap(func(cfg *infra.Config) {
		cfg.Market.FeeAccount = string(deployer)
		cfg.Storage.Enabled = opts.dbPath != ""
		cfg.Storage.Path = opts.dbPath
		cfg.Feed.Enabled = false
		cfg.Preview.Enabled = false
	})
	if err != nil {
		return err
	}
	defer b.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.Start(ctx)

	d := &demo{b: b, ctx: ctx, out: out}
	return d.run(deployer, price, deposit)
}

type demo struct {
	b   *app.Bootstrap
	ctx context.Context
	out io.Writer
}

func (d *demo) submit(cmd engine.Command) (engine.Result, error) {
	return d.b.Sequencer.Submit(d.ctx, cmd)
}

func (d *demo) run(deployer domain.Address, price, deposit decimal.Decimal) error {
	seller := domain.DeriveAddress("addr1")
	buyer := domain.DeriveAddress("addr2")
	reg := d.b.Registry.Address()
	m := d.b.Market

	fmt.Fprintf(d.out, "marketplace %s  fee account %s  fee %d%%\n", m.Address(), m.FeeAccount(), m.FeePercent())
	fmt.Fprintf(d.out, "registry    %s (%s / %s)\n\n", reg, d.b.Registry.Name(), d.b.Registry.Symbol())

	mint, err := d.submit(engine.MintCommand{Registry: reg, Owner: seller, MetadataURI: "sample URI"})
	if err != nil {
		return err
	}
	if _, err := d.submit(engine.ApproveCommand{Registry: reg, Owner: seller, Operator: m.Address(), Approved: true}); err != nil {
		return err
	}
	if _, err := d.submit(engine.DepositCommand{Account: buyer, Amount: deposit}); err != nil {
		return err
	}

	listed, err := d.submit(engine.ListCommand{Asset: domain.AssetRef{Registry: reg, ID: mint.AssetID}, Seller: seller, Price: price})
	if err != nil {
		return err
	}
	total, err := m.TotalPrice(listed.ListingID)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "listed item %d at %s ETH, total with fee %s ETH\n", listed.ListingID, quant.FromWei(price), quant.FromWei(total))

	// Rejections leave no trace
	d.expectRejection("underpay", engine.PurchaseCommand{ListingID: listed.ListingID, Paid: price, Buyer: buyer})
	d.expectRejection("unknown item", engine.PurchaseCommand{ListingID: 0, Paid: total, Buyer: buyer})

	bought, err := d.submit(engine.PurchaseCommand{ListingID: listed.ListingID, Paid: total, Buyer: buyer})
	if err != nil {
		return err
	}
	r := bought.Receipt
	fmt.Fprintf(d.out, "sold item %d: settlement %s, price %s ETH, fee %s ETH, charged %s ETH\n",
		r.ListingID, r.SettlementID, quant.FromWei(r.Price), quant.FromWei(r.Fee), quant.FromWei(r.Charged))

	d.expectRejection("double sale", engine.PurchaseCommand{ListingID: listed.ListingID, Paid: total, Buyer: buyer})

	owner, err := d.b.Registry.OwnerOf(mint.AssetID)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "asset %d owner: %s\n\n", mint.AssetID, label(owner, deployer, seller, buyer, m.Address()))

	tw := tabwriter.NewWriter(d.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tADDRESS\tBALANCE (ETH)")
	for _, acct := range []domain.Address{deployer, seller, buyer, m.Address()} {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", label(acct, deployer, seller, buyer, m.Address()), acct, quant.FromWei(m.BalanceOf(acct)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(d.out, "\nevents:")
	for _, ev := range d.b.Log.Events() {
		fmt.Fprintf(d.out, "  #%d %s item %d\n", ev.GetSeq(), ev.GetType(), ev.GetListingID())
	}
	return nil
}

func (d *demo) expectRejection(name string, cmd engine.PurchaseCommand) {
	_, err := d.submit(cmd)
	var me *domain.MarketError
	if errors.As(err, &me) {
		fmt.Fprintf(d.out, "rejected %-12s %s: %s\n", name, me.Kind, me.Reason)
		return
	}
	fmt.Fprintf(d.out, "rejected %-12s %v\n", name, err)
}

func label(addr, deployer, seller, buyer, escrow domain.Address) string {
	switch addr {
	case deployer:
		return "deployer"
	case seller:
		return "addr1"
	case buyer:
		return "addr2"
	case escrow:
		return "marketplace"
	default:
		return "other"
	}
}
