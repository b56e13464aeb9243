package market

import (
	"fmt"
	"log/slog"
	"time"

	"asset_market/internal/domain"
	"asset_market/internal/event"
	"asset_market/pkg/quant"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	reasonAlreadySold     = "item already sold"
	reasonUnderpaid       = "not enough ether to cover item price and market fee"
	reasonOverpaid        = "payment exceeds item price and market fee"
	reasonNoBalance       = "insufficient balance to cover payment"
	reasonFractionalPaid  = "payment must be a whole number of wei"
	reasonZeroBuyer       = "buyer address is required"
	reasonUnknownRegistry = "unknown asset registry"
)

// SurplusPolicy decides what happens to payment above the quoted total.
type SurplusPolicy string

const (
	// SurplusRefund charges the buyer exactly the total; the surplus never leaves the buyer.
	SurplusRefund SurplusPolicy = "refund"
	// SurplusRetain charges the full payment and credits the surplus to the escrow account.
	SurplusRetain SurplusPolicy = "retain"
	// SurplusReject fails any purchase that pays more than the total.
	SurplusReject SurplusPolicy = "reject"
)

// ParseSurplusPolicy maps a config value to a policy. Empty means refund.
func ParseSurplusPolicy(s string) (SurplusPolicy, error) {
	switch SurplusPolicy(s) {
	case "", SurplusRefund:
		return SurplusRefund, nil
	case SurplusRetain, SurplusReject:
		return SurplusPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown surplus policy %q", s)
	}
}

// step is one applied sub-operation with its compensation.
type step struct {
	name string
	undo func()
}

// unitOfWork applies sub-operations in order and, on the first failure,
// compensates every applied one in reverse. Callers hold the marketplace lock
// for the whole unit, so no partial state is ever observable.
type unitOfWork struct {
	op      string
	applied []step
}

func (u *unitOfWork) do(name string, apply func() error, undo func()) error {
	if err := apply(); err != nil {
		return err
	}
	u.applied = append(u.applied, step{name: name, undo: undo})
	return nil
}

// rollback returns the names of the compensated steps, latest first.
func (u *unitOfWork) rollback(cause error) []string {
	undone := make([]string, 0, len(u.applied))
	for i := len(u.applied) - 1; i >= 0; i-- {
		s := u.applied[i]
		if s.undo != nil {
			s.undo()
		}
		undone = append(undone, s.name)
	}
	slog.Error("Operation rolled back",
		slog.String("op", u.op),
		slog.Any("undone", undone),
		slog.Any("cause", cause),
	)
	u.applied = nil
	return undone
}

// Outcome is the all-or-nothing result of a settlement: either Committed with a
// Receipt, or Err with every applied step listed in RolledBack.
type Outcome struct {
	Committed  bool
	Receipt    domain.Receipt
	Err        error
	RolledBack []string
}

func rejected(err error) Outcome {
	return Outcome{Err: err}
}

// Purchase settles listing id for buyer paying paid wei.
func (m *Marketplace) Purchase(id uint64, paid decimal.Decimal, buyer domain.Address) (domain.Receipt, error) {
	out := m.Settle(id, paid, buyer)
	return out.Receipt, out.Err
}

// Settle is Purchase returning the full Outcome.
func (m *Marketplace) Settle(id uint64, paid decimal.Decimal, buyer domain.Address) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	out := m.settle(id, paid, buyer)
	switch {
	case out.Committed:
		m.metrics.RecordSale(time.Since(start))
	case len(out.RolledBack) > 0:
		m.metrics.RecordRollback()
	default:
		m.metrics.RecordRejection(domain.KindOf(out.Err))
	}
	return out
}

func (m *Marketplace) settle(id uint64, paid decimal.Decimal, buyer domain.Address) Outcome {
	const op = "purchase"

	// 1. Resolve
	listing, err := m.store.Get(id)
	if err != nil {
		return rejected(domain.NewNotFoundError(op, reasonNoSuchItem))
	}

	// 2. Unique sale
	if listing.Sold {
		return rejected(domain.NewStateError(op, reasonAlreadySold))
	}

	// 3. Payment
	if buyer.IsZero() {
		return rejected(domain.NewValidationError(op, reasonZeroBuyer))
	}
	if !quant.IsWholeWei(paid) {
		return rejected(domain.NewValidationError(op, reasonFractionalPaid))
	}
	fee, total := m.fees.Quote(listing.Price)
	if paid.LessThan(total) {
		return rejected(domain.NewPaymentError(op, reasonUnderpaid))
	}

	surplus := paid.Sub(total)
	charge := total
	switch m.surplus {
	case SurplusReject:
		if surplus.IsPositive() {
			return rejected(domain.NewPaymentError(op, reasonOverpaid))
		}
	case SurplusRetain:
		charge = paid
	}

	if !m.funds.Get(buyer).Covers(charge) {
		return rejected(domain.NewPaymentError(op, reasonNoBalance))
	}

	reg, ok := m.registries[listing.Asset.Registry]
	if !ok {
		return rejected(domain.NewNotFoundError(op, reasonUnknownRegistry))
	}

	// 4. Apply, all or nothing
	seq := m.nextOpSeq()
	u := &unitOfWork{op: op}
	fail := func(err error) Outcome {
		return Outcome{Err: err, RolledBack: u.rollback(err)}
	}

	buyerBal := m.funds.Get(buyer)
	sellerBal := m.funds.Get(listing.Seller)
	feeBal := m.funds.Get(m.fees.Account())

	if err := u.do("debit buyer",
		func() error { buyerBal.Debit(charge, seq); return nil },
		func() { buyerBal.Credit(charge, seq) },
	); err != nil {
		return fail(err)
	}
	if err := u.do("pay seller",
		func() error { sellerBal.Credit(listing.Price, seq); return nil },
		func() { sellerBal.Debit(listing.Price, seq) },
	); err != nil {
		return fail(err)
	}
	if err := u.do("pay fee account",
		func() error { feeBal.Credit(fee, seq); return nil },
		func() { feeBal.Debit(fee, seq) },
	); err != nil {
		return fail(err)
	}
	if m.surplus == SurplusRetain && surplus.IsPositive() {
		escrowBal := m.funds.Get(m.escrow)
		if err := u.do("retain surplus",
			func() error { escrowBal.Credit(surplus, seq); return nil },
			func() { escrowBal.Debit(surplus, seq) },
		); err != nil {
			return fail(err)
		}
	}
	if err := u.do("transfer asset",
		func() error { return reg.TransferFrom(m.escrow, m.escrow, buyer, listing.Asset.ID) },
		func() { mustTransfer(reg, buyer, buyer, m.escrow, listing.Asset.ID) },
	); err != nil {
		return fail(err)
	}
	if err := u.do("mark sold",
		func() error { m.store.MarkSold(id); return nil },
		func() { m.store.unmarkSold(id) },
	); err != nil {
		return fail(err)
	}

	receipt := domain.Receipt{
		SettlementID: uuid.NewString(),
		ListingID:    id,
		Asset:        listing.Asset,
		Price:        listing.Price,
		Fee:          fee,
		Total:        total,
		Paid:         paid,
		Charged:      charge,
		Seller:       listing.Seller,
		Buyer:        buyer,
		SettledAt:    m.now(),
	}
	ev := event.NewBought(m.sink.NextSeq(), receipt)

	if m.journal != nil {
		if err := u.do("journal",
			func() error {
				if err := m.journal.RecordSale(receipt, ev); err != nil {
					return fmt.Errorf("%s: journal sale: %w", op, err)
				}
				return nil
			},
			nil,
		); err != nil {
			return fail(err)
		}
	}

	// 5. Commit
	m.funds.VerifyAll()
	m.sink.Append(ev)

	slog.Info("Purchase settled",
		slog.Uint64("item_id", id),
		slog.String("settlement_id", receipt.SettlementID),
		slog.String("buyer", buyer.String()),
		slog.String("seller", listing.Seller.String()),
		slog.String("price", listing.Price.String()),
		slog.String("fee", fee.String()),
	)
	return Outcome{Committed: true, Receipt: receipt}
}

// mustTransfer is used by compensations. A registry refusing to undo a
// transfer it just performed leaves ownership unknowable, so we halt.
func mustTransfer(reg domain.AssetRegistry, operator, from, to domain.Address, id domain.AssetID) {
	if err := reg.TransferFrom(operator, from, to, id); err != nil {
		panic(fmt.Sprintf("ROLLBACK_TRANSFER_FAILED: %s/%d %s -> %s: %v", reg.Address(), id, from, to, err))
	}
}
