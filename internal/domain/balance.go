package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Balance represents an account's fund balance with invariant checking.
// This is the core structure for Balance Invariant verification.
type Balance struct {
	Account Address         `json:"account"`
	Amount  decimal.Decimal `json:"amount"`   // Current balance (wei)
	LastSeq uint64          `json:"last_seq"` // Last operation sequence that modified this
}

// Credit adds funds to the balance. Panics on negative or fractional amounts.
func (b *Balance) Credit(amount decimal.Decimal, seq uint64) {
	mustBeWholeNonNegative("credit", b.Account, amount)
	b.Amount = b.Amount.Add(amount)
	b.LastSeq = seq
}

// Debit removes funds from the balance. Panics if insufficient.
// Callers check Covers first; a failing debit here is a logic error.
func (b *Balance) Debit(amount decimal.Decimal, seq uint64) {
	mustBeWholeNonNegative("debit", b.Account, amount)
	if amount.GreaterThan(b.Amount) {
		panic(fmt.Sprintf("BALANCE_INSUFFICIENT: %s need %s, available %s",
			b.Account, amount, b.Amount))
	}
	b.Amount = b.Amount.Sub(amount)
	b.LastSeq = seq
}

// Covers reports whether the balance can pay amount.
func (b *Balance) Covers(amount decimal.Decimal) bool {
	return b.Amount.GreaterThanOrEqual(amount)
}

// VerifyInvariant checks that balance satisfies invariants.
// Call this after any state change to ensure data integrity.
func (b *Balance) VerifyInvariant() {
	// Invariant 1: Amount must be non-negative
	if b.Amount.IsNegative() {
		panic(fmt.Sprintf("BALANCE_INVARIANT_NEGATIVE_AMOUNT: %s = %s",
			b.Account, b.Amount))
	}

	// Invariant 2: Amount is whole wei
	if !b.Amount.IsInteger() {
		panic(fmt.Sprintf("BALANCE_INVARIANT_FRACTIONAL_AMOUNT: %s = %s",
			b.Account, b.Amount))
	}
}

func mustBeWholeNonNegative(op string, account Address, amount decimal.Decimal) {
	if amount.IsNegative() || !amount.IsInteger() {
		panic(fmt.Sprintf("BALANCE_INVALID_%s_AMOUNT: %s %s", op, account, amount))
	}
}

// BalanceBook manages multiple balances with invariant checking.
// Not safe for concurrent use; the owner serialises access.
type BalanceBook struct {
	balances map[Address]*Balance
}

// NewBalanceBook creates a new balance book.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{
		balances: make(map[Address]*Balance),
	}
}

// Get returns the balance for an account, creating if not exists.
func (bb *BalanceBook) Get(account Address) *Balance {
	b, ok := bb.balances[account]
	if !ok {
		b = &Balance{Account: account, Amount: decimal.Zero}
		bb.balances[account] = b
	}
	return b
}

// AmountOf returns the balance of account without creating an entry.
func (bb *BalanceBook) AmountOf(account Address) decimal.Decimal {
	if b, ok := bb.balances[account]; ok {
		return b.Amount
	}
	return decimal.Zero
}

// VerifyAll checks invariants on all balances.
func (bb *BalanceBook) VerifyAll() {
	for _, b := range bb.balances {
		b.VerifyInvariant()
	}
}

// Snapshot returns a copy of all balances (for state dump).
func (bb *BalanceBook) Snapshot() map[Address]Balance {
	result := make(map[Address]Balance, len(bb.balances))
	for k, v := range bb.balances {
		result[k] = *v
	}
	return result
}

// Accounts returns every account with a balance entry, sorted.
func (bb *BalanceBook) Accounts() []Address {
	out := make([]Address, 0, len(bb.balances))
	for a := range bb.balances {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TotalSupply sums every balance. Transfers between accounts never change it;
// only deposits do.
func (bb *BalanceBook) TotalSupply() decimal.Decimal {
	total := decimal.Zero
	for _, b := range bb.balances {
		total = total.Add(b.Amount)
	}
	return total
}
