package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"asset_market/internal/domain"
	"asset_market/internal/market"

	"github.com/shopspring/decimal"
)

// ErrHalted is returned to submitters once the sequencer has stopped.
var ErrHalted = errors.New("sequencer halted")

// Command is one state-changing request applied by the sequencer.
type Command interface {
	Name() string
}

// MintCommand mints a new asset on an attached registry.
type MintCommand struct {
	Registry    domain.Address
	Owner       domain.Address
	MetadataURI string
}

// ApproveCommand grants or revokes operator authority over all of owner's assets.
type ApproveCommand struct {
	Registry domain.Address
	Owner    domain.Address
	Operator domain.Address
	Approved bool
}

// DepositCommand credits an account from outside the ledger.
type DepositCommand struct {
	Account domain.Address
	Amount  decimal.Decimal
}

// ListCommand offers an escrowed asset for sale.
type ListCommand struct {
	Asset  domain.AssetRef
	Seller domain.Address
	Price  decimal.Decimal
}

// PurchaseCommand settles an open listing.
type PurchaseCommand struct {
	ListingID uint64
	Paid      decimal.Decimal
	Buyer     domain.Address
}

func (MintCommand) Name() string     { return "mint" }
func (ApproveCommand) Name() string  { return "approve" }
func (DepositCommand) Name() string  { return "deposit" }
func (ListCommand) Name() string     { return "list" }
func (PurchaseCommand) Name() string { return "purchase" }

// Result is the reply to a submitted command. Seq is the position in the
// total order the sequencer applied it at, including rejected commands.
type Result struct {
	Seq       uint64
	AssetID   domain.AssetID
	ListingID uint64
	Receipt   *domain.Receipt
}

type request struct {
	cmd   Command
	reply chan reply
}

type reply struct {
	res Result
	err error
}

// Sequencer is the single goroutine that applies commands to the marketplace
// in submission order.
type Sequencer struct {
	inbox  chan request
	market *market.Marketplace

	nextSeq  uint64
	dumpPath string
	onHalt   func(r any)

	mu      sync.RWMutex // Guards the fields read from outside the loop
	applied uint64
	halted  bool
	stopped chan struct{}
}

// NewSequencer creates a new sequencer instance.
func NewSequencer(inboxSize int, m *market.Marketplace) *Sequencer {
	return &Sequencer{
		inbox:    make(chan request, inboxSize),
		market:   m,
		nextSeq:  1,
		dumpPath: "panic_dump.json",
		onHalt: func(r any) {
			panic(fmt.Sprintf("HALTED: %v", r))
		},
		stopped: make(chan struct{}),
	}
}

// SetDumpPath changes where DumpState writes on a halt.
func (s *Sequencer) SetDumpPath(path string) {
	s.dumpPath = path
}

// Submit enqueues cmd and waits for it to be applied.
func (s *Sequencer) Submit(ctx context.Context, cmd Command) (Result, error) {
	req := request{cmd: cmd, reply: make(chan reply, 1)}

	select {
	case s.inbox <- req:
	case <-s.stopped:
		return Result{}, ErrHalted
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-s.stopped:
		return Result{}, ErrHalted
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run starts the main command loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started")

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r), slog.Uint64("seq", s.nextSeq))
			s.DumpState(s.dumpPath)
			s.stop(true)
			s.onHalt(r)
			return
		}
		s.stop(false)
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...")
			return
		case req := <-s.inbox:
			res, err := s.Apply(req.cmd)
			req.reply <- reply{res: res, err: err}
		}
	}
}

func (s *Sequencer) stop(halted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = halted
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
}

// Apply runs cmd synchronously on the calling goroutine. Only Run and
// single-threaded replays may call it.
func (s *Sequencer) Apply(cmd Command) (Result, error) {
	res := Result{Seq: s.nextSeq}
	var err error

	switch c := cmd.(type) {
	case MintCommand:
		var reg domain.AssetRegistry
		if reg, err = s.market.Registry(c.Registry); err == nil {
			res.AssetID, err = reg.Mint(c.Owner, c.MetadataURI)
		}
	case ApproveCommand:
		var reg domain.AssetRegistry
		if reg, err = s.market.Registry(c.Registry); err == nil {
			reg.SetApprovalForAll(c.Owner, c.Operator, c.Approved)
		}
	case DepositCommand:
		err = s.market.Deposit(c.Account, c.Amount)
	case ListCommand:
		res.ListingID, err = s.market.List(c.Asset, c.Seller, c.Price)
	case PurchaseCommand:
		var r domain.Receipt
		if r, err = s.market.Purchase(c.ListingID, c.Paid, c.Buyer); err == nil {
			res.ListingID = r.ListingID
			res.Receipt = &r
		}
	default:
		err = domain.NewValidationError("sequencer", fmt.Sprintf("unknown command %T", cmd))
	}

	if err != nil {
		slog.Debug("Command rejected", slog.String("cmd", cmd.Name()), slog.Uint64("seq", res.Seq), slog.Any("error", err))
	}

	s.nextSeq++
	s.mu.Lock()
	s.applied++
	s.mu.Unlock()
	return res, err
}

// Applied returns the number of commands applied so far (external read).
func (s *Sequencer) Applied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// Halted reports whether the loop stopped on an invariant violation.
func (s *Sequencer) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

// Done is closed when Run returns.
func (s *Sequencer) Done() <-chan struct{} {
	return s.stopped
}

// StateDump is the post-mortem snapshot written by DumpState.
type StateDump struct {
	NextSeq  uint64                            `json:"next_seq"`
	Balances map[domain.Address]domain.Balance `json:"balances"`
	Listings []domain.Listing                  `json:"listings"`
}

// DumpState writes the entire ledger state to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	data := StateDump{
		NextSeq:  s.nextSeq,
		Balances: s.market.Balances(),
		Listings: s.market.Items(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
