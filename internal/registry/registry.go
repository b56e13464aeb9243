// Package registry is an in-memory asset registry: mint, ownership,
// operator approval and immutable per-asset metadata.
package registry

import (
	"log/slog"
	"sync"

	"asset_market/internal/domain"
)

const (
	DefaultName   = "DApp NFT"
	DefaultSymbol = "DAPP"
)

type token struct {
	owner domain.Address
	uri   string
}

// Registry implements domain.AssetRegistry.
type Registry struct {
	mu        sync.RWMutex
	address   domain.Address
	name      string
	symbol    string
	tokens    map[domain.AssetID]*token
	count     uint64
	balances  map[domain.Address]uint64
	operators map[domain.Address]map[domain.Address]bool
}

// New creates a registry whose identity is derived from name and symbol.
func New(name, symbol string) *Registry {
	return &Registry{
		address:   domain.DeriveAddress("registry:" + name + ":" + symbol),
		name:      name,
		symbol:    symbol,
		tokens:    make(map[domain.AssetID]*token),
		balances:  make(map[domain.Address]uint64),
		operators: make(map[domain.Address]map[domain.Address]bool),
	}
}

// NewDefault creates the "DApp NFT" collection.
func NewDefault() *Registry {
	return New(DefaultName, DefaultSymbol)
}

func (r *Registry) Address() domain.Address { return r.address }
func (r *Registry) Name() string            { return r.name }
func (r *Registry) Symbol() string          { return r.symbol }

// Mint allocates the next id (dense, from 1) to owner.
func (r *Registry) Mint(owner domain.Address, metadataURI string) (domain.AssetID, error) {
	if owner.IsZero() {
		return 0, domain.NewValidationError("mint", "mint to the zero address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	id := domain.AssetID(r.count)
	r.tokens[id] = &token{owner: owner, uri: metadataURI}
	r.balances[owner]++

	slog.Debug("Asset minted",
		slog.String("registry", r.address.String()),
		slog.Uint64("asset_id", uint64(id)),
		slog.String("owner", owner.String()),
	)
	return id, nil
}

func (r *Registry) OwnerOf(id domain.AssetID) (domain.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[id]
	if !ok {
		return domain.ZeroAddress, domain.NewNotFoundError("ownerOf", "invalid token ID")
	}
	return t.owner, nil
}

func (r *Registry) TokenURI(id domain.AssetID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[id]
	if !ok {
		return "", domain.NewNotFoundError("tokenURI", "URI query for nonexistent token")
	}
	return t.uri, nil
}

func (r *Registry) TokenCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// BalanceOf returns how many assets owner holds.
func (r *Registry) BalanceOf(owner domain.Address) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.balances[owner]
}

func (r *Registry) SetApprovalForAll(owner, operator domain.Address, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops, ok := r.operators[owner]
	if !ok {
		ops = make(map[domain.Address]bool)
		r.operators[owner] = ops
	}
	ops[operator] = approved
}

func (r *Registry) IsApprovedForAll(owner, operator domain.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operators[owner][operator]
}

// TransferFrom moves id from -> to. operator must be from or approved for all of from's assets.
func (r *Registry) TransferFrom(operator, from, to domain.Address, id domain.AssetID) error {
	if to.IsZero() {
		return domain.NewValidationError("transfer", "transfer to the zero address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[id]
	if !ok {
		return domain.NewNotFoundError("transfer", "invalid token ID")
	}
	if t.owner != from {
		return domain.NewAuthorizationError("transfer", "transfer from incorrect owner")
	}
	if operator != from && !r.operators[from][operator] {
		return domain.NewAuthorizationError("transfer", "caller is not token owner or approved")
	}

	t.owner = to
	r.balances[from]--
	r.balances[to]++
	return nil
}

// Assets returns every minted asset ordered by id.
func (r *Registry) Assets() []domain.Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Asset, 0, r.count)
	for i := uint64(1); i <= r.count; i++ {
		t := r.tokens[domain.AssetID(i)]
		out = append(out, domain.Asset{
			Ref:         domain.AssetRef{Registry: r.address, ID: domain.AssetID(i)},
			Owner:       t.owner,
			MetadataURI: t.uri,
		})
	}
	return out
}

var _ domain.AssetRegistry = (*Registry)(nil)
