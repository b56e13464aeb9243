package domain

import "context"

// AssetRegistry is the capability set the marketplace needs from an asset registry.
// The registry is the single source of truth for ownership; escrow is nothing more
// than the marketplace identity being the registry-level owner.
type AssetRegistry interface {
	// Address identifies the registry inside an AssetRef.
	Address() Address

	// Mint allocates the next asset id for owner with an immutable metadata URI.
	Mint(owner Address, metadataURI string) (AssetID, error)

	// OwnerOf fails with a KindNotFound error for unminted ids.
	OwnerOf(id AssetID) (Address, error)

	// TransferFrom moves id from -> to on behalf of operator. Fails with
	// KindAuthorization unless from owns id and operator is from or an
	// approved-for-all operator of from.
	TransferFrom(operator, from, to Address, id AssetID) error

	SetApprovalForAll(owner, operator Address, approved bool)
	IsApprovedForAll(owner, operator Address) bool

	// TokenURI fails with a KindNotFound error for unminted ids.
	TokenURI(id AssetID) (string, error)

	// TokenCount is the total minted count.
	TokenCount() uint64
}

// PreviewProvider fetches display thumbnails for asset metadata URIs.
type PreviewProvider interface {
	FetchPreview(ctx context.Context, metadataURI string) (string, error)
}
