package domain

import "fmt"

// AssetID is the per-registry token number. Allocated densely from 1.
type AssetID uint64

// AssetRef is the composite key of an asset: the registry it lives in plus its id.
type AssetRef struct {
	Registry Address `json:"asset_registry"`
	ID       AssetID `json:"asset_id"`
}

func (r AssetRef) String() string {
	return fmt.Sprintf("%s/%d", r.Registry, r.ID)
}

// Asset is the registry-side view of a minted asset.
type Asset struct {
	Ref         AssetRef `json:"ref"`
	Owner       Address  `json:"owner"`
	MetadataURI string   `json:"metadata_uri"` // Immutable after mint
}
