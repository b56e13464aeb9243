package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Address identifies an account, an asset registry or the marketplace itself.
type Address string

// ZeroAddress is the empty identity. Nothing may own an asset as ZeroAddress.
const ZeroAddress Address = ""

// DeriveAddress returns a stable 20-byte hex identity for a label.
// Used for the marketplace escrow identity and registry addresses.
func DeriveAddress(label string) Address {
	sum := sha256.Sum256([]byte(label))
	return Address("0x" + hex.EncodeToString(sum[:20]))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return strings.TrimSpace(string(a)) == ""
}

func (a Address) String() string {
	return string(a)
}
