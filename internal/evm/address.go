// Package evm holds helpers for EVM address handling.
package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Normalize returns the canonical lower-case form of an address. Strings that
// are not valid hex addresses are trimmed and lower-cased as-is so they can
// still be compared.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if common.IsHexAddress(addr) {
		return strings.ToLower(common.HexToAddress(addr).Hex())
	}
	return strings.ToLower(addr)
}

// Equal reports whether two addresses refer to the same account.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
