// Package ethaddr normalizes EVM holder addresses at the API boundary so the
// ledger always keys balances by one canonical form.
package ethaddr

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress occurs when input is not a valid 20-byte hex address.
var ErrInvalidAddress = errors.New("invalid holder address")

// Normalize validates s and returns its EIP-55 checksummed form.
func Normalize(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(s).Hex(), nil
}
