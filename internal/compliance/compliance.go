package compliance

import (
	"context"
	"errors"
	"math/big"
)

// ErrGateUnavailable occurs when the compliance gate cannot be reached. The
// engines treat it as fail-closed: the transfer is rejected, never waved
// through.
var ErrGateUnavailable = errors.New("compliance gate unavailable")

// Decision captures the gate's answer for a proposed transfer.
type Decision struct {
	Allowed bool
	Reason  string
}

// Gate decides whether a share transfer between two holders is permitted for
// an agreement. The real implementation lives in the compliance platform; this
// service only consumes the interface.
type Gate interface {
	IsTransferAllowed(ctx context.Context, agreementID, from, to string, amount *big.Int) (Decision, error)
}

// AllowAll approves every transfer. Used in tests and deployments without a
// compliance integration.
type AllowAll struct{}

// IsTransferAllowed always approves.
func (AllowAll) IsTransferAllowed(_ context.Context, _, _, _ string, _ *big.Int) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// DenyList rejects transfers touching any listed address. Useful for tests and
// sanctioned-address screening in dev mode.
type DenyList struct {
	Blocked map[string]string
}

// IsTransferAllowed rejects when either endpoint is on the list.
func (d DenyList) IsTransferAllowed(_ context.Context, _, from, to string, _ *big.Int) (Decision, error) {
	if reason, ok := d.Blocked[from]; ok {
		return Decision{Allowed: false, Reason: reason}, nil
	}
	if reason, ok := d.Blocked[to]; ok {
		return Decision{Allowed: false, Reason: reason}, nil
	}
	return Decision{Allowed: true}, nil
}
