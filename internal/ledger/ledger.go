package ledger

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrInvalidAmount occurs when an operation is requested with a zero or
	// negative share amount.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientBalance occurs when a debit or transfer exceeds the
	// holder's current balance for the agreement.
	ErrInsufficientBalance = errors.New("insufficient share balance")
)

// OneShare is the wei-scale unit: one full share equals 10^18 sub-units. All
// ledger amounts are integers at this scale regardless of backing token
// standard.
var OneShare = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// TransferResult captures the post-transfer balances of both parties.
type TransferResult struct {
	FromBalance *big.Int
	ToBalance   *big.Int
}

// Ledger is the single source of truth for share ownership. Both the
// governance and marketplace engines route every balance read and mutation
// through it; neither touches balances directly.
//
// Implementations must make Transfer linearizable with respect to any other
// debit or credit touching the same (holder, agreement) pair.
type Ledger interface {
	// Balance returns the holder's balance for the agreement. A missing
	// record is a zero balance, never an error.
	Balance(ctx context.Context, holder, agreementID string) (*big.Int, error)

	// AvailableBalance returns the balance minus the caller-supplied
	// reservation total (the holder's currently active listings). A nil
	// reserved amount is treated as zero.
	AvailableBalance(ctx context.Context, holder, agreementID string, reserved *big.Int) (*big.Int, error)

	// Credit increases the holder's balance, creating the record lazily on
	// first credit.
	Credit(ctx context.Context, holder, agreementID string, amount *big.Int) (*big.Int, error)

	// Debit decreases the holder's balance.
	Debit(ctx context.Context, holder, agreementID string, amount *big.Int) (*big.Int, error)

	// Transfer moves shares between holders as one atomic unit; either both
	// the debit and the credit are visible, or neither is.
	Transfer(ctx context.Context, from, to, agreementID string, amount *big.Int) (TransferResult, error)

	// DistributedSupply returns the sum of all balances for the agreement:
	// the portion of the declared token supply actually held in the ledger.
	DistributedSupply(ctx context.Context, agreementID string) (*big.Int, error)
}

func validAmount(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}
