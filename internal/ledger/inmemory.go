package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
)

type inMemoryLedger struct {
	mu sync.RWMutex
	// balances is keyed by agreementID|holder so a per-agreement scan is a
	// prefix match.
	balances map[string]*big.Int
}

// NewInMemory creates a concurrency-safe in-memory ledger used by tests and
// development deployments without a database.
func NewInMemory() Ledger {
	return &inMemoryLedger{balances: make(map[string]*big.Int)}
}

func balanceKey(holder, agreementID string) string {
	return agreementID + "|" + holder
}

func (l *inMemoryLedger) Balance(_ context.Context, holder, agreementID string) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(holder, agreementID), nil
}

func (l *inMemoryLedger) balanceLocked(holder, agreementID string) *big.Int {
	if bal, ok := l.balances[balanceKey(holder, agreementID)]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (l *inMemoryLedger) AvailableBalance(ctx context.Context, holder, agreementID string, reserved *big.Int) (*big.Int, error) {
	bal, err := l.Balance(ctx, holder, agreementID)
	if err != nil {
		return nil, err
	}
	if reserved != nil {
		bal.Sub(bal, reserved)
	}
	if bal.Sign() < 0 {
		bal.SetInt64(0)
	}
	return bal, nil
}

func (l *inMemoryLedger) Credit(_ context.Context, holder, agreementID string, amount *big.Int) (*big.Int, error) {
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := balanceKey(holder, agreementID)
	bal, ok := l.balances[key]
	if !ok {
		bal = new(big.Int)
		l.balances[key] = bal
	}
	bal.Add(bal, amount)
	return new(big.Int).Set(bal), nil
}

func (l *inMemoryLedger) Debit(_ context.Context, holder, agreementID string, amount *big.Int) (*big.Int, error) {
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := balanceKey(holder, agreementID)
	bal, ok := l.balances[key]
	if !ok || bal.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	return new(big.Int).Set(bal), nil
}

func (l *inMemoryLedger) Transfer(_ context.Context, from, to, agreementID string, amount *big.Int) (TransferResult, error) {
	if !validAmount(amount) {
		return TransferResult{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fromKey := balanceKey(from, agreementID)
	fromBal, ok := l.balances[fromKey]
	if !ok || fromBal.Cmp(amount) < 0 {
		return TransferResult{}, ErrInsufficientBalance
	}

	toKey := balanceKey(to, agreementID)
	toBal, ok := l.balances[toKey]
	if !ok {
		toBal = new(big.Int)
		l.balances[toKey] = toBal
	}

	fromBal.Sub(fromBal, amount)
	toBal.Add(toBal, amount)

	return TransferResult{
		FromBalance: new(big.Int).Set(fromBal),
		ToBalance:   new(big.Int).Set(toBal),
	}, nil
}

func (l *inMemoryLedger) DistributedSupply(_ context.Context, agreementID string) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prefix := agreementID + "|"
	total := new(big.Int)
	for key, bal := range l.balances {
		if strings.HasPrefix(key, prefix) {
			total.Add(total, bal)
		}
	}
	return total, nil
}
