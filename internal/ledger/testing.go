package ledger

import "math/big"

// SeedBalance is a test helper that sets a holder's balance directly when
// using the in-memory ledger.
func SeedBalance(l Ledger, holder, agreementID string, amount *big.Int) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.balances[balanceKey(holder, agreementID)] = new(big.Int).Set(amount)
	}
}

// Shares converts a whole-share count to wei scale. Test convenience.
func Shares(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), OneShare)
}
