package pricing

import (
	"context"
	"errors"
	"math/big"
)

// ErrPriceUnavailable occurs when no price source can produce a quote.
var ErrPriceUnavailable = errors.New("eth/usd price unavailable")

// Oracle quotes the ETH/USD price. The quote is used only for USD-to-wei
// display conversion on listings; ledger accounting is share-denominated and
// never touches it.
type Oracle interface {
	ETHUSDPrice(ctx context.Context) (float64, error)
}

// Static returns a fixed price, typically the configured fallback.
type Static struct {
	Price float64
}

// ETHUSDPrice returns the fixed quote.
func (s Static) ETHUSDPrice(_ context.Context) (float64, error) {
	if s.Price <= 0 {
		return 0, ErrPriceUnavailable
	}
	return s.Price, nil
}

// USDCentsToWei converts a USD-cent price into wei at the given ETH/USD quote.
// Display conversion only; precision loss here never reaches the ledger.
func USDCentsToWei(cents int64, ethUSD float64) *big.Int {
	if ethUSD <= 0 {
		return new(big.Int)
	}
	usd := new(big.Float).Quo(big.NewFloat(float64(cents)), big.NewFloat(100))
	eth := new(big.Float).Quo(usd, big.NewFloat(ethUSD))
	wei := new(big.Float).Mul(eth, big.NewFloat(1e18))
	out, _ := wei.Int(nil)
	return out
}
