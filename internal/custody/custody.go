package custody

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Custody mirrors ledger transfers to the token custody layer (on-chain
// settlement). The ledger is authoritative; mirroring is best-effort and
// eventually consistent, so callers invoke RecordSettlement only after the
// ledger transaction has committed and must not roll back on failure.
type Custody interface {
	RecordSettlement(ctx context.Context, from, to, agreementID string, amount *big.Int) (string, error)
}

// Static is a custody connector that acknowledges settlements locally with a
// locally derived Keccak-256 reference. It stands in for the chain connector in
// tests and deployments without node connectivity. It never fabricates a
// reference for a failed submission; failure is reported to the caller.
type Static struct{}

// RecordSettlement derives a settlement reference over the transfer tuple and
// a per-call nonce.
func (Static) RecordSettlement(_ context.Context, from, to, agreementID string, amount *big.Int) (string, error) {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", from, to, agreementID, amount.String(), uuid.NewString())
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}
