package registry

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrAgreementNotFound occurs when the referenced yield agreement does
	// not exist.
	ErrAgreementNotFound = errors.New("agreement not found")

	// ErrAgreementExists occurs when registering a duplicate agreement.
	ErrAgreementExists = errors.New("agreement already exists")
)

// Agreement describes a tokenized rental-yield agreement. Registration and
// on-chain minting happen upstream; this service only consults the declared
// terms.
type Agreement struct {
	ID               string
	PropertyID       string
	TotalTokenSupply *big.Int
	IsActive         bool
	CreatedAt        time.Time
}

// Registry exposes agreement terms to the governance and marketplace engines.
type Registry interface {
	Get(ctx context.Context, id string) (Agreement, error)
	Create(ctx context.Context, agreement Agreement) error
}
