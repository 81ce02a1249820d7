package holdings

import (
	"context"
	"math/big"
	"time"

	"github.com/yieldbrick/yieldbrick/internal/ledger"
	"github.com/yieldbrick/yieldbrick/internal/registry"
)

// Holding is a read model of one holder's position in an agreement.
type Holding struct {
	Holder      string
	AgreementID string
	Balance     *big.Int
	AsOf        time.Time
}

// Supply is a read model of an agreement's share distribution.
type Supply struct {
	AgreementID       string
	TotalTokenSupply  *big.Int
	DistributedSupply *big.Int
	AsOf              time.Time
}

// Service exposes ledger-backed holding views.
type Service struct {
	ledger     ledger.Ledger
	agreements registry.Registry
}

// NewService builds a holdings service instance.
func NewService(led ledger.Ledger, agreements registry.Registry) *Service {
	return &Service{ledger: led, agreements: agreements}
}

// Balance returns the holder's position in an agreement.
func (s *Service) Balance(ctx context.Context, holder, agreementID string) (Holding, error) {
	if _, err := s.agreements.Get(ctx, agreementID); err != nil {
		return Holding{}, err
	}
	amount, err := s.ledger.Balance(ctx, holder, agreementID)
	if err != nil {
		return Holding{}, err
	}
	return Holding{
		Holder:      holder,
		AgreementID: agreementID,
		Balance:     amount,
		AsOf:        time.Now().UTC(),
	}, nil
}

// AgreementSupply reports how much of the declared token supply has been
// distributed to holders.
func (s *Service) AgreementSupply(ctx context.Context, agreementID string) (Supply, error) {
	agreement, err := s.agreements.Get(ctx, agreementID)
	if err != nil {
		return Supply{}, err
	}
	distributed, err := s.ledger.DistributedSupply(ctx, agreementID)
	if err != nil {
		return Supply{}, err
	}
	return Supply{
		AgreementID:       agreementID,
		TotalTokenSupply:  agreement.TotalTokenSupply,
		DistributedSupply: distributed,
		AsOf:              time.Now().UTC(),
	}, nil
}
