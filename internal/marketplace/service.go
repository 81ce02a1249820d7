package marketplace

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/yieldbrick/yieldbrick/internal/compliance"
	"github.com/yieldbrick/yieldbrick/internal/config"
	"github.com/yieldbrick/yieldbrick/internal/custody"
	"github.com/yieldbrick/yieldbrick/internal/ledger"
	"github.com/yieldbrick/yieldbrick/internal/notification"
	"github.com/yieldbrick/yieldbrick/internal/pricing"
	"github.com/yieldbrick/yieldbrick/internal/registry"
)

const (
	minFraction = 0.01
	maxFraction = 1.0
)

// Service manages fractional listings and settles trades against the ledger.
type Service struct {
	repo       Repository
	ledger     ledger.Ledger
	agreements registry.Registry
	gate       compliance.Gate
	oracle     pricing.Oracle
	custody    custody.Custody
	retries    *custody.RetryQueue
	notifier   notification.Notifier
	params     config.MarketplaceParams

	now func() time.Time
}

// NewService builds a marketplace service instance. The retry queue may be nil
// when custody mirroring runs without out-of-band replay (tests).
func NewService(repo Repository, led ledger.Ledger, agreements registry.Registry, gate compliance.Gate,
	oracle pricing.Oracle, cust custody.Custody, retries *custody.RetryQueue,
	notifier notification.Notifier, params config.MarketplaceParams) *Service {
	return &Service{
		repo:       repo,
		ledger:     led,
		agreements: agreements,
		gate:       gate,
		oracle:     oracle,
		custody:    cust,
		retries:    retries,
		notifier:   notifier,
		params:     params,
		now:        time.Now,
	}
}

// CreateListingInput captures data required to list shares. Exactly one of
// Shares and Fraction sizes the listing: an absolute wei-scale amount, or a
// fraction of the seller's current balance.
type CreateListingInput struct {
	AgreementID           string
	Seller                string
	Shares                *big.Int
	Fraction              float64
	PricePerShareUSDCents int64
	ExpiresInDays         int
}

// CreateListing validates the seller's unreserved balance and opens an ACTIVE
// listing. The reservation is logical: no ledger debit happens until a trade
// settles.
func (s *Service) CreateListing(ctx context.Context, input CreateListingInput) (Listing, error) {
	agreement, err := s.agreements.Get(ctx, input.AgreementID)
	if err != nil {
		return Listing{}, err
	}
	if !agreement.IsActive {
		return Listing{}, ErrAgreementInactive
	}
	if input.PricePerShareUSDCents <= 0 {
		return Listing{}, fmt.Errorf("price per share must be positive")
	}

	balance, err := s.ledger.Balance(ctx, input.Seller, input.AgreementID)
	if err != nil {
		return Listing{}, err
	}
	shares, err := resolveShares(input.Shares, input.Fraction, balance)
	if err != nil {
		return Listing{}, err
	}

	// Snapshot pre-check for a fast failure; the repository re-validates
	// the reservation under lock when the listing is inserted.
	reserved, err := s.repo.ReservedShares(ctx, input.Seller, input.AgreementID)
	if err != nil {
		return Listing{}, err
	}
	available, err := s.ledger.AvailableBalance(ctx, input.Seller, input.AgreementID, reserved)
	if err != nil {
		return Listing{}, err
	}
	if shares.Cmp(available) > 0 {
		return Listing{}, ErrInsufficientShares
	}

	if err := s.checkCompliance(ctx, input.AgreementID, input.Seller, "", shares); err != nil {
		return Listing{}, err
	}

	expiryDays := input.ExpiresInDays
	if expiryDays <= 0 {
		expiryDays = s.params.ListingExpiryDays
	}

	now := s.now().UTC()
	listing := Listing{
		ID:                    uuid.NewString(),
		AgreementID:           input.AgreementID,
		Seller:                input.Seller,
		SharesListed:          new(big.Int).Set(shares),
		SharesForSale:         shares,
		PricePerShareUSDCents: input.PricePerShareUSDCents,
		PricePerShareWei:      s.weiPrice(ctx, input.PricePerShareUSDCents),
		Status:                StatusActive,
		ExpiresAt:             now.AddDate(0, 0, expiryDays),
		CreatedAt:             now,
	}
	if err := s.repo.CreateListing(ctx, listing); err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// BuyInput captures data required to fill a listing. Exactly one of Shares and
// Fraction sizes the purchase; Fraction is relative to the listing's remaining
// shares. MaxPriceUSDCents of zero disables the slippage guard.
type BuyInput struct {
	ListingID        string
	Buyer            string
	Shares           *big.Int
	Fraction         float64
	MaxPriceUSDCents int64
}

// TradeResult reports a settled purchase.
type TradeResult struct {
	Trade         Trade
	Listing       Listing
	SellerBalance *big.Int
	BuyerBalance  *big.Int
}

// BuyShares settles a purchase against the listing. The ledger transfer, the
// listing decrement and the trade record commit as one unit; custody mirroring
// runs after commit and never rolls the trade back.
func (s *Service) BuyShares(ctx context.Context, input BuyInput) (TradeResult, error) {
	listing, err := s.repo.GetListing(ctx, input.ListingID)
	if err != nil {
		return TradeResult{}, err
	}
	if listing.Status != StatusActive {
		return TradeResult{}, ErrListingNotActive
	}
	now := s.now().UTC()
	if listing.Expired(now) {
		// Lazy expiry: no background sweeper, the read that finds an
		// expired listing retires it.
		if err := s.repo.UpdateListingStatus(ctx, listing.ID, StatusActive, StatusExpired); err != nil &&
			!errors.Is(err, ErrListingNotActive) {
			return TradeResult{}, err
		}
		return TradeResult{}, ErrListingExpired
	}
	if input.Buyer == listing.Seller {
		return TradeResult{}, ErrSelfTrade
	}

	shares, err := resolveShares(input.Shares, input.Fraction, listing.SharesForSale)
	if err != nil {
		return TradeResult{}, err
	}
	if shares.Cmp(listing.SharesForSale) > 0 {
		return TradeResult{}, ErrInsufficientSharesAvailable
	}
	if input.MaxPriceUSDCents > 0 && listing.PricePerShareUSDCents > input.MaxPriceUSDCents {
		return TradeResult{}, ErrPriceSlippageExceeded
	}

	if err := s.checkCompliance(ctx, listing.AgreementID, listing.Seller, input.Buyer, shares); err != nil {
		return TradeResult{}, err
	}

	outcome, err := s.repo.Settle(ctx, SettleInput{
		TradeID:            uuid.NewString(),
		ListingID:          listing.ID,
		Buyer:              input.Buyer,
		Shares:             shares,
		TotalPriceUSDCents: totalPriceCents(listing.PricePerShareUSDCents, shares),
		ExecutedAt:         now,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrListingNotFound),
			errors.Is(err, ErrListingNotActive),
			errors.Is(err, ErrInsufficientSharesAvailable),
			errors.Is(err, ledger.ErrInsufficientBalance):
			return TradeResult{}, err
		default:
			return TradeResult{}, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
		}
	}

	s.mirrorSettlement(ctx, outcome, listing.AgreementID, shares)

	if s.notifier != nil {
		_ = s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindTradeSettled,
			Destination: listing.Seller,
			Body:        fmt.Sprintf("Sold %s share units of agreement %s", shares.String(), listing.AgreementID),
		})
	}

	return TradeResult{
		Trade:         outcome.Trade,
		Listing:       outcome.Listing,
		SellerBalance: outcome.FromBalance,
		BuyerBalance:  outcome.ToBalance,
	}, nil
}

// CancelListing withdraws an ACTIVE listing. Seller only; no ledger effect.
func (s *Service) CancelListing(ctx context.Context, listingID, seller string) (Listing, error) {
	listing, err := s.repo.GetListing(ctx, listingID)
	if err != nil {
		return Listing{}, err
	}
	if listing.Seller != seller {
		return Listing{}, ErrNotSeller
	}
	if err := s.repo.UpdateListingStatus(ctx, listingID, StatusActive, StatusCancelled); err != nil {
		return Listing{}, err
	}
	listing.Status = StatusCancelled

	if s.notifier != nil {
		_ = s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindListingCancelled,
			Destination: seller,
			Body:        fmt.Sprintf("Listing %s cancelled", listingID),
		})
	}
	return listing, nil
}

// GetListing retrieves a listing, applying lazy expiry so callers never see a
// stale ACTIVE state.
func (s *Service) GetListing(ctx context.Context, id string) (Listing, error) {
	listing, err := s.repo.GetListing(ctx, id)
	if err != nil {
		return Listing{}, err
	}
	if listing.Status == StatusActive && listing.Expired(s.now().UTC()) {
		if err := s.repo.UpdateListingStatus(ctx, id, StatusActive, StatusExpired); err != nil &&
			!errors.Is(err, ErrListingNotActive) {
			return Listing{}, err
		}
		listing.Status = StatusExpired
	}
	return listing, nil
}

// ListListings returns listings matching the filter.
func (s *Service) ListListings(ctx context.Context, filter Filter) ([]Listing, error) {
	return s.repo.ListListings(ctx, filter)
}

// ListTrades returns the fill history of a listing.
func (s *Service) ListTrades(ctx context.Context, listingID string) ([]Trade, error) {
	if _, err := s.repo.GetListing(ctx, listingID); err != nil {
		return nil, err
	}
	return s.repo.ListTrades(ctx, listingID)
}

// checkCompliance consults the gate, failing closed when it is unreachable.
func (s *Service) checkCompliance(ctx context.Context, agreementID, from, to string, amount *big.Int) error {
	if s.gate == nil {
		return nil
	}
	decision, err := s.gate.IsTransferAllowed(ctx, agreementID, from, to, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", compliance.ErrGateUnavailable, err)
	}
	if !decision.Allowed {
		if decision.Reason != "" {
			return fmt.Errorf("%w: %s", ErrRestrictionViolated, decision.Reason)
		}
		return ErrRestrictionViolated
	}
	return nil
}

// mirrorSettlement submits the committed trade to custody. The ledger stays
// authoritative: a custody failure only queues a replay.
func (s *Service) mirrorSettlement(ctx context.Context, outcome SettleOutcome, agreementID string, shares *big.Int) {
	if s.custody == nil {
		return
	}
	ref, err := s.custody.RecordSettlement(ctx, outcome.Listing.Seller, outcome.Trade.Buyer, agreementID, shares)
	if err == nil {
		_ = s.repo.SetTradeSettlementRef(ctx, outcome.Trade.ID, ref)
		return
	}
	if s.retries != nil {
		s.retries.Enqueue(custody.Settlement{
			TradeID:     outcome.Trade.ID,
			From:        outcome.Listing.Seller,
			To:          outcome.Trade.Buyer,
			AgreementID: agreementID,
			Amount:      new(big.Int).Set(shares),
		})
	}
}

// weiPrice converts the USD price for display. Oracle trouble falls back to
// the configured quote; a wrong display price never affects settlement.
func (s *Service) weiPrice(ctx context.Context, cents int64) *big.Int {
	ethUSD := s.params.EthUSDPriceFallback
	if s.oracle != nil {
		if quote, err := s.oracle.ETHUSDPrice(ctx); err == nil {
			ethUSD = quote
		}
	}
	return pricing.USDCentsToWei(cents, ethUSD)
}

// resolveShares turns an absolute amount or a fraction of base into a positive
// wei-scale share count.
func resolveShares(absolute *big.Int, fraction float64, base *big.Int) (*big.Int, error) {
	if absolute != nil {
		if absolute.Sign() <= 0 {
			return nil, ErrInvalidShareAmount
		}
		return new(big.Int).Set(absolute), nil
	}
	if fraction < minFraction || fraction > maxFraction {
		return nil, ErrInvalidFraction
	}
	scaled := new(big.Float).Mul(new(big.Float).SetInt(base), big.NewFloat(fraction))
	shares, _ := scaled.Int(nil)
	if shares.Sign() <= 0 {
		return nil, ErrInvalidShareAmount
	}
	return shares, nil
}

func totalPriceCents(pricePerShareCents int64, shares *big.Int) int64 {
	total := new(big.Int).Mul(big.NewInt(pricePerShareCents), shares)
	total.Div(total, ledger.OneShare)
	return total.Int64()
}
