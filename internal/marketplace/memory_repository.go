package marketplace

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/yieldbrick/yieldbrick/internal/ledger"
)

type memoryRepository struct {
	mu       sync.Mutex
	ledger   ledger.Ledger
	listings map[string]*Listing
	trades   map[string][]*Trade // keyed by listing ID
	byTrade  map[string]*Trade
}

// NewMemoryRepository constructs an in-memory repository for tests and dev
// mode. Settle holds the repository mutex across the ledger transfer, so the
// remaining-shares check and the decrement form one atomic unit.
func NewMemoryRepository(led ledger.Ledger) Repository {
	return &memoryRepository{
		ledger:   led,
		listings: make(map[string]*Listing),
		trades:   make(map[string][]*Trade),
		byTrade:  make(map[string]*Trade),
	}
}

// CreateListing holds the mutex across the balance check and the insert so
// concurrent listings by the same seller cannot over-reserve.
func (r *memoryRepository) CreateListing(ctx context.Context, l Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.listings[l.ID]; exists {
		return errors.New("listing exists")
	}
	balance, err := r.ledger.Balance(ctx, l.Seller, l.AgreementID)
	if err != nil {
		return err
	}
	reserved := new(big.Int)
	for _, existing := range r.listings {
		if existing.Seller == l.Seller && existing.AgreementID == l.AgreementID && existing.Status == StatusActive {
			reserved.Add(reserved, existing.SharesForSale)
		}
	}
	reserved.Add(reserved, l.SharesForSale)
	if reserved.Cmp(balance) > 0 {
		return ErrInsufficientShares
	}
	stored := cloneListing(l)
	r.listings[l.ID] = &stored
	return nil
}

func (r *memoryRepository) GetListing(_ context.Context, id string) (Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return Listing{}, ErrListingNotFound
	}
	return cloneListing(*l), nil
}

func (r *memoryRepository) ListListings(_ context.Context, f Filter) ([]Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Listing
	for _, l := range r.listings {
		if f.AgreementID != "" && l.AgreementID != f.AgreementID {
			continue
		}
		if f.Seller != "" && l.Seller != f.Seller {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		out = append(out, cloneListing(*l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepository) ReservedShares(_ context.Context, seller, agreementID string) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := new(big.Int)
	for _, l := range r.listings {
		if l.Seller == seller && l.AgreementID == agreementID && l.Status == StatusActive {
			total.Add(total, l.SharesForSale)
		}
	}
	return total, nil
}

func (r *memoryRepository) UpdateListingStatus(_ context.Context, id string, from, to ListingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	if l.Status != from {
		return ErrListingNotActive
	}
	l.Status = to
	return nil
}

func (r *memoryRepository) Settle(ctx context.Context, input SettleInput) (SettleOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listings[input.ListingID]
	if !ok {
		return SettleOutcome{}, ErrListingNotFound
	}
	if l.Status != StatusActive {
		return SettleOutcome{}, ErrListingNotActive
	}
	if l.SharesForSale.Cmp(input.Shares) < 0 {
		return SettleOutcome{}, ErrInsufficientSharesAvailable
	}

	// The ledger transfer is itself atomic; performing it before mutating
	// the listing means a failed transfer leaves everything untouched.
	transfer, err := r.ledger.Transfer(ctx, l.Seller, input.Buyer, l.AgreementID, input.Shares)
	if err != nil {
		return SettleOutcome{}, err
	}

	l.SharesForSale = new(big.Int).Sub(l.SharesForSale, input.Shares)
	if l.SharesForSale.Sign() == 0 {
		l.Status = StatusSold
	}

	trade := Trade{
		ID:                 input.TradeID,
		ListingID:          l.ID,
		Buyer:              input.Buyer,
		SharesPurchased:    new(big.Int).Set(input.Shares),
		TotalPriceUSDCents: input.TotalPriceUSDCents,
		ExecutedAt:         input.ExecutedAt,
	}
	stored := trade
	r.trades[l.ID] = append(r.trades[l.ID], &stored)
	r.byTrade[trade.ID] = &stored

	return SettleOutcome{
		Trade:       trade,
		Listing:     cloneListing(*l),
		FromBalance: transfer.FromBalance,
		ToBalance:   transfer.ToBalance,
	}, nil
}

func (r *memoryRepository) SetTradeSettlementRef(_ context.Context, tradeID, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byTrade[tradeID]
	if !ok {
		return errors.New("trade not found")
	}
	t.SettlementReference = reference
	return nil
}

func (r *memoryRepository) ListTrades(_ context.Context, listingID string) ([]Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trades := make([]Trade, 0, len(r.trades[listingID]))
	for _, t := range r.trades[listingID] {
		trades = append(trades, *t)
	}
	return trades, nil
}

func cloneListing(l Listing) Listing {
	l.SharesListed = new(big.Int).Set(l.SharesListed)
	l.SharesForSale = new(big.Int).Set(l.SharesForSale)
	if l.PricePerShareWei != nil {
		l.PricePerShareWei = new(big.Int).Set(l.PricePerShareWei)
	} else {
		l.PricePerShareWei = new(big.Int)
	}
	return l
}
