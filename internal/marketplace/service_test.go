package marketplace

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/yieldbrick/yieldbrick/internal/compliance"
	"github.com/yieldbrick/yieldbrick/internal/config"
	"github.com/yieldbrick/yieldbrick/internal/ledger"
	"github.com/yieldbrick/yieldbrick/internal/pricing"
	"github.com/yieldbrick/yieldbrick/internal/registry"
)

const (
	testAgreementID = "agr-oakview-12"
	seller          = "0xSeller"
	buyer           = "0xBuyer"
)

var testParams = config.MarketplaceParams{
	ListingExpiryDays:   7,
	EthUSDPriceFallback: 3_000,
}

type staticCustody struct {
	ref string
}

func (c staticCustody) RecordSettlement(_ context.Context, _, _, _ string, _ *big.Int) (string, error) {
	return c.ref, nil
}

type failingCustody struct {
	calls int
}

func (c *failingCustody) RecordSettlement(_ context.Context, _, _, _ string, _ *big.Int) (string, error) {
	c.calls++
	return "", errors.New("custodian timeout")
}

func newTestService(t *testing.T) (*Service, ledger.Ledger) {
	t.Helper()

	led := ledger.NewInMemory()
	agreements := registry.NewMemoryRegistry()
	if err := agreements.Create(context.Background(), registry.Agreement{
		ID:               testAgreementID,
		PropertyID:       "prop-oakview",
		TotalTokenSupply: ledger.Shares(1_000_000),
		IsActive:         true,
	}); err != nil {
		t.Fatalf("seed agreement: %v", err)
	}

	repo := NewMemoryRepository(led)
	svc := NewService(repo, led, agreements, compliance.AllowAll{},
		pricing.Static{Price: 3_000}, staticCustody{ref: "0xdeadbeef"}, nil, nil, testParams)
	return svc, led
}

func TestFractionalListingAndPurchase(t *testing.T) {
	svc, led := newTestService(t)
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(1_000))

	ctx := context.Background()
	listing, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Fraction:              0.5,
		PricePerShareUSDCents: 2_500,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if listing.SharesListed.Cmp(ledger.Shares(500)) != 0 {
		t.Fatalf("expected 500 shares listed, got %s", listing.SharesListed)
	}
	if listing.Status != StatusActive {
		t.Fatalf("expected active listing, got %s", listing.Status)
	}

	// No ledger movement on listing: the reservation is purely logical.
	balance, _ := led.Balance(ctx, seller, testAgreementID)
	if balance.Cmp(ledger.Shares(1_000)) != 0 {
		t.Fatalf("expected seller balance untouched, got %s", balance)
	}

	res, err := svc.BuyShares(ctx, BuyInput{ListingID: listing.ID, Buyer: buyer, Fraction: 0.3})
	if err != nil {
		t.Fatalf("buy shares: %v", err)
	}
	if res.Trade.SharesPurchased.Cmp(ledger.Shares(150)) != 0 {
		t.Fatalf("expected 150 shares purchased, got %s", res.Trade.SharesPurchased)
	}
	if res.SellerBalance.Cmp(ledger.Shares(850)) != 0 || res.BuyerBalance.Cmp(ledger.Shares(150)) != 0 {
		t.Fatalf("unexpected balances after trade: seller=%s buyer=%s", res.SellerBalance, res.BuyerBalance)
	}
	if res.Trade.TotalPriceUSDCents != 150*2_500 {
		t.Fatalf("unexpected trade total: %d", res.Trade.TotalPriceUSDCents)
	}
	if res.Trade.SettlementReference == "" {
		// mirrorSettlement backfills via the repository, not the returned copy.
		stored, err := svc.ListTrades(ctx, listing.ID)
		if err != nil || len(stored) != 1 {
			t.Fatalf("list trades: %v (%d)", err, len(stored))
		}
		if stored[0].SettlementReference != "0xdeadbeef" {
			t.Fatalf("expected custody reference backfilled, got %q", stored[0].SettlementReference)
		}
	}

	got, err := svc.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("expected listing to stay active on partial fill, got %s", got.Status)
	}
	if got.SharesForSale.Cmp(ledger.Shares(350)) != 0 {
		t.Fatalf("expected 350 shares remaining, got %s", got.SharesForSale)
	}
}

func TestBuyWholeListingMarksSold(t *testing.T) {
	svc, led := newTestService(t)
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(200))

	ctx := context.Background()
	listing, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(200),
		PricePerShareUSDCents: 1_000,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	res, err := svc.BuyShares(ctx, BuyInput{ListingID: listing.ID, Buyer: buyer, Fraction: 1.0})
	if err != nil {
		t.Fatalf("buy shares: %v", err)
	}
	if res.Listing.Status != StatusSold {
		t.Fatalf("expected sold listing, got %s", res.Listing.Status)
	}

	if _, err := svc.BuyShares(ctx, BuyInput{ListingID: listing.ID, Buyer: "0xLate", Shares: ledger.Shares(1)}); !errors.Is(err, ErrListingNotActive) {
		t.Fatalf("expected listing not active, got %v", err)
	}
}

func TestSlippageGuardLeavesStateUntouched(t *testing.T) {
	svc, led := newTestService(t)
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(100))

	ctx := context.Background()
	listing, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(100),
		PricePerShareUSDCents: 3_000,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	_, err = svc.BuyShares(ctx, BuyInput{
		ListingID:        listing.ID,
		Buyer:            buyer,
		Shares:           ledger.Shares(10),
		MaxPriceUSDCents: 2_500,
	})
	if !errors.Is(err, ErrPriceSlippageExceeded) {
		t.Fatalf("expected slippage rejection, got %v", err)
	}

	got, _ := svc.GetListing(ctx, listing.ID)
	if got.SharesForSale.Cmp(ledger.Shares(100)) != 0 {
		t.Fatalf("expected listing untouched, got %s remaining", got.SharesForSale)
	}
	balance, _ := led.Balance(ctx, buyer, testAgreementID)
	if balance.Sign() != 0 {
		t.Fatalf("expected no buyer balance, got %s", balance)
	}
	trades, _ := svc.ListTrades(ctx, listing.ID)
	if len(trades) != 0 {
		t.Fatalf("expected no trade rows, got %d", len(trades))
	}
}

func TestConcurrentBuyersNeverOversell(t *testing.T) {
	svc, led := newTestService(t)
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(100))

	ctx := context.Background()
	listing, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(100),
		PricePerShareUSDCents: 1_000,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	const buyers = 10
	var wg sync.WaitGroup
	errCh := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.BuyShares(ctx, BuyInput{
				ListingID: listing.ID,
				Buyer:     "0xBuyer" + string(rune('A'+n)),
				Shares:    ledger.Shares(20),
			})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	var ok, rejected int
	for err := range errCh {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientSharesAvailable), errors.Is(err, ErrListingNotActive):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 5 || rejected != 5 {
		t.Fatalf("expected exactly 5 fills, got ok=%d rejected=%d", ok, rejected)
	}

	balance, _ := led.Balance(ctx, seller, testAgreementID)
	if balance.Sign() != 0 {
		t.Fatalf("expected seller fully sold out, got %s", balance)
	}
	got, _ := svc.GetListing(ctx, listing.ID)
	if got.Status != StatusSold || got.SharesForSale.Sign() != 0 {
		t.Fatalf("expected sold-out listing, got %s with %s remaining", got.Status, got.SharesForSale)
	}
}

func TestConcurrentListingsNeverOverReserve(t *testing.T) {
	svc, led := newTestService(t)
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(100))

	ctx := context.Background()
	const sellers = 10
	var wg sync.WaitGroup
	errCh := make(chan error, sellers)
	for i := 0; i < sellers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateListing(ctx, CreateListingInput{
				AgreementID:           testAgreementID,
				Seller:                seller,
				Shares:                ledger.Shares(20),
				PricePerShareUSDCents: 1_000,
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	var ok, rejected int
	for err := range errCh {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientShares):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 5 || rejected != 5 {
		t.Fatalf("expected exactly 5 listings, got ok=%d rejected=%d", ok, rejected)
	}

	reserved, err := svc.repo.ReservedShares(ctx, seller, testAgreementID)
	if err != nil {
		t.Fatalf("reserved shares: %v", err)
	}
	balance, _ := led.Balance(ctx, seller, testAgreementID)
	if reserved.Cmp(balance) > 0 {
		t.Fatalf("reserved %s exceeds balance %s", reserved, balance)
	}
}

func TestLazyExpiry(t *testing.T) {
	svc, led := newTestService(t)
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(100))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	listing, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(100),
		PricePerShareUSDCents: 1_000,
		ExpiresInDays:         1,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	now = base.AddDate(0, 0, 2)
	if _, err := svc.BuyShares(ctx, BuyInput{ListingID: listing.ID, Buyer: buyer, Shares: ledger.Shares(10)}); !errors.Is(err, ErrListingExpired) {
		t.Fatalf("expected expired listing, got %v", err)
	}

	got, err := svc.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected expired status after read, got %s", got.Status)
	}
}

func TestSelfTradeRejected(t *testing.T) {
	svc, led := newTestService(t)
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(100))

	ctx := context.Background()
	listing, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(100),
		PricePerShareUSDCents: 1_000,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := svc.BuyShares(ctx, BuyInput{ListingID: listing.ID, Buyer: seller, Shares: ledger.Shares(10)}); !errors.Is(err, ErrSelfTrade) {
		t.Fatalf("expected self-trade rejection, got %v", err)
	}
}

func TestCancelListingReleasesReservation(t *testing.T) {
	svc, led := newTestService(t)
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(1_000))

	ctx := context.Background()
	listing, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(800),
		PricePerShareUSDCents: 1_000,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	// The first listing reserves 800 of 1000 shares.
	if _, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(300),
		PricePerShareUSDCents: 1_000,
	}); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected over-reservation rejection, got %v", err)
	}

	if _, err := svc.CancelListing(ctx, listing.ID, "0xStranger"); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected not-seller rejection, got %v", err)
	}

	cancelled, err := svc.CancelListing(ctx, listing.ID, seller)
	if err != nil {
		t.Fatalf("cancel listing: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}

	// Cancellation frees the reservation for a new listing.
	if _, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(1_000),
		PricePerShareUSDCents: 1_000,
	}); err != nil {
		t.Fatalf("relist after cancel: %v", err)
	}

	if _, err := svc.BuyShares(ctx, BuyInput{ListingID: listing.ID, Buyer: buyer, Shares: ledger.Shares(10)}); !errors.Is(err, ErrListingNotActive) {
		t.Fatalf("expected cancelled listing unbuyable, got %v", err)
	}
}

func TestComplianceDenialBlocksTrade(t *testing.T) {
	svc, led := newTestService(t)
	svc.gate = compliance.DenyList{Blocked: map[string]string{buyer: "sanctioned jurisdiction"}}
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(100))

	ctx := context.Background()
	listing, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(100),
		PricePerShareUSDCents: 1_000,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := svc.BuyShares(ctx, BuyInput{ListingID: listing.ID, Buyer: buyer, Shares: ledger.Shares(10)}); !errors.Is(err, ErrRestrictionViolated) {
		t.Fatalf("expected restriction violation, got %v", err)
	}
	trades, _ := svc.ListTrades(ctx, listing.ID)
	if len(trades) != 0 {
		t.Fatalf("expected no trade rows, got %d", len(trades))
	}
}

func TestCustodyFailureDoesNotRollBackTrade(t *testing.T) {
	svc, led := newTestService(t)
	cust := &failingCustody{}
	svc.custody = cust
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(100))

	ctx := context.Background()
	listing, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(100),
		PricePerShareUSDCents: 1_000,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	res, err := svc.BuyShares(ctx, BuyInput{ListingID: listing.ID, Buyer: buyer, Shares: ledger.Shares(40)})
	if err != nil {
		t.Fatalf("buy shares: %v", err)
	}
	if cust.calls != 1 {
		t.Fatalf("expected one custody attempt, got %d", cust.calls)
	}
	if res.BuyerBalance.Cmp(ledger.Shares(40)) != 0 {
		t.Fatalf("expected trade committed despite custody failure, got %s", res.BuyerBalance)
	}
	trades, _ := svc.ListTrades(ctx, listing.ID)
	if len(trades) != 1 || trades[0].SettlementReference != "" {
		t.Fatalf("expected trade with pending settlement reference, got %+v", trades)
	}
}

func TestCreateListingValidation(t *testing.T) {
	svc, led := newTestService(t)
	ledger.SeedBalance(led, seller, testAgreementID, ledger.Shares(100))

	ctx := context.Background()

	if _, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           "agr-missing",
		Seller:                seller,
		Shares:                ledger.Shares(10),
		PricePerShareUSDCents: 1_000,
	}); !errors.Is(err, registry.ErrAgreementNotFound) {
		t.Fatalf("expected agreement not found, got %v", err)
	}

	if _, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Fraction:              0.001,
		PricePerShareUSDCents: 1_000,
	}); !errors.Is(err, ErrInvalidFraction) {
		t.Fatalf("expected fraction below minimum rejected, got %v", err)
	}

	if _, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Fraction:              1.5,
		PricePerShareUSDCents: 1_000,
	}); !errors.Is(err, ErrInvalidFraction) {
		t.Fatalf("expected fraction above maximum rejected, got %v", err)
	}

	if _, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                big.NewInt(0),
		PricePerShareUSDCents: 1_000,
	}); !errors.Is(err, ErrInvalidShareAmount) {
		t.Fatalf("expected zero shares rejected, got %v", err)
	}

	if _, err := svc.CreateListing(ctx, CreateListingInput{
		AgreementID:           testAgreementID,
		Seller:                seller,
		Shares:                ledger.Shares(200),
		PricePerShareUSDCents: 1_000,
	}); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected insufficient shares, got %v", err)
	}
}

func TestResolveShares(t *testing.T) {
	base := ledger.Shares(1_000)

	got, err := resolveShares(nil, 0.25, base)
	if err != nil {
		t.Fatalf("resolve fraction: %v", err)
	}
	if got.Cmp(ledger.Shares(250)) != 0 {
		t.Fatalf("expected 250 shares, got %s", got)
	}

	if _, err := resolveShares(nil, 0.25, new(big.Int)); !errors.Is(err, ErrInvalidShareAmount) {
		t.Fatalf("expected zero-base rejection, got %v", err)
	}

	abs, err := resolveShares(ledger.Shares(7), 0, base)
	if err != nil || abs.Cmp(ledger.Shares(7)) != 0 {
		t.Fatalf("expected absolute amount passthrough, got %s (%v)", abs, err)
	}
}
