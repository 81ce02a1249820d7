package marketplace

import (
	"errors"
	"math/big"
	"time"
)

var (
	// ErrListingNotFound occurs when the referenced listing does not exist.
	ErrListingNotFound = errors.New("listing not found")

	// ErrListingNotActive occurs when an operation requires a live listing
	// but it was sold, cancelled or expired.
	ErrListingNotActive = errors.New("listing is not active")

	// ErrListingExpired occurs when a purchase hits a listing past its
	// expiry; the read transitions it to expired.
	ErrListingExpired = errors.New("listing has expired")

	// ErrSelfTrade occurs when a buyer attempts to purchase their own
	// listing.
	ErrSelfTrade = errors.New("buyer and seller are the same holder")

	// ErrInsufficientShares occurs when a seller lists more than their
	// unreserved balance.
	ErrInsufficientShares = errors.New("insufficient unlisted shares")

	// ErrInsufficientSharesAvailable occurs when a purchase exceeds the
	// listing's remaining shares.
	ErrInsufficientSharesAvailable = errors.New("insufficient shares available in listing")

	// ErrPriceSlippageExceeded occurs when the listing price is above the
	// buyer's stated maximum.
	ErrPriceSlippageExceeded = errors.New("listing price exceeds buyer maximum")

	// ErrRestrictionViolated occurs when the compliance gate rejects the
	// transfer.
	ErrRestrictionViolated = errors.New("transfer restriction violated")

	// ErrAgreementInactive occurs when listing shares of a deactivated
	// agreement.
	ErrAgreementInactive = errors.New("agreement is not active")

	// ErrNotSeller occurs when someone other than the seller cancels a
	// listing.
	ErrNotSeller = errors.New("caller is not the listing seller")

	// ErrInvalidShareAmount occurs when a request resolves to zero or
	// negative shares.
	ErrInvalidShareAmount = errors.New("share amount must be positive")

	// ErrInvalidFraction occurs when a fractional size is outside
	// [0.01, 1.0].
	ErrInvalidFraction = errors.New("fraction must be within [0.01, 1.0]")

	// ErrSettlementFailed occurs when the atomic settlement unit could not
	// commit; no partial state is ever left behind.
	ErrSettlementFailed = errors.New("trade settlement failed")
)

// ListingStatus is a listing's lifecycle state. ACTIVE is the only live state;
// the other three are terminal and no transition leaves them.
type ListingStatus string

const (
	StatusActive    ListingStatus = "active"
	StatusSold      ListingStatus = "sold"
	StatusCancelled ListingStatus = "cancelled"
	StatusExpired   ListingStatus = "expired"
)

// Listing offers part of a seller's holding for sale. SharesForSale is the
// remaining (mutable) amount; SharesListed preserves the original size so
// fills can be audited against it.
type Listing struct {
	ID                    string
	AgreementID           string
	Seller                string
	SharesListed          *big.Int
	SharesForSale         *big.Int
	PricePerShareUSDCents int64
	PricePerShareWei      *big.Int
	Status                ListingStatus
	ExpiresAt             time.Time
	CreatedAt             time.Time
}

// Expired reports whether the listing is past its expiry at the given instant.
func (l Listing) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Trade is one fill against a listing. Append-only; a listing may accumulate
// many trades over time.
type Trade struct {
	ID                  string
	ListingID           string
	Buyer               string
	SharesPurchased     *big.Int
	TotalPriceUSDCents  int64
	SettlementReference string
	ExecutedAt          time.Time
}
