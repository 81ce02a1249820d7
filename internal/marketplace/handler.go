package marketplace

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/yieldbrick/yieldbrick/internal/compliance"
	"github.com/yieldbrick/yieldbrick/internal/ethaddr"
	"github.com/yieldbrick/yieldbrick/internal/ledger"
	"github.com/yieldbrick/yieldbrick/internal/registry"
)

// Handler exposes marketplace endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a marketplace handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createListingRequest struct {
	AgreementID           string  `json:"agreement_id"`
	Seller                string  `json:"seller"`
	Shares                string  `json:"shares,omitempty"`
	Fraction              float64 `json:"fraction,omitempty"`
	PricePerShareUSDCents int64   `json:"price_per_share_usd_cents"`
	ExpiresInDays         int     `json:"expires_in_days,omitempty"`
}

// CreateListing opens a new listing.
func (h *Handler) CreateListing(c *fiber.Ctx) error {
	var req createListingRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	seller, err := ethaddr.Normalize(req.Seller)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid seller address")
	}
	shares, err := parseShares(req.Shares)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid shares amount")
	}

	listing, err := h.service.CreateListing(c.UserContext(), CreateListingInput{
		AgreementID:           req.AgreementID,
		Seller:                seller,
		Shares:                shares,
		Fraction:              req.Fraction,
		PricePerShareUSDCents: req.PricePerShareUSDCents,
		ExpiresInDays:         req.ExpiresInDays,
	})
	if err != nil {
		return mapMarketplaceError(err)
	}
	return c.Status(http.StatusCreated).JSON(listingJSON(listing))
}

type buyRequest struct {
	Buyer            string  `json:"buyer"`
	Shares           string  `json:"shares,omitempty"`
	Fraction         float64 `json:"fraction,omitempty"`
	MaxPriceUSDCents int64   `json:"max_price_usd_cents,omitempty"`
}

// Buy fills (part of) a listing.
func (h *Handler) Buy(c *fiber.Ctx) error {
	var req buyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	buyer, err := ethaddr.Normalize(req.Buyer)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid buyer address")
	}
	shares, err := parseShares(req.Shares)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid shares amount")
	}

	res, err := h.service.BuyShares(c.UserContext(), BuyInput{
		ListingID:        c.Params("id"),
		Buyer:            buyer,
		Shares:           shares,
		Fraction:         req.Fraction,
		MaxPriceUSDCents: req.MaxPriceUSDCents,
	})
	if err != nil {
		return mapMarketplaceError(err)
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"trade": fiber.Map{
			"id":                   res.Trade.ID,
			"listing_id":           res.Trade.ListingID,
			"buyer":                res.Trade.Buyer,
			"shares_purchased":     res.Trade.SharesPurchased.String(),
			"total_price_usd":      centsToUSD(res.Trade.TotalPriceUSDCents),
			"settlement_reference": res.Trade.SettlementReference,
			"executed_at":          res.Trade.ExecutedAt,
		},
		"listing":        listingJSON(res.Listing),
		"seller_balance": res.SellerBalance.String(),
		"buyer_balance":  res.BuyerBalance.String(),
	})
}

// Cancel withdraws a listing.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	var req struct {
		Seller string `json:"seller"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	seller, err := ethaddr.Normalize(req.Seller)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid seller address")
	}

	listing, err := h.service.CancelListing(c.UserContext(), c.Params("id"), seller)
	if err != nil {
		return mapMarketplaceError(err)
	}
	return c.JSON(listingJSON(listing))
}

// Get returns one listing.
func (h *Handler) Get(c *fiber.Ctx) error {
	listing, err := h.service.GetListing(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapMarketplaceError(err)
	}
	return c.JSON(listingJSON(listing))
}

// List returns listings matching query filters.
func (h *Handler) List(c *fiber.Ctx) error {
	filter := Filter{
		AgreementID: c.Query("agreement_id"),
		Status:      ListingStatus(c.Query("status")),
	}
	if seller := c.Query("seller"); seller != "" {
		normalized, err := ethaddr.Normalize(seller)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid seller address")
		}
		filter.Seller = normalized
	}

	listings, err := h.service.ListListings(c.UserContext(), filter)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]fiber.Map, 0, len(listings))
	for _, l := range listings {
		out = append(out, listingJSON(l))
	}
	return c.JSON(fiber.Map{"listings": out})
}

// Trades returns the fill history of a listing.
func (h *Handler) Trades(c *fiber.Ctx) error {
	trades, err := h.service.ListTrades(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapMarketplaceError(err)
	}
	out := make([]fiber.Map, 0, len(trades))
	for _, t := range trades {
		out = append(out, fiber.Map{
			"id":                   t.ID,
			"listing_id":           t.ListingID,
			"buyer":                t.Buyer,
			"shares_purchased":     t.SharesPurchased.String(),
			"total_price_usd":      centsToUSD(t.TotalPriceUSDCents),
			"settlement_reference": t.SettlementReference,
			"executed_at":          t.ExecutedAt,
		})
	}
	return c.JSON(fiber.Map{"trades": out})
}

func mapMarketplaceError(err error) error {
	switch {
	case errors.Is(err, ErrListingNotFound), errors.Is(err, registry.ErrAgreementNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidShareAmount), errors.Is(err, ErrInvalidFraction):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrListingNotActive), errors.Is(err, ErrListingExpired),
		errors.Is(err, ErrSelfTrade), errors.Is(err, ErrAgreementInactive),
		errors.Is(err, ErrPriceSlippageExceeded):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInsufficientShares), errors.Is(err, ErrInsufficientSharesAvailable),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotSeller):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrRestrictionViolated):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, compliance.ErrGateUnavailable):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrSettlementFailed):
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

func listingJSON(l Listing) fiber.Map {
	return fiber.Map{
		"id":                        l.ID,
		"agreement_id":              l.AgreementID,
		"seller":                    l.Seller,
		"shares_listed":             l.SharesListed.String(),
		"shares_for_sale":           l.SharesForSale.String(),
		"price_per_share_usd":       centsToUSD(l.PricePerShareUSDCents),
		"price_per_share_usd_cents": l.PricePerShareUSDCents,
		"price_per_share_wei":       l.PricePerShareWei.String(),
		"status":                    string(l.Status),
		"expires_at":                l.ExpiresAt,
		"created_at":                l.CreatedAt,
	}
}

func parseShares(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	shares, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ErrInvalidShareAmount
	}
	return shares, nil
}

func centsToUSD(cents int64) float64 {
	return float64(cents) / 100
}
