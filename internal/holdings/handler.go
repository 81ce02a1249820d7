package holdings

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/yieldbrick/yieldbrick/internal/ethaddr"
	"github.com/yieldbrick/yieldbrick/internal/registry"
)

// Handler exposes holding view endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a holdings handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Balance returns one holder's position in an agreement.
func (h *Handler) Balance(c *fiber.Ctx) error {
	holder, err := ethaddr.Normalize(c.Params("address"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid holder address")
	}

	holding, err := h.service.Balance(c.UserContext(), holder, c.Params("id"))
	if err != nil {
		if errors.Is(err, registry.ErrAgreementNotFound) {
			return fiber.NewError(http.StatusNotFound, "agreement not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"holder":       holding.Holder,
		"agreement_id": holding.AgreementID,
		"balance":      holding.Balance.String(),
		"as_of":        holding.AsOf,
	})
}

// Supply returns the agreement's declared and distributed supply.
func (h *Handler) Supply(c *fiber.Ctx) error {
	supply, err := h.service.AgreementSupply(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, registry.ErrAgreementNotFound) {
			return fiber.NewError(http.StatusNotFound, "agreement not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"agreement_id":       supply.AgreementID,
		"total_token_supply": supply.TotalTokenSupply.String(),
		"distributed_supply": supply.DistributedSupply.String(),
		"as_of":              supply.AsOf,
	})
}
