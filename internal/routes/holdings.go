package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/yieldbrick/yieldbrick/internal/holdings"
)

// RegisterHoldingRoutes wires ledger read-model endpoints.
func RegisterHoldingRoutes(router fiber.Router, h *holdings.Handler) {
	router.Get("/agreements/:id/supply", h.Supply)
	router.Get("/agreements/:id/holders/:address", h.Balance)
}
