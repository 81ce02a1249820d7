package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/yieldbrick/yieldbrick/internal/marketplace"
)

// RegisterMarketplaceRoutes wires listing and trade endpoints.
func RegisterMarketplaceRoutes(router fiber.Router, h *marketplace.Handler) {
	router.Post("/listings", h.CreateListing)
	router.Get("/listings", h.List)
	router.Get("/listings/:id", h.Get)
	router.Get("/listings/:id/trades", h.Trades)
	router.Post("/listings/:id/purchase", h.Buy)
	router.Post("/listings/:id/cancel", h.Cancel)
}
