package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/yieldbrick/yieldbrick/internal/governance"
)

// RegisterGovernanceRoutes wires proposal lifecycle endpoints.
func RegisterGovernanceRoutes(router fiber.Router, h *governance.Handler) {
	router.Post("/proposals", h.Create)
	router.Get("/proposals", h.List)
	router.Get("/proposals/:id", h.Get)
	router.Post("/proposals/:id/votes", h.Vote)
	router.Post("/proposals/:id/execute", h.Execute)
	router.Get("/agreements/:id/voting-power/:address", h.VotingPower)
}
