package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/timebank/timebank/internal/identity"
)

// RegisterIdentityRoutes wires registration, which also opens the credit
// account and grants the initial bonus.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler, rateLimit fiber.Handler) {
	r.Post("/identity/register", rateLimit, h.Register)
	r.Get("/identity/users/:userId", h.Get)
}
