package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/timebank/timebank/internal/settlement"
)

// RegisterSettlementRoutes wires booking and request settlement endpoints.
func RegisterSettlementRoutes(r fiber.Router, h *settlement.Handler, writeMW ...fiber.Handler) {
	r.Post("/bookings/:bookingId/complete", chain(h.CompleteBooking, writeMW)...)
	r.Post("/bookings/:bookingId/cancel", chain(h.CancelBooking, writeMW)...)
	r.Post("/requests/:requestId/complete", chain(h.CompleteRequest, writeMW)...)
	r.Post("/requests/:requestId/cancel", chain(h.CancelRequest, writeMW)...)
}
