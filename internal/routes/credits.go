package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/timebank/timebank/internal/adjustment"
	"github.com/timebank/timebank/internal/credits"
)

// RegisterCreditRoutes wires balance, history and ledger mutation endpoints.
// writeMW guards every mutating route.
func RegisterCreditRoutes(r fiber.Router, h *credits.Handler, adj *adjustment.Handler, writeMW ...fiber.Handler) {
	r.Get("/credits/:userId/balance", h.Balance)
	r.Get("/credits/:userId/transactions", h.Transactions)
	r.Get("/credits/:userId/reconcile", h.Reconcile)

	r.Post("/credits/:userId/initial-bonus", chain(h.InitialBonus, writeMW)...)
	r.Post("/credits/transfer", chain(h.Transfer, writeMW)...)
	r.Post("/credits/refund", chain(h.Refund, writeMW)...)
	r.Post("/credits/adjustments", chain(adj.Create, writeMW)...)
}

// chain puts the handler after its middleware.
func chain(h fiber.Handler, mw []fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(mw)+1)
	out = append(out, mw...)
	return append(out, h)
}
