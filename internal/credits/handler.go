package credits

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// Handler exposes credit HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a credits HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type transferRequest struct {
	FromUserID    int64           `json:"from_user_id"`
	ToUserID      int64           `json:"to_user_id"`
	Amount        decimal.Decimal `json:"amount"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   *int64          `json:"reference_id"`
	Description   string          `json:"description"`
}

type refundRequest struct {
	ReferenceType string `json:"reference_type"`
	ReferenceID   *int64 `json:"reference_id"`
	Reason        string `json:"reason"`
}

// Balance returns the user's balance view.
func (h *Handler) Balance(c *fiber.Ctx) error {
	userID, err := ParseID(c, "userId")
	if err != nil {
		return err
	}
	view, err := h.service.Balance(c.UserContext(), userID)
	if err != nil {
		return WriteError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"user_id":         view.UserID,
		"current_balance": view.CurrentBalance.StringFixed(2),
		"total_earned":    view.TotalEarned.StringFixed(2),
		"total_spent":     view.TotalSpent.StringFixed(2),
		"last_updated":    view.LastUpdated,
	})
}

// Transactions returns a page of history: ?skip=&limit=.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	userID, err := ParseID(c, "userId")
	if err != nil {
		return err
	}
	view, err := h.service.History(c.UserContext(), userID, c.QueryInt("skip", 0), c.QueryInt("limit", 0))
	if err != nil {
		return WriteError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"transactions":    NewEntryResponses(view.Transactions),
		"total_count":     view.TotalCount,
		"current_balance": view.CurrentBalance.StringFixed(2),
		"skip":            view.Skip,
		"limit":           view.Limit,
	})
}

// InitialBonus grants the registration bonus once per user.
func (h *Handler) InitialBonus(c *fiber.Ctx) error {
	userID, err := ParseID(c, "userId")
	if err != nil {
		return err
	}
	entry, err := h.service.GrantInitialBonus(c.UserContext(), userID)
	if err != nil {
		return WriteError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(NewEntryResponse(entry))
}

// Reconcile reports whether the stored account matches its history.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	userID, err := ParseID(c, "userId")
	if err != nil {
		return err
	}
	report, err := h.service.Reconcile(c.UserContext(), userID)
	if err != nil {
		return WriteError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"user_id":         userID,
		"consistent":      report.Consistent(),
		"balance":         report.Account.Balance.StringFixed(2),
		"history_sum":     report.Totals.Sum.StringFixed(2),
		"balance_drift":   report.BalanceDrift().StringFixed(2),
		"lifetime_earned": report.Account.LifetimeEarned.StringFixed(2),
		"history_earned":  report.Totals.Earned.StringFixed(2),
		"lifetime_spent":  report.Account.LifetimeSpent.StringFixed(2),
		"history_spent":   report.Totals.Spent.StringFixed(2),
		"entries":         report.Totals.Count,
	})
}

// Transfer moves credits between users for a booking or request.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.Transfer(c.UserContext(), TransferInput{
		FromUserID:    req.FromUserID,
		ToUserID:      req.ToUserID,
		Amount:        req.Amount,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Description:   req.Description,
	})
	if err != nil {
		return WriteError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"success":               true,
		"message":               "Successfully transferred " + req.Amount.StringFixed(2) + " credits",
		"debit_transaction_id":  res.Debit.ID,
		"credit_transaction_id": res.Credit.ID,
		"debit":                 NewEntryResponse(res.Debit),
		"credit":                NewEntryResponse(res.Credit),
	})
}

// Refund reverses all entries tied to a reference.
func (h *Handler) Refund(c *fiber.Ctx) error {
	var req refundRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	entries, err := h.service.Refund(c.UserContext(), RefundInput{
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Reason:        req.Reason,
	})
	if err != nil {
		return WriteError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"refunded": len(entries),
		"entries":  NewEntryResponses(entries),
	})
}
