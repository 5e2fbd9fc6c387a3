package adjustment

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/timebank/timebank/internal/credits"
)

// Handler exposes the adjustment endpoint.
type Handler struct {
	service *Service
}

// NewHandler constructs an adjustment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type adjustmentRequest struct {
	UserID        int64           `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   *int64          `json:"reference_id"`
	Reason        string          `json:"reason"`
}

// Create posts a manual or system adjustment.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req adjustmentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	actor := c.Get("X-Actor")
	if actor == "" {
		actor, _ = c.Locals("X-Request-ID").(string)
	}

	entry, err := h.service.Apply(c.UserContext(), Input{
		UserID:        req.UserID,
		Amount:        req.Amount,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Reason:        req.Reason,
		Actor:         actor,
	})
	if err != nil {
		if errors.Is(err, ErrReasonRequired) {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return credits.WriteError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(credits.NewEntryResponse(entry))
}
