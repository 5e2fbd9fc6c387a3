package settlement

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/timebank/timebank/internal/credits"
)

// Handler exposes booking and request settlement endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type completeRequest struct {
	ConsumerID int64           `json:"consumer_id"`
	ProviderID int64           `json:"provider_id"`
	Credits    decimal.Decimal `json:"credits"`
	Title      string          `json:"title"`
}

type cancelRequest struct {
	Status     string `json:"status"`
	BestEffort bool   `json:"best_effort"`
}

// CompleteBooking settles a completed booking.
func (h *Handler) CompleteBooking(c *fiber.Ctx) error {
	return h.complete(c, "bookingId", h.service.CompleteBooking)
}

// CompleteRequest settles a fulfilled service request.
func (h *Handler) CompleteRequest(c *fiber.Ctx) error {
	return h.complete(c, "requestId", h.service.CompleteRequest)
}

// CancelBooking refunds a cancelled or rejected booking.
func (h *Handler) CancelBooking(c *fiber.Ctx) error {
	return h.cancel(c, "bookingId", h.service.CancelBooking)
}

// CancelRequest refunds a cancelled or rejected request.
func (h *Handler) CancelRequest(c *fiber.Ctx) error {
	return h.cancel(c, "requestId", h.service.CancelRequest)
}

type completeFunc func(ctx context.Context, id int64, in CompleteInput) (credits.TransferResult, error)

type cancelFunc func(ctx context.Context, id int64, status string) (RefundOutcome, error)

func (h *Handler) complete(c *fiber.Ctx, param string, fn completeFunc) error {
	id, err := credits.ParseID(c, param)
	if err != nil {
		return err
	}
	var req completeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := fn(c.UserContext(), id, CompleteInput{
		ConsumerID: req.ConsumerID,
		ProviderID: req.ProviderID,
		Credits:    req.Credits,
		Title:      req.Title,
	})
	if err != nil {
		return credits.WriteError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"id":     id,
		"status": "completed",
		"debit":  credits.NewEntryResponse(res.Debit),
		"credit": credits.NewEntryResponse(res.Credit),
	})
}

func (h *Handler) cancel(c *fiber.Ctx, param string, fn cancelFunc) error {
	id, err := credits.ParseID(c, param)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	outcome, err := fn(c.UserContext(), id, req.Status)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if outcome.Err != nil && !req.BestEffort {
		return credits.WriteError(c, outcome.Err)
	}

	body := fiber.Map{
		"id":       id,
		"status":   req.Status,
		"refunded": outcome.Refunded,
		"entries":  credits.NewEntryResponses(outcome.Entries),
	}
	if outcome.Err != nil {
		body["refund_error"] = outcome.Err.Error()
	}
	return c.Status(http.StatusOK).JSON(body)
}
