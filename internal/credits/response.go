package credits

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/timebank/timebank/internal/ledger"
)

// EntryResponse is the wire form of a ledger entry. Amounts are fixed
// two-decimal strings.
type EntryResponse struct {
	TransactionID   int64     `json:"transaction_id"`
	UserID          int64     `json:"user_id"`
	Amount          string    `json:"amount"`
	TransactionType string    `json:"transaction_type"`
	ReferenceType   string    `json:"reference_type"`
	ReferenceID     *int64    `json:"reference_id"`
	Description     string    `json:"description"`
	BalanceBefore   string    `json:"balance_before"`
	BalanceAfter    string    `json:"balance_after"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewEntryResponse renders an entry for JSON output.
func NewEntryResponse(e ledger.Entry) EntryResponse {
	return EntryResponse{
		TransactionID:   e.ID,
		UserID:          e.UserID,
		Amount:          e.Amount.StringFixed(2),
		TransactionType: string(e.Category),
		ReferenceType:   string(e.Reference.Type),
		ReferenceID:     e.Reference.ID,
		Description:     e.Description,
		BalanceBefore:   e.BalanceBefore.StringFixed(2),
		BalanceAfter:    e.BalanceAfter.StringFixed(2),
		CreatedAt:       e.CreatedAt,
	}
}

// NewEntryResponses renders a slice of entries; never returns nil.
func NewEntryResponses(entries []ledger.Entry) []EntryResponse {
	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewEntryResponse(e))
	}
	return out
}

// WriteError maps ledger and credits errors to HTTP responses. Insufficient
// credits gets a JSON body with the shortfall; everything else becomes a
// fiber error for the app's error handler.
func WriteError(c *fiber.Ctx, err error) error {
	var short *ledger.InsufficientCreditsError
	if errors.As(err, &short) {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error":     "not enough credits",
			"user_id":   short.UserID,
			"balance":   short.Balance.StringFixed(2),
			"required":  short.Required.StringFixed(2),
			"shortfall": short.Shortfall.StringFixed(2),
		})
	}
	return fiber.NewError(StatusFor(err), err.Error())
}

// StatusFor returns the HTTP status for a domain error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidCategory),
		errors.Is(err, ledger.ErrInvalidReference),
		errors.Is(err, ledger.ErrSelfTransfer):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrNoMatchingEntries):
		return http.StatusNotFound
	case errors.Is(err, ErrBonusAlreadyGranted),
		errors.Is(err, ErrBonusInProgress),
		errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ParseID reads a positive int64 route parameter.
func ParseID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}
